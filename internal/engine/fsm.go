package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/pkg/schema"
)

// Phase is a state of the step lifecycle.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseSkipCheck  Phase = "skip_check"
	PhaseDelay      Phase = "delay"
	PhaseTemplating Phase = "templating"
	PhasePreScript  Phase = "pre_script"
	PhaseDispatch   Phase = "dispatch"
	PhaseRetryWait  Phase = "retry_wait"
	PhasePostScript Phase = "post_script"
	PhaseExtraction Phase = "extraction"
	PhaseAssertion  Phase = "assertion"

	PhasePassed  Phase = "passed"
	PhaseFailed  Phase = "failed"
	PhaseSkipped Phase = "skipped"
	PhaseErrored Phase = "errored"
)

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return len(ValidPhaseTransitions[p]) == 0
}

// ValidPhaseTransitions defines the allowed step lifecycle transitions.
// Errored is reachable from every non-terminal phase, and so is Skipped,
// which is how a cancelled run stops a step mid-flight.
var ValidPhaseTransitions = map[Phase][]Phase{
	PhasePending:    {PhaseSkipCheck, PhaseSkipped, PhaseErrored},
	PhaseSkipCheck:  {PhaseDelay, PhaseSkipped, PhaseErrored},
	PhaseDelay:      {PhaseTemplating, PhaseSkipped, PhaseErrored},
	PhaseTemplating: {PhasePreScript, PhaseErrored, PhaseSkipped},
	PhasePreScript:  {PhaseDispatch, PhaseErrored, PhaseSkipped},
	PhaseDispatch:   {PhaseRetryWait, PhasePostScript, PhaseFailed, PhaseErrored, PhaseSkipped},
	PhaseRetryWait:  {PhaseDispatch, PhaseSkipped, PhaseErrored},
	PhasePostScript: {PhaseExtraction, PhaseErrored, PhaseSkipped},
	PhaseExtraction: {PhaseAssertion, PhaseErrored, PhaseSkipped},
	PhaseAssertion:  {PhasePassed, PhaseFailed, PhaseErrored, PhaseSkipped},
	PhasePassed:     {},
	PhaseFailed:     {},
	PhaseSkipped:    {},
	PhaseErrored:    {},
}

// TransitionHook is called before or after a phase transition. A before
// hook that returns an error aborts the transition.
type TransitionHook func(ctx context.Context, from, to Phase) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type nopAppender struct{}

func (nopAppender) AppendEvent(context.Context, *store.Event) error { return nil }

type phaseHookKey struct {
	from, to Phase
}

// StepFSM tracks the lifecycle of one step execution.
type StepFSM struct {
	mu       sync.Mutex
	runID    string
	step     string
	current  Phase
	trace    []Phase
	appender EventAppender
	before   map[phaseHookKey][]TransitionHook
	after    map[phaseHookKey][]TransitionHook
	enter    map[Phase][]TransitionHook
}

// NewStepFSM creates a StepFSM in the pending phase. appender may be nil.
func NewStepFSM(runID, step string, appender EventAppender) *StepFSM {
	if appender == nil {
		appender = nopAppender{}
	}
	return &StepFSM{
		runID:    runID,
		step:     step,
		current:  PhasePending,
		trace:    []Phase{PhasePending},
		appender: appender,
		before:   make(map[phaseHookKey][]TransitionHook),
		after:    make(map[phaseHookKey][]TransitionHook),
		enter:    make(map[Phase][]TransitionHook),
	}
}

// OnBefore registers a hook called before a specific transition.
func (f *StepFSM) OnBefore(from, to Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a specific transition.
func (f *StepFSM) OnAfter(from, to Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnEnter registers a hook called after any transition into to.
func (f *StepFSM) OnEnter(to Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enter[to] = append(f.enter[to], hook)
}

// Current returns the current phase.
func (f *StepFSM) Current() Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Trace returns every phase visited, in order.
func (f *StepFSM) Trace() []Phase {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Phase, len(f.trace))
	copy(out, f.trace)
	return out
}

// Visited reports whether the step ever entered p.
func (f *StepFSM) Visited(p Phase) bool {
	for _, t := range f.Trace() {
		if t == p {
			return true
		}
	}
	return false
}

// Transition validates and executes a transition from the current phase
// to to, emitting the corresponding events via the appender.
func (f *StepFSM) Transition(ctx context.Context, to Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.current
	if !isValidPhaseTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(f.step).
			WithDetails(map[string]any{"run_id": f.runID, "from": string(from), "to": string(to)})
	}

	key := phaseHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(ctx, from, to); err != nil {
			return err
		}
	}

	f.current = to
	f.trace = append(f.trace, to)

	if err := f.emit(ctx, from, to); err != nil {
		return err
	}

	for _, hook := range f.after[key] {
		if err := hook(ctx, from, to); err != nil {
			return err
		}
	}
	for _, hook := range f.enter[to] {
		if err := hook(ctx, from, to); err != nil {
			return err
		}
	}
	return nil
}

func (f *StepFSM) emit(ctx context.Context, from, to Phase) error {
	payload, _ := json.Marshal(store.PhasePayload{From: string(from), To: string(to)})
	events := []*store.Event{{RunID: f.runID, Step: f.step, Type: schema.EventStepPhase, Payload: payload}}
	if from == PhasePending && to == PhaseSkipCheck {
		events = append([]*store.Event{{RunID: f.runID, Step: f.step, Type: schema.EventStepStarted}}, events...)
	}
	if t := phaseEventType(to); t != "" {
		events = append(events, &store.Event{RunID: f.runID, Step: f.step, Type: t})
	}
	for _, e := range events {
		if err := f.appender.AppendEvent(ctx, e); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(f.step).WithCause(err)
		}
	}
	return nil
}

func isValidPhaseTransition(from, to Phase) bool {
	for _, a := range ValidPhaseTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func phaseEventType(to Phase) string {
	switch to {
	case PhasePassed:
		return schema.EventStepCompleted
	case PhaseFailed:
		return schema.EventStepFailed
	case PhaseErrored:
		return schema.EventStepErrored
	case PhaseSkipped:
		return schema.EventStepSkipped
	case PhaseRetryWait:
		return schema.EventStepRetrying
	}
	return ""
}
