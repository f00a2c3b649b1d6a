package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (m *mockAppender) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*store.Event, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockAppender) Types(step string) []string {
	var out []string
	for _, e := range m.Events() {
		if step == "" || e.Step == step {
			out = append(out, e.Type)
		}
	}
	return out
}

// failAppender always returns an error.
type failAppender struct{}

func (f *failAppender) AppendEvent(_ context.Context, _ *store.Event) error {
	return errors.New("store unavailable")
}

func walk(t *testing.T, fsm *StepFSM, phases ...Phase) {
	t.Helper()
	for _, p := range phases {
		require.NoError(t, fsm.Transition(context.Background(), p), "transition to %s", p)
	}
}

func TestStepFSM_HappyPath(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM("run-1", "login", app)
	assert.Equal(t, PhasePending, fsm.Current())

	walk(t, fsm, PhaseSkipCheck, PhaseDelay, PhaseTemplating, PhasePreScript,
		PhaseDispatch, PhasePostScript, PhaseExtraction, PhaseAssertion, PhasePassed)

	assert.Equal(t, PhasePassed, fsm.Current())
	assert.True(t, fsm.Current().Terminal())
	assert.Len(t, fsm.Trace(), 10)

	types := app.Types("login")
	assert.Equal(t, schema.EventStepStarted, types[0])
	assert.Equal(t, schema.EventStepCompleted, types[len(types)-1])

	var phases []string
	for _, e := range app.Events() {
		if e.Type != schema.EventStepPhase {
			continue
		}
		assert.Equal(t, "run-1", e.RunID)
		var p store.PhasePayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		phases = append(phases, p.To)
	}
	assert.Equal(t, []string{"skip_check", "delay", "templating", "pre_script", "dispatch",
		"post_script", "extraction", "assertion", "passed"}, phases)
}

func TestStepFSM_RetryLoopEmitsRetrying(t *testing.T) {
	app := &mockAppender{}
	fsm := NewStepFSM("run-1", "flaky", app)
	walk(t, fsm, PhaseSkipCheck, PhaseDelay, PhaseTemplating, PhasePreScript,
		PhaseDispatch, PhaseRetryWait, PhaseDispatch, PhaseRetryWait, PhaseDispatch, PhaseFailed)

	retrying := 0
	for _, typ := range app.Types("flaky") {
		if typ == schema.EventStepRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
	assert.Contains(t, app.Types("flaky"), schema.EventStepFailed)
}

func TestStepFSM_InvalidTransition(t *testing.T) {
	fsm := NewStepFSM("run-1", "s", nil)

	err := fsm.Transition(context.Background(), PhaseDispatch)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, PhasePending, fsm.Current())

	walk(t, fsm, PhaseSkipped)
	err = fsm.Transition(context.Background(), PhaseSkipCheck)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))
}

func TestStepFSM_TerminalPhasesHaveNoExits(t *testing.T) {
	for _, p := range []Phase{PhasePassed, PhaseFailed, PhaseSkipped, PhaseErrored} {
		assert.True(t, p.Terminal(), p)
	}
	for _, p := range []Phase{PhasePending, PhaseDispatch, PhaseRetryWait, PhaseAssertion} {
		assert.False(t, p.Terminal(), p)
	}
}

func TestStepFSM_BeforeHookAborts(t *testing.T) {
	fsm := NewStepFSM("run-1", "s", nil)
	walk(t, fsm, PhaseSkipCheck, PhaseDelay, PhaseTemplating, PhasePreScript)

	boom := errors.New("plugin says no")
	fsm.OnBefore(PhasePreScript, PhaseDispatch, func(context.Context, Phase, Phase) error {
		return boom
	})

	err := fsm.Transition(context.Background(), PhaseDispatch)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, PhasePreScript, fsm.Current())
	assert.False(t, fsm.Visited(PhaseDispatch))

	walk(t, fsm, PhaseErrored)
}

func TestStepFSM_AfterAndEnterHooks(t *testing.T) {
	fsm := NewStepFSM("run-1", "s", nil)
	var calls []string
	fsm.OnAfter(PhasePending, PhaseSkipCheck, func(_ context.Context, from, to Phase) error {
		calls = append(calls, "after:"+string(from)+">"+string(to))
		return nil
	})
	fsm.OnEnter(PhaseSkipped, func(_ context.Context, from, _ Phase) error {
		calls = append(calls, "enter:"+string(from))
		return nil
	})

	walk(t, fsm, PhaseSkipCheck, PhaseSkipped)
	assert.Equal(t, []string{"after:pending>skip_check", "enter:skip_check"}, calls)
}

func TestStepFSM_AppenderFailure(t *testing.T) {
	fsm := NewStepFSM("run-1", "s", &failAppender{})
	err := fsm.Transition(context.Background(), PhaseSkipCheck)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestValidPhaseTransitions_AllTargetsKnown(t *testing.T) {
	for from, targets := range ValidPhaseTransitions {
		for _, to := range targets {
			_, ok := ValidPhaseTransitions[to]
			assert.True(t, ok, "%s -> %s targets an unknown phase", from, to)
		}
	}
}
