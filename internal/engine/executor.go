package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rendis/reqflow/internal/assert"
	"github.com/rendis/reqflow/internal/expressions"
	"github.com/rendis/reqflow/internal/extract"
	"github.com/rendis/reqflow/internal/logging"
	"github.com/rendis/reqflow/internal/plugins"
	"github.com/rendis/reqflow/internal/script"
	"github.com/rendis/reqflow/internal/store"
	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/internal/validation"
	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

// ExecutorDeps wires the collaborators of a StepExecutor. Only Transport
// is required.
type ExecutorDeps struct {
	Transport  transport.Transport
	Resolver   *expressions.Resolver
	Extractor  *extract.Extractor
	Assertions *assert.Engine
	Scripts    script.Invoker
	Hooks      plugins.HookInvoker
	Events     EventAppender
	Logger     *slog.Logger
}

// StepExecutor drives a single step through its lifecycle.
type StepExecutor struct {
	deps ExecutorDeps
}

// NewStepExecutor fills in defaults for the optional collaborators.
func NewStepExecutor(deps ExecutorDeps) (*StepExecutor, error) {
	if deps.Transport == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "step executor requires a transport")
	}
	if deps.Resolver == nil {
		deps.Resolver = expressions.NewResolver(nil)
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New()
	}
	if deps.Assertions == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		schemas, err := validation.NewJSONSchemaValidator()
		if err != nil {
			return nil, err
		}
		deps.Assertions = assert.NewEngine(deps.Extractor, cel, schemas)
	}
	if deps.Hooks == nil {
		deps.Hooks = plugins.Nop{}
	}
	if deps.Events == nil {
		deps.Events = nopAppender{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &StepExecutor{deps: deps}, nil
}

// StepInput is one step execution request.
type StepInput struct {
	RunID    string
	Workflow *schema.WorkflowDefinition
	Step     *schema.StepDefinition
	Vars     *variables.Store
}

// Execute runs the step and returns its result. Per-step errors never
// escape; they are recorded on the result.
func (e *StepExecutor) Execute(ctx context.Context, in StepInput) schema.StepResult {
	ctx = logging.WithStep(ctx, in.Step.Name)
	run := &stepRun{
		deps:   e.deps,
		in:     in,
		step:   in.Step,
		policy: PolicyFor(in.Step),
		logger: logging.LogWith(ctx, e.deps.Logger),
		result: schema.StepResult{Name: in.Step.Name, StartedAt: time.Now()},
	}
	run.fsm = NewStepFSM(in.RunID, in.Step.Name, e.deps.Events)
	run.registerHooks()

	run.execute(ctx)

	run.result.DurationMs = time.Since(run.result.StartedAt).Milliseconds()
	return run.result
}

// stepRun holds the mutable state of one step execution.
type stepRun struct {
	deps   ExecutorDeps
	in     StepInput
	step   *schema.StepDefinition
	policy RetryPolicy
	logger *slog.Logger
	fsm    *StepFSM

	req    *transport.Request
	resp   *transport.Response
	result schema.StepResult
}

func (r *stepRun) execute(ctx context.Context) {
	if !r.advance(ctx, PhaseSkipCheck) {
		return
	}
	if r.step.SkipIf != "" {
		skip, err := r.deps.Resolver.EvalCondition(ctx, r.step.SkipIf, r.in.Vars)
		if err != nil {
			r.errored(ctx, err)
			return
		}
		if skip {
			r.logger.Info("step skipped by condition", "skip_if", r.step.SkipIf)
			r.finish(ctx, PhaseSkipped, schema.StepStatusSkipped, schema.SkipReasonCondition, nil)
			return
		}
	}

	if !r.advance(ctx, PhaseDelay) {
		return
	}
	if d := r.step.Delay.Std(); d > 0 {
		if err := WaitForBackoff(ctx, d); err != nil {
			r.cancelled(ctx)
			return
		}
	}

	if !r.advance(ctx, PhaseTemplating) {
		return
	}
	req, err := r.buildRequest(ctx)
	if err != nil {
		r.errored(ctx, err)
		return
	}
	r.req = req

	if !r.advance(ctx, PhasePreScript) {
		return
	}
	if r.step.PreScript != nil {
		if err := r.runScript(ctx, script.PhasePreRequest, *r.step.PreScript); err != nil {
			r.errored(ctx, err)
			return
		}
	}

	if !r.dispatch(ctx) {
		return
	}

	if !r.advance(ctx, PhasePostScript) {
		return
	}
	if r.step.PostScript != nil {
		if err := r.runScript(ctx, script.PhasePostResponse, *r.step.PostScript); err != nil {
			r.errored(ctx, err)
			return
		}
	}

	if !r.advance(ctx, PhaseExtraction) {
		return
	}
	if err := r.extract(ctx); err != nil {
		r.errored(ctx, err)
		return
	}

	if !r.advance(ctx, PhaseAssertion) {
		return
	}
	r.assert(ctx)
}

// dispatch sends the request, retrying transport failures per the step
// policy. It returns true once a response has been received.
func (r *stepRun) dispatch(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		if !r.advance(ctx, PhaseDispatch) {
			return false
		}
		r.result.Attempts = attempt

		resp, err := r.send(logging.WithAttempt(ctx, attempt))
		if err == nil {
			r.resp = resp
			r.result.StatusCode = resp.Status
			r.result.LatencyMs = resp.LatencyMs()
			r.logger.Debug("response received", "attempt", attempt, "status", resp.Status, "latency_ms", resp.LatencyMs())
			return true
		}
		if ctx.Err() != nil {
			r.cancelled(ctx)
			return false
		}

		if r.policy.ShouldRetry(err, attempt) {
			r.logger.Warn("dispatch failed, retrying",
				"attempt", attempt, "max_attempts", r.policy.MaxAttempts(), "error", err)
			if !r.advance(ctx, PhaseRetryWait) {
				return false
			}
			if werr := WaitForBackoff(ctx, r.policy.Delay); werr != nil {
				r.cancelled(ctx)
				return false
			}
			continue
		}

		r.logger.Warn("dispatch failed", "attempt", attempt, "error", err)
		r.finish(ctx, PhaseFailed, schema.StepStatusFailed, "", r.transportError(err, attempt))
		return false
	}
}

func (r *stepRun) send(ctx context.Context) (*transport.Response, error) {
	if r.req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.req.Timeout)
		defer cancel()
	}
	resp, err := r.deps.Transport.Dispatch(ctx, r.req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, transport.NewError(transport.KindProtocol, "transport returned no response", nil)
	}
	return resp, nil
}

func (r *stepRun) transportError(err error, attempts int) *schema.ReqflowError {
	var re *schema.ReqflowError
	if errors.As(err, &re) {
		return re.WithStep(r.step.Name)
	}
	details := map[string]any{"attempts": attempts}
	var te *transport.Error
	if errors.As(err, &te) {
		details["kind"] = string(te.Kind)
	}
	return schema.NewErrorf(schema.ErrCodeTransport, "%s", err.Error()).
		WithStep(r.step.Name).
		WithCause(err).
		WithDetails(details)
}

func (r *stepRun) extract(ctx context.Context) error {
	if len(r.step.Extract) == 0 {
		return nil
	}
	vals, err := r.deps.Extractor.Extract(ctx, r.resp, r.step.Extract)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		r.in.Vars.Set(name, vals[name])
		r.variableSet(ctx, name, "extract")
	}
	r.result.Extracted = names
	return nil
}

func (r *stepRun) assert(ctx context.Context) {
	spec, err := r.resolveAssertSpec(ctx)
	if err != nil {
		r.errored(ctx, err)
		return
	}
	outcome := r.deps.Assertions.Evaluate(ctx, r.resp, spec, r.in.Vars.Snapshot())
	r.result.Assertions = outcome.Results
	passed := outcome.Passed

	if r.step.ScriptAssert != nil {
		res := schema.AssertionResult{Rule: "script_assert", Passed: true}
		if err := r.runScript(ctx, script.PhaseAssert, *r.step.ScriptAssert); err != nil {
			if !script.IsAssertion(err) {
				r.errored(ctx, err)
				return
			}
			res.Passed = false
			res.Message = err.Error()
			passed = false
		}
		r.result.Assertions = append(r.result.Assertions, res)
	}

	if passed {
		r.finish(ctx, PhasePassed, schema.StepStatusPassed, "", nil)
		return
	}
	r.logger.Info("assertions failed", "failed", len(r.result.FailedAssertions()))
	r.finish(ctx, PhaseFailed, schema.StepStatusFailed, "", nil)
}

// resolveAssertSpec templates the expected values of an assertion spec.
// Paths and selectors are left alone.
func (r *stepRun) resolveAssertSpec(ctx context.Context) (*schema.AssertSpec, error) {
	spec := r.step.Assert
	if spec.Empty() {
		return spec, nil
	}
	out := *spec
	var err error
	str := func(s string) string {
		if err != nil || !strings.Contains(s, "{{") {
			return s
		}
		var resolved string
		resolved, err = r.deps.Resolver.Resolve(ctx, s, r.in.Vars)
		return resolved
	}

	out.Status = schema.Scalar(str(string(spec.Status)))
	out.Latency = schema.Scalar(str(string(spec.Latency)))

	out.Headers = make(schema.HeaderRules, len(spec.Headers))
	for i, h := range spec.Headers {
		h.Equals = str(h.Equals)
		h.Contains = str(h.Contains)
		h.Matches = str(h.Matches)
		out.Headers[i] = h
	}

	out.Body = make(schema.BodyRules, len(spec.Body))
	for i, b := range spec.Body {
		if err == nil {
			b.Equals, err = r.resolveExpected(ctx, b.Equals)
		}
		if err == nil {
			b.Contains, err = r.resolveExpected(ctx, b.Contains)
		}
		b.Matches = str(b.Matches)
		out.Body[i] = b
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// resolveExpected resolves only the string leaves that carry a {{ }}
// reference, so literal expectations containing braces stay intact.
func (r *stepRun) resolveExpected(ctx context.Context, v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return r.deps.Resolver.ResolveValue(ctx, val, r.in.Vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveExpected(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveExpected(ctx, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}

// advance moves the FSM to a non-terminal phase. On failure the step is
// closed out and false is returned.
func (r *stepRun) advance(ctx context.Context, to Phase) bool {
	if ctx.Err() != nil {
		r.cancelled(ctx)
		return false
	}
	if err := r.fsm.Transition(ctx, to); err != nil {
		r.errored(ctx, err)
		return false
	}
	return true
}

func (r *stepRun) errored(ctx context.Context, err error) {
	r.logger.Warn("step errored", "phase", string(r.fsm.Current()), "error", err)
	r.finish(ctx, PhaseErrored, schema.StepStatusErrored, "", err)
}

func (r *stepRun) cancelled(ctx context.Context) {
	r.finish(ctx, PhaseSkipped, schema.StepStatusSkipped, schema.SkipReasonCancelled,
		schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
}

// finish records the outcome and moves the FSM to a terminal phase. The
// transition is detached from cancellation so its events are still
// recorded. A before-hook vetoing passed or failed turns the step errored.
func (r *stepRun) finish(ctx context.Context, to Phase, status schema.StepStatus, reason schema.SkipReason, err error) {
	if r.fsm.Current().Terminal() {
		return
	}
	r.result.Status = status
	r.result.Reason = reason
	r.result.Error = nil
	if err != nil {
		r.result.Error = asStepError(err, r.step.Name)
	}

	terr := r.fsm.Transition(context.WithoutCancel(ctx), to)
	if terr == nil {
		return
	}
	if cur := r.fsm.Current(); !cur.Terminal() && to != PhaseErrored {
		r.errored(ctx, terr)
		return
	}
	r.logger.Warn("step transition failed", "to", string(to), "error", terr)
}

func asStepError(err error, step string) *schema.ReqflowError {
	var re *schema.ReqflowError
	if errors.As(err, &re) {
		if re.Step == "" {
			re.Step = step
		}
		return re
	}
	if script.IsAssertion(err) {
		return schema.NewError(schema.ErrCodeScript, err.Error()).WithStep(step).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithStep(step).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(step).WithCause(err)
}

// runScript invokes a script hook and merges its variable writes into the
// extracted layer. The request is only written back before dispatch.
func (r *stepRun) runScript(ctx context.Context, phase script.Phase, body schema.ScriptConfig) error {
	if r.deps.Scripts == nil {
		return schema.NewErrorf(schema.ErrCodeScript, "%s script configured but no script runtime is available", phase).
			WithStep(r.step.Name)
	}

	before := r.in.Vars.Snapshot()
	sc := &script.Context{
		Step:     r.step.Name,
		Vars:     r.in.Vars.Snapshot(),
		Request:  r.scriptRequest(),
		Response: r.scriptResponse(),
	}
	if err := r.deps.Scripts.Invoke(ctx, phase, body, sc); err != nil {
		return err
	}

	r.mergeVars(ctx, before, sc.Vars)
	if phase == script.PhasePreRequest && sc.Request != nil && r.req != nil {
		r.req.Method = strings.ToUpper(sc.Request.Method)
		r.req.URL = sc.Request.URL
		r.req.Headers = sc.Request.Headers
		r.req.Query = sc.Request.Query
		r.req.Body = sc.Request.Body
	}
	return nil
}

func (r *stepRun) mergeVars(ctx context.Context, before, after map[string]any) {
	names := make([]string, 0, len(after))
	for name := range after {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := variables.Normalize(after[name])
		if old, ok := before[name]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		r.in.Vars.Set(name, v)
		r.variableSet(ctx, name, "script")
	}
}

func (r *stepRun) variableSet(ctx context.Context, name, source string) {
	payload, _ := json.Marshal(map[string]string{"name": name, "source": source})
	ev := &store.Event{RunID: r.in.RunID, Step: r.step.Name, Type: schema.EventVariableSet, Payload: payload}
	if err := r.deps.Events.AppendEvent(ctx, ev); err != nil {
		r.logger.Warn("record variable event failed", "variable", name, "error", err)
	}
}

func (r *stepRun) scriptRequest() *script.Request {
	if r.req == nil {
		return nil
	}
	return &script.Request{
		Method:  r.req.Method,
		URL:     r.req.URL,
		Headers: copyStrings(r.req.Headers),
		Query:   copyStrings(r.req.Query),
		Body:    r.req.Body,
	}
}

func (r *stepRun) scriptResponse() *script.Response {
	if r.resp == nil {
		return nil
	}
	out := &script.Response{
		Status:    r.resp.Status,
		Headers:   copyStrings(r.resp.Headers),
		BodyRaw:   string(r.resp.Body),
		LatencyMs: r.resp.LatencyMs(),
	}
	if parsed, err := r.resp.JSON(); err == nil {
		out.Body = parsed
	} else {
		out.Body = out.BodyRaw
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
