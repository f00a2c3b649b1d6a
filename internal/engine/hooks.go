package engine

import (
	"context"
	"strings"

	"github.com/rendis/reqflow/internal/plugins"
	"github.com/rendis/reqflow/internal/transport"
)

// registerHooks binds plugin hooks to step transitions.
func (r *stepRun) registerHooks() {
	r.fsm.OnBefore(PhasePreScript, PhaseDispatch, r.preRequestHook)
	r.fsm.OnBefore(PhaseDispatch, PhasePostScript, r.postResponseHook)
	r.fsm.OnBefore(PhaseAssertion, PhasePassed, r.onAssertHook)
	r.fsm.OnBefore(PhaseAssertion, PhaseFailed, r.onAssertHook)
	r.fsm.OnEnter(PhaseErrored, r.onErrorHook)
	r.fsm.OnEnter(PhaseFailed, r.onErrorHook)
}

func (r *stepRun) payload(hook plugins.Hook) *plugins.Payload {
	p := &plugins.Payload{
		Hook:    hook,
		Step:    r.step.Name,
		Attempt: r.result.Attempts,
	}
	if r.in.Workflow != nil {
		p.Workflow = r.in.Workflow.Name
	}
	if r.req != nil {
		p.Request = &plugins.RequestData{
			Method:  r.req.Method,
			URL:     r.req.URL,
			Headers: copyStrings(r.req.Headers),
			Query:   copyStrings(r.req.Query),
			Body:    r.req.Body,
		}
	}
	if r.resp != nil {
		p.Response = &plugins.ResponseData{
			Status:    r.resp.Status,
			Headers:   copyStrings(r.resp.Headers),
			Body:      string(r.resp.Body),
			LatencyMs: r.resp.LatencyMs(),
		}
	}
	return p
}

// preRequestHook lets plugins rewrite the request before dispatch.
func (r *stepRun) preRequestHook(ctx context.Context, _, _ Phase) error {
	reply, err := r.deps.Hooks.Invoke(ctx, plugins.HookPreRequest, r.payload(plugins.HookPreRequest))
	if err != nil {
		return err
	}
	if reply != nil && reply.Request != nil {
		req := reply.Request
		r.req.Method = strings.ToUpper(req.Method)
		r.req.URL = req.URL
		r.req.Headers = req.Headers
		r.req.Query = req.Query
		r.req.Body = req.Body
	}
	return nil
}

// postResponseHook lets plugins rewrite the response before scripts,
// extraction and assertions see it.
func (r *stepRun) postResponseHook(ctx context.Context, _, _ Phase) error {
	reply, err := r.deps.Hooks.Invoke(ctx, plugins.HookPostResponse, r.payload(plugins.HookPostResponse))
	if err != nil {
		return err
	}
	if reply == nil || reply.Response == nil {
		return nil
	}
	data := reply.Response
	if data.Status == r.resp.Status && data.Body == string(r.resp.Body) && equalStrings(data.Headers, r.resp.Headers) {
		return nil
	}
	r.resp = &transport.Response{
		Status:  data.Status,
		Headers: data.Headers,
		Body:    []byte(data.Body),
		Latency: r.resp.Latency,
	}
	r.result.StatusCode = data.Status
	return nil
}

func (r *stepRun) onAssertHook(ctx context.Context, _, _ Phase) error {
	p := r.payload(plugins.HookOnAssert)
	p.Assertions = r.result.Assertions
	_, err := r.deps.Hooks.Invoke(ctx, plugins.HookOnAssert, p)
	return err
}

// onErrorHook is informational: its failures are logged, never raised.
func (r *stepRun) onErrorHook(ctx context.Context, _, _ Phase) error {
	p := r.payload(plugins.HookOnError)
	p.Assertions = r.result.FailedAssertions()
	if r.result.Error != nil {
		p.Error = r.result.Error.Error()
	}
	if _, err := r.deps.Hooks.Invoke(ctx, plugins.HookOnError, p); err != nil {
		r.logger.Warn("on_error hook failed", "error", err)
	}
	return nil
}

func equalStrings(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
