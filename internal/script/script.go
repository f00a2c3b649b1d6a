// Package script runs pre-request, post-response and assert hooks.
package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/reqflow/pkg/schema"
)

// Phase identifies the lifecycle point a script runs at.
type Phase string

const (
	PhasePreRequest   Phase = "pre_request"
	PhasePostResponse Phase = "post_response"
	PhaseAssert       Phase = "assert"
)

// Request is the mutable view of the outgoing request.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Body    any               `json:"body"`
}

// Response is the read-only view of the received response.
type Response struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      any               `json:"body"` // parsed JSON or the raw string
	BodyRaw   string            `json:"body_raw"`
	LatencyMs int64             `json:"latency_ms"`
}

// Context is what a script sees. Vars is a copy of the variable store;
// the executor merges changed entries back after the script returns.
// Request is only written back in the pre-request phase.
type Context struct {
	Step     string
	Vars     map[string]any
	Request  *Request
	Response *Response
	Logs     []string
}

// Invoker evaluates a script body against a context.
type Invoker interface {
	Invoke(ctx context.Context, phase Phase, body schema.ScriptConfig, sc *Context) error
}

// AssertionError is raised by fail() or a failed assert_eq(), or when an
// assert-phase script returns false. It marks the step failed rather
// than errored.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return "script assertion failed: " + e.Message
}

// IsAssertion reports whether err is a script assertion failure.
func IsAssertion(err error) bool {
	var ae *AssertionError
	return errors.As(err, &ae)
}

func scriptError(phase Phase, step string, cause error) *schema.ReqflowError {
	return schema.NewErrorf(schema.ErrCodeScript, "%s script: %s", phase, cause.Error()).
		WithStep(step).
		WithCause(cause)
}

func describe(body schema.ScriptConfig) string {
	if body.File != "" {
		return body.File
	}
	return fmt.Sprintf("inline(%d bytes)", len(body.Code))
}
