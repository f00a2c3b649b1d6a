package plugins

import (
	"context"
	"time"

	"github.com/rendis/reqflow/pkg/schema"
)

// Hook names a lifecycle point plugins can intercept.
type Hook string

const (
	HookPreRequest   Hook = "pre_request"
	HookPostResponse Hook = "post_response"
	HookOnError      Hook = "on_error"
	HookOnAssert     Hook = "on_assert"
)

// AllHooks lists every supported hook.
var AllHooks = []Hook{HookPreRequest, HookPostResponse, HookOnError, HookOnAssert}

// ParseHook maps a hook name to a Hook.
func ParseHook(s string) (Hook, bool) {
	for _, h := range AllHooks {
		if string(h) == s {
			return h, true
		}
	}
	return "", false
}

// RequestData is the request as plugins see it.
type RequestData struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// ResponseData is the response as plugins see it. Body is the raw text.
type ResponseData struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	LatencyMs int64             `json:"latency_ms"`
}

// Payload travels through the plugin chain for one hook. A plugin replies
// with the (possibly modified) payload; setting Abort vetoes the step.
type Payload struct {
	Hook       Hook                     `json:"hook"`
	Workflow   string                   `json:"workflow"`
	Step       string                   `json:"step"`
	Attempt    int                      `json:"attempt,omitempty"`
	Request    *RequestData             `json:"request,omitempty"`
	Response   *ResponseData            `json:"response,omitempty"`
	Assertions []schema.AssertionResult `json:"assertions,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Abort      bool                     `json:"abort,omitempty"`
	Data       map[string]any           `json:"data,omitempty"`
}

// HookInvoker runs the plugins registered for a hook.
type HookInvoker interface {
	Invoke(ctx context.Context, hook Hook, payload *Payload) (*Payload, error)
}

// Nop is a HookInvoker with no plugins.
type Nop struct{}

func (Nop) Invoke(_ context.Context, _ Hook, payload *Payload) (*Payload, error) {
	return payload, nil
}

// DefaultTimeout bounds a single plugin invocation.
const DefaultTimeout = 10 * time.Second
