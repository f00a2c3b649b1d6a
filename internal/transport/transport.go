// Package transport turns resolved step requests into responses. The
// runner only sees the Transport interface; the bundled implementations
// cover HTTP, GraphQL over HTTP and WebSocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rendis/reqflow/pkg/schema"
)

// Transport dispatches one resolved request.
type Transport interface {
	Dispatch(ctx context.Context, req *Request) (*Response, error)
}

// Request is a fully templated step request.
type Request struct {
	Step      string
	Protocol  string
	Method    string
	URL       string
	Query     map[string]string
	Headers   map[string]string
	Body      any
	Form      map[string]string
	Timeout   time.Duration
	GraphQL   *schema.GraphQLConfig
	WebSocket *schema.WebSocketConfig
	GRPC      map[string]any
}

// Response is what a transport hands back to the executor.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
	Latency time.Duration

	parseOnce sync.Once
	parsed    any
	parseErr  error
}

// Header returns a header value, matching the name case-insensitively.
func (r *Response) Header(name string) (string, bool) {
	if v, ok := r.Headers[name]; ok {
		return v, true
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// LatencyMs returns the latency in whole milliseconds.
func (r *Response) LatencyMs() int64 {
	return r.Latency.Milliseconds()
}

// JSON parses the body once and caches the result. Numbers decode as
// float64 like encoding/json does.
func (r *Response) JSON() (any, error) {
	r.parseOnce.Do(func() {
		if len(strings.TrimSpace(string(r.Body))) == 0 {
			r.parseErr = errors.New("empty body")
			return
		}
		r.parseErr = json.Unmarshal(r.Body, &r.parsed)
	})
	return r.parsed, r.parseErr
}

// LowerHeaders returns the headers keyed by lower-case name.
func (r *Response) LowerHeaders() map[string]string {
	out := make(map[string]string, len(r.Headers))
	for k, v := range r.Headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

// ErrorKind classifies transport failures. Retryable decides which kinds
// are retried.
type ErrorKind string

const (
	KindConnectionFailed ErrorKind = "connection_failed"
	KindTimeout          ErrorKind = "timeout"
	KindProtocol         ErrorKind = "protocol_error"
	// KindUnsupported means no transport is registered for the protocol.
	KindUnsupported ErrorKind = "unsupported_protocol"
)

// Error is a transport-level failure: no usable response was received.
type Error struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: cause}
}

// Retryable reports whether err is a transport failure eligible for the
// step retry policy.
func Retryable(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Kind {
	case KindConnectionFailed, KindTimeout, KindProtocol:
		return true
	}
	return false
}

// Classify maps a client error to a transport Error. Errors that are
// already classified pass through.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	detail := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return NewError(KindTimeout, detail, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewError(KindTimeout, detail, err)
	}

	var dnsErr *net.DNSError
	var opErr *net.OpError
	var urlErr *url.Error
	switch {
	case errors.As(err, &dnsErr):
		return NewError(KindConnectionFailed, detail, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return NewError(KindConnectionFailed, detail, err)
	case errors.As(err, &opErr) && opErr.Op == "dial":
		return NewError(KindConnectionFailed, detail, err)
	case errors.As(err, &urlErr):
		return NewError(KindProtocol, detail, err)
	}
	return NewError(KindProtocol, detail, err)
}
