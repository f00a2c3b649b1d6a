package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rendis/reqflow/internal/variables"
)

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	MaxRedirects    int // 0 → default, negative → do not follow
	UserAgent       string
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxRedirects    = 10
	defaultUserAgent       = "reqflow"
)

// HTTPTransport sends plain HTTP requests.
type HTTPTransport struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPTransport creates an HTTP transport with its own cloned
// http.Transport so callers never share connection state with
// http.DefaultClient.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.MaxRedirects == 0 {
		cfg.MaxRedirects = defaultMaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}

	client := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	if cfg.MaxRedirects < 0 {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else {
		limit := cfg.MaxRedirects
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return &HTTPTransport{config: cfg, client: client}
}

// Config returns the effective configuration.
func (t *HTTPTransport) Config() HTTPConfig { return t.config }

// Dispatch sends req and reads the full response body up to the
// configured limit. Any status code is a successful dispatch.
func (t *HTTPTransport) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	target, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, NewError(KindProtocol, err.Error(), err)
	}

	var body io.Reader
	var contentType string
	if req.Body == nil && req.Form != nil {
		body, contentType = encodeForm(req.Form, req.Headers)
	} else {
		body, contentType, err = encodeBody(req.Body, req.Headers)
	}
	if err != nil {
		return nil, NewError(KindProtocol, "encode body: "+err.Error(), err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.config.DefaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, NewError(KindProtocol, "build request: "+err.Error(), err)
	}
	httpReq.Header.Set("User-Agent", t.config.UserAgent)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if host, ok := headerValue(req.Headers, "Host"); ok {
		httpReq.Host = host
	}

	start := time.Now()
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyDo(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.config.MaxResponseBody))
	latency := time.Since(start)
	if err != nil {
		return nil, classifyDo(ctx, err)
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    data,
		Latency: latency,
	}, nil
}

// classifyDo keeps caller cancellation distinguishable from a request
// timeout: a cancelled parent context is not a transport failure.
func classifyDo(parent context.Context, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	return Classify(err)
}

func buildURL(raw string, query map[string]string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if len(query) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Set(k, query[k])
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// encodeBody picks the wire encoding: strings are sent verbatim, maps
// become a form when the caller asked for form encoding, anything else is
// JSON.
func encodeBody(body any, headers map[string]string) (io.Reader, string, error) {
	if body == nil {
		return nil, "", nil
	}
	declared, _ := headerValue(headers, "Content-Type")

	switch v := body.(type) {
	case string:
		ct := ""
		if declared == "" {
			ct = "text/plain; charset=utf-8"
			if json.Valid([]byte(v)) {
				ct = "application/json"
			}
		}
		return strings.NewReader(v), ct, nil
	case []byte:
		return bytes.NewReader(v), "", nil
	case map[string]any:
		if strings.HasPrefix(declared, "application/x-www-form-urlencoded") {
			vals := url.Values{}
			for k, item := range v {
				vals.Set(k, variables.Stringify(item))
			}
			return strings.NewReader(vals.Encode()), "", nil
		}
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	ct := ""
	if declared == "" {
		ct = "application/json"
	}
	return bytes.NewReader(b), ct, nil
}

func encodeForm(form map[string]string, headers map[string]string) (io.Reader, string) {
	vals := url.Values{}
	for k, v := range form {
		vals.Set(k, v)
	}
	ct := ""
	if _, ok := headerValue(headers, "Content-Type"); !ok {
		ct = "application/x-www-form-urlencoded"
	}
	return strings.NewReader(vals.Encode()), ct
}

func headerValue(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		out[k] = strings.Join(vals, ", ")
	}
	return out
}

var _ Transport = (*HTTPTransport)(nil)
