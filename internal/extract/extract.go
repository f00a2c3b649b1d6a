// Package extract pulls values out of step responses into variables.
package extract

import (
	"context"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/rendis/reqflow/internal/expressions"
	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

// Selector prefixes.
const (
	selBody     = "body"
	selBodyRaw  = "body_raw"
	selHeader   = "header."
	selHeaders  = "headers"
	selStatus   = "status"
	selLatency  = "latency"
	selJQ       = "jq:"
	selGJSON    = "gjson:"
	selResponse = "response."
)

// Extractor evaluates extraction selectors against a response.
type Extractor struct {
	jq *expressions.GoJQEngine
}

// New creates an Extractor with its own jq code cache.
func New() *Extractor {
	return &Extractor{jq: expressions.NewGoJQEngine()}
}

// NewWithJQ creates an Extractor sharing an existing jq engine.
func NewWithJQ(jq *expressions.GoJQEngine) *Extractor {
	return &Extractor{jq: jq}
}

// Extract evaluates every rule. Missing paths produce nil values. A rule
// that needs a JSON body the response does not have fails the whole
// extraction, and nothing is returned.
func (e *Extractor) Extract(ctx context.Context, resp *transport.Response, rules map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(rules))
	if len(rules) == 0 {
		return out, nil
	}

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, _, err := e.Select(ctx, resp, rules[name])
		if err != nil {
			if re, ok := err.(*schema.ReqflowError); ok && re.Details == nil {
				re.WithDetails(map[string]any{"variable": name, "selector": rules[name]})
			}
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// Select evaluates one selector. found is false when a path did not
// resolve; the value is then nil.
func (e *Extractor) Select(ctx context.Context, resp *transport.Response, selector string) (any, bool, error) {
	sel := strings.TrimSpace(selector)
	sel = strings.TrimPrefix(sel, selResponse)

	switch {
	case sel == selStatus:
		return resp.Status, true, nil
	case sel == selLatency:
		return int(resp.LatencyMs()), true, nil
	case sel == selBodyRaw:
		return string(resp.Body), true, nil
	case sel == selHeaders:
		h := make(map[string]any, len(resp.Headers))
		for k, v := range resp.Headers {
			h[k] = v
		}
		return h, true, nil
	case strings.HasPrefix(sel, selHeader):
		v, ok := resp.Header(strings.TrimPrefix(sel, selHeader))
		if !ok {
			return nil, false, nil
		}
		return v, true, nil
	case strings.HasPrefix(sel, selGJSON):
		return e.gjson(resp, strings.TrimPrefix(sel, selGJSON))
	case strings.HasPrefix(sel, selJQ):
		return e.query(ctx, resp, strings.TrimSpace(strings.TrimPrefix(sel, selJQ)))
	case strings.HasPrefix(sel, "."):
		return e.query(ctx, resp, sel)
	case sel == selBody:
		body, err := parseBody(resp, sel)
		if err != nil {
			return nil, false, err
		}
		return variables.Normalize(body), true, nil
	case strings.HasPrefix(sel, selBody+"."), strings.HasPrefix(sel, selBody+"["):
		return e.BodyPath(ctx, resp, strings.TrimPrefix(sel, selBody))
	}

	// Anything else is a path relative to the body.
	return e.BodyPath(ctx, resp, sel)
}

// BodyPath resolves a dot/bracket path, or a jq query when it carries the
// jq: prefix, against the parsed JSON body.
func (e *Extractor) BodyPath(ctx context.Context, resp *transport.Response, path string) (any, bool, error) {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, selJQ) {
		return e.query(ctx, resp, strings.TrimSpace(strings.TrimPrefix(path, selJQ)))
	}
	body, err := parseBody(resp, path)
	if err != nil {
		return nil, false, err
	}
	v, found, err := variables.Walk(body, strings.TrimPrefix(path, "."))
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeExtraction, "invalid path %q", path).WithCause(err)
	}
	if !found {
		return nil, false, nil
	}
	return variables.Normalize(v), true, nil
}

func (e *Extractor) query(ctx context.Context, resp *transport.Response, q string) (any, bool, error) {
	body, err := parseBody(resp, q)
	if err != nil {
		return nil, false, err
	}
	results, err := e.jq.Query(ctx, q, body)
	if err != nil {
		return nil, false, err
	}
	if len(results) == 0 || results[0] == nil {
		return nil, false, nil
	}
	return variables.Normalize(results[0]), true, nil
}

func (e *Extractor) gjson(resp *transport.Response, path string) (any, bool, error) {
	if !gjson.ValidBytes(resp.Body) {
		return nil, false, invalidJSON(path, nil)
	}
	res := gjson.GetBytes(resp.Body, path)
	if !res.Exists() {
		return nil, false, nil
	}
	return variables.Normalize(res.Value()), true, nil
}

func parseBody(resp *transport.Response, path string) (any, error) {
	body, err := resp.JSON()
	if err != nil {
		return nil, invalidJSON(path, err)
	}
	return body, nil
}

func invalidJSON(path string, cause error) *schema.ReqflowError {
	e := schema.NewErrorf(schema.ErrCodeExtraction, "response body is not valid JSON (path %q)", path)
	if cause != nil {
		e.WithCause(cause)
	}
	return e
}
