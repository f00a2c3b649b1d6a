// Package assert evaluates declarative assertion rules against a step
// response. Every rule is evaluated; nothing short-circuits.
package assert

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rendis/reqflow/internal/expressions"
	"github.com/rendis/reqflow/internal/extract"
	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/internal/validation"
	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

// Outcome is the verdict of one AssertSpec.
type Outcome struct {
	Passed  bool
	Results []schema.AssertionResult
}

// Failures returns the failing results.
func (o Outcome) Failures() []schema.AssertionResult {
	var out []schema.AssertionResult
	for _, r := range o.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// Engine evaluates assertion specs.
type Engine struct {
	extractor *extract.Extractor
	cel       *expressions.CELEngine
	schemas   *validation.JSONSchemaValidator

	mu      sync.Mutex
	regexps map[string]*regexp.Regexp
}

// NewEngine wires the engine. cel and schemas may be nil, in which case
// expression and schema rules fail with an explanatory message.
func NewEngine(ex *extract.Extractor, cel *expressions.CELEngine, schemas *validation.JSONSchemaValidator) *Engine {
	if ex == nil {
		ex = extract.New()
	}
	return &Engine{
		extractor: ex,
		cel:       cel,
		schemas:   schemas,
		regexps:   make(map[string]*regexp.Regexp),
	}
}

// Evaluate runs every rule of spec against resp. vars is exposed to
// expression rules.
func (e *Engine) Evaluate(ctx context.Context, resp *transport.Response, spec *schema.AssertSpec, vars map[string]any) Outcome {
	out := Outcome{Passed: true}
	if spec.Empty() {
		return out
	}
	add := func(r schema.AssertionResult) {
		out.Results = append(out.Results, r)
		if !r.Passed {
			out.Passed = false
		}
	}

	if spec.Status != "" {
		add(checkStatus(resp, string(spec.Status)))
	}
	if spec.Latency != "" {
		add(checkLatency(resp, string(spec.Latency)))
	}
	for _, h := range spec.Headers {
		add(e.checkHeader(resp, h))
	}
	for _, b := range spec.Body {
		add(e.checkBody(ctx, resp, b))
	}
	if spec.Schema != nil {
		add(e.checkSchema(resp, spec.Schema))
	}
	for _, expr := range spec.Expressions {
		add(e.checkExpression(ctx, resp, expr, vars))
	}
	return out
}

func checkStatus(resp *transport.Response, rule string) schema.AssertionResult {
	res := schema.AssertionResult{Rule: "status", Expected: rule, Actual: resp.Status}
	r, err := schema.ParseStatusRule(rule)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Passed = r.Contains(resp.Status)
	if !res.Passed {
		res.Message = fmt.Sprintf("expected status %s, got %d", r, resp.Status)
	}
	return res
}

func checkLatency(resp *transport.Response, rule string) schema.AssertionResult {
	res := schema.AssertionResult{Rule: "latency", Expected: rule, Actual: resp.LatencyMs()}
	bound, err := schema.ParseLatencyBound(rule)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Expected = bound.Milliseconds()
	res.Passed = resp.Latency <= bound
	if !res.Passed {
		res.Message = fmt.Sprintf("latency %dms exceeds %dms", resp.LatencyMs(), bound.Milliseconds())
	}
	return res
}

func (e *Engine) checkHeader(resp *transport.Response, h schema.HeaderRule) schema.AssertionResult {
	actual, found := resp.Header(h.Name)
	res := schema.AssertionResult{Rule: "header " + h.Name}
	if found {
		res.Actual = actual
	}

	switch {
	case h.Equals != "":
		res.Rule += " equals"
		res.Expected = h.Equals
		res.Passed = found && actual == h.Equals
	case h.Contains != "":
		res.Rule += " contains"
		res.Expected = h.Contains
		res.Passed = found && strings.Contains(actual, h.Contains)
	case h.Matches != "":
		res.Rule += " matches"
		res.Expected = h.Matches
		re, err := e.regexp(h.Matches)
		if err != nil {
			res.Message = err.Error()
			return res
		}
		res.Passed = found && re.MatchString(actual)
	default:
		want := h.Exists == nil || *h.Exists
		res.Rule += " exists"
		res.Expected = want
		res.Passed = found == want
		if !res.Passed {
			if want {
				res.Message = fmt.Sprintf("header %s not found", h.Name)
			} else {
				res.Message = fmt.Sprintf("header %s should be absent", h.Name)
			}
		}
		return res
	}

	if !res.Passed {
		if !found {
			res.Message = fmt.Sprintf("header %s not found", h.Name)
		} else {
			res.Message = fmt.Sprintf("header %s: %q does not satisfy %s", h.Name, actual, strings.TrimPrefix(res.Rule, "header "+h.Name+" "))
		}
	}
	return res
}

func (e *Engine) checkSchema(resp *transport.Response, schemaDoc any) schema.AssertionResult {
	res := schema.AssertionResult{Rule: "schema"}
	if e.schemas == nil {
		res.Message = "schema validation is not available"
		return res
	}
	body, err := resp.JSON()
	if err != nil {
		res.Message = "response body is not valid JSON"
		return res
	}
	if err := e.schemas.ValidateValue(body, schemaDoc); err != nil {
		if v := validation.Violations(err); len(v) > 0 {
			res.Actual = v
		}
		res.Message = err.Error()
		return res
	}
	res.Passed = true
	return res
}

func (e *Engine) checkExpression(ctx context.Context, resp *transport.Response, expr string, vars map[string]any) schema.AssertionResult {
	res := schema.AssertionResult{Rule: "expression " + expr, Expected: true}
	if e.cel == nil {
		res.Message = "expression evaluation is not available"
		return res
	}

	var body any = string(resp.Body)
	if parsed, err := resp.JSON(); err == nil {
		body = variables.Normalize(parsed)
	}
	if vars == nil {
		vars = map[string]any{}
	}
	v, err := e.cel.Evaluate(ctx, expr, map[string]any{
		"status":  resp.Status,
		"latency": resp.LatencyMs(),
		"headers": resp.LowerHeaders(),
		"body":    body,
		"vars":    vars,
	})
	if err != nil {
		res.Message = err.Error()
		return res
	}
	res.Actual = v
	b, ok := v.(bool)
	if !ok {
		res.Message = fmt.Sprintf("expression returned %T, not bool", v)
		return res
	}
	res.Passed = b
	if !b {
		res.Message = "expression evaluated to false"
	}
	return res
}

func (e *Engine) regexp(pattern string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexps[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex %q: %w", pattern, err)
	}
	e.regexps[pattern] = re
	return re, nil
}
