package assert

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rendis/reqflow/internal/transport"
	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

// checkBody evaluates one body rule. A path that does not resolve fails
// every operator except is_null (absence counts as null) and
// exists: false.
func (e *Engine) checkBody(ctx context.Context, resp *transport.Response, b schema.BodyRule) schema.AssertionResult {
	op := bodyOperator(b)
	res := schema.AssertionResult{Rule: fmt.Sprintf("body %s %s", b.Path, op)}

	actual, found, err := e.extractor.BodyPath(ctx, resp, b.Path)
	if err != nil {
		res.Message = err.Error()
		return res
	}
	if found {
		res.Actual = actual
	}

	switch op {
	case "is_null":
		want := *b.IsNull
		res.Expected = want
		isNull := !found || actual == nil
		res.Passed = isNull == want
		if !res.Passed {
			res.Message = fmt.Sprintf("%s: null=%t, expected %t", b.Path, isNull, want)
		}
		return res
	case "exists":
		want := b.Exists == nil || *b.Exists
		res.Expected = want
		res.Passed = found == want
		if !res.Passed {
			if want {
				res.Message = fmt.Sprintf("%s: path not found", b.Path)
			} else {
				res.Message = fmt.Sprintf("%s: path should not exist", b.Path)
			}
		}
		return res
	}

	if !found {
		res.Expected = expectedFor(b, op)
		res.Message = fmt.Sprintf("%s: path not found", b.Path)
		return res
	}

	switch op {
	case "equals":
		res.Expected = b.Equals
		res.Passed = valuesEqual(actual, b.Equals)
	case "contains":
		res.Expected = b.Contains
		res.Passed = contains(actual, b.Contains)
	case "matches":
		res.Expected = b.Matches
		re, err := e.regexp(b.Matches)
		if err != nil {
			res.Message = err.Error()
			return res
		}
		res.Passed = re.MatchString(variables.Stringify(actual))
	case "type":
		res.Expected = b.Type
		res.Passed = typeMatches(actual, b.Type)
		if !res.Passed {
			res.Message = fmt.Sprintf("%s: expected type %s, got %s", b.Path, b.Type, typeName(actual))
			return res
		}
	case "greater_than", "less_than":
		bound := *b.GreaterThan
		if op == "less_than" {
			bound = *b.LessThan
		}
		res.Expected = bound
		n, ok := toFloat(actual)
		if !ok {
			res.Message = fmt.Sprintf("%s: %v is not a number", b.Path, actual)
			return res
		}
		if op == "greater_than" {
			res.Passed = n > bound
		} else {
			res.Passed = n < bound
		}
	case "length":
		res.Expected = *b.Length
		n, ok := lengthOf(actual)
		if !ok {
			res.Message = fmt.Sprintf("%s: %s has no length", b.Path, typeName(actual))
			return res
		}
		res.Passed = n == *b.Length
		if !res.Passed {
			res.Message = fmt.Sprintf("%s: length %d, expected %d", b.Path, n, *b.Length)
			return res
		}
	}

	if !res.Passed && res.Message == "" {
		res.Message = fmt.Sprintf("%s: %s does not satisfy %s %s",
			b.Path, render(actual), op, render(res.Expected))
	}
	return res
}

// bodyOperator picks the rule's operator. A rule with no operator checks
// existence.
func bodyOperator(b schema.BodyRule) string {
	switch {
	case b.EqualityCheck():
		return "equals"
	case b.Contains != nil:
		return "contains"
	case b.Matches != "":
		return "matches"
	case b.Type != "":
		return "type"
	case b.IsNull != nil:
		return "is_null"
	case b.GreaterThan != nil:
		return "greater_than"
	case b.LessThan != nil:
		return "less_than"
	case b.Length != nil:
		return "length"
	}
	return "exists"
}

func expectedFor(b schema.BodyRule, op string) any {
	switch op {
	case "equals":
		return b.Equals
	case "contains":
		return b.Contains
	case "matches":
		return b.Matches
	case "type":
		return b.Type
	case "greater_than":
		return *b.GreaterThan
	case "less_than":
		return *b.LessThan
	case "length":
		return *b.Length
	}
	return nil
}

// valuesEqual compares JSON values. Numbers compare by value, so 1 and
// 1.0 are equal; scalars of different kinds compare by rendering, so "42"
// equals 42.
func valuesEqual(actual, expected any) bool {
	a := variables.Normalize(actual)
	x := variables.Normalize(expected)
	if reflect.DeepEqual(a, x) {
		return true
	}
	if a == nil || x == nil {
		return false
	}
	if isContainer(a) || isContainer(x) {
		return false
	}
	af, aNum := numeric(a)
	xf, xNum := numeric(x)
	if aNum && xNum {
		return af == xf
	}
	return variables.Stringify(a) == variables.Stringify(x)
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func contains(actual, needle any) bool {
	switch v := actual.(type) {
	case string:
		return strings.Contains(v, variables.Stringify(needle))
	case []any:
		for _, item := range v {
			if valuesEqual(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		if key, ok := needle.(string); ok {
			_, has := v[key]
			return has
		}
		sub, ok := variables.Normalize(needle).(map[string]any)
		if !ok {
			return false
		}
		for k, want := range sub {
			got, has := v[k]
			if !has || !valuesEqual(got, want) {
				return false
			}
		}
		return true
	case nil:
		return false
	}
	return strings.Contains(variables.Stringify(actual), variables.Stringify(needle))
}

func typeMatches(v any, want string) bool {
	got := typeName(v)
	switch want {
	case "number":
		return got == "integer" || got == "number"
	case "integer":
		if got == "integer" {
			return true
		}
		if f, ok := v.(float64); ok {
			return f == math.Trunc(f)
		}
		return false
	case "bool":
		return got == "boolean"
	}
	return got == want
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int64, int32:
		return "integer"
	case float64, float32:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

// toFloat accepts numbers and numeric strings.
func toFloat(v any) (float64, bool) {
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return numeric(v)
}

func lengthOf(v any) (int, bool) {
	switch val := v.(type) {
	case string:
		return utf8.RuneCountInString(val), true
	case []any:
		return len(val), true
	case map[string]any:
		return len(val), true
	}
	return 0, false
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return variables.Stringify(v)
}
