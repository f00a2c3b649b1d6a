package expressions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

type filterArg struct {
	name string // empty for positional arguments
	expr string
}

type filterCall struct {
	name string
	args []filterArg
}

func (fc filterCall) arg(name string, pos int) (string, bool) {
	for _, a := range fc.args {
		if a.name == name {
			return a.expr, true
		}
	}
	n := 0
	for _, a := range fc.args {
		if a.name != "" {
			continue
		}
		if n == pos {
			return a.expr, true
		}
		n++
	}
	return "", false
}

func hasDefault(filters []filterCall) bool {
	for _, f := range filters {
		if f.name == "default" {
			return true
		}
	}
	return false
}

// parseFilter parses `name` or `name(arg, key=value, ...)`.
func parseFilter(raw string) (filterCall, error) {
	raw = strings.TrimSpace(raw)
	open := strings.IndexByte(raw, '(')
	if open < 0 {
		if raw == "" {
			return filterCall{}, schema.NewError(schema.ErrCodeTemplate, "empty filter")
		}
		return filterCall{name: raw}, nil
	}
	if !strings.HasSuffix(raw, ")") {
		return filterCall{}, schema.NewErrorf(schema.ErrCodeTemplate, "malformed filter %q", raw)
	}

	fc := filterCall{name: strings.TrimSpace(raw[:open])}
	body := raw[open+1 : len(raw)-1]
	for _, part := range splitTopLevel(body, ',') {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if eq := keyValueSplit(part); eq > 0 {
			fc.args = append(fc.args, filterArg{
				name: strings.TrimSpace(part[:eq]),
				expr: strings.TrimSpace(part[eq+1:]),
			})
			continue
		}
		fc.args = append(fc.args, filterArg{expr: part})
	}
	return fc, nil
}

// keyValueSplit returns the index of the '=' in `key=value`, or -1 when the
// argument is positional (including comparisons such as a == b).
func keyValueSplit(s string) int {
	eq := strings.IndexByte(s, '=')
	if eq <= 0 || eq+1 >= len(s) || s[eq+1] == '=' {
		return -1
	}
	key := strings.TrimSpace(s[:eq])
	if !pathRe.MatchString(key) || strings.ContainsAny(key, ".[") {
		return -1
	}
	return eq
}

func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

func (r *Resolver) argValue(ctx context.Context, fc filterCall, name string, pos int, vars Vars) (any, bool, error) {
	raw, ok := fc.arg(name, pos)
	if !ok {
		return nil, false, nil
	}
	v, err := r.evalBase(ctx, raw, vars)
	if err != nil {
		return nil, true, err
	}
	return v, true, nil
}

func (r *Resolver) stringArg(ctx context.Context, fc filterCall, name string, pos int, def string, vars Vars) (string, error) {
	v, ok, err := r.argValue(ctx, fc, name, pos, vars)
	if err != nil || !ok {
		return def, err
	}
	return variables.Stringify(v), nil
}

func (r *Resolver) applyFilter(ctx context.Context, fc filterCall, val any, vars Vars) (any, error) {
	switch fc.name {
	case "default":
		if val != nil {
			return val, nil
		}
		def, ok, err := r.argValue(ctx, fc, "value", 0, vars)
		if err != nil {
			return nil, err
		}
		if !ok {
			return "", nil
		}
		return def, nil

	case "upper":
		return strings.ToUpper(variables.Stringify(val)), nil
	case "lower":
		return strings.ToLower(variables.Stringify(val)), nil
	case "trim":
		return strings.TrimSpace(variables.Stringify(val)), nil
	case "string":
		return variables.Stringify(val), nil
	case "int", "float":
		n, ok := parseNumber(variables.Stringify(val))
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "%s: %v is not numeric", fc.name, val)
		}
		if fc.name == "int" {
			if f, isFloat := n.(float64); isFloat {
				return int(f), nil
			}
			return n, nil
		}
		switch v := n.(type) {
		case int:
			return float64(v), nil
		default:
			return v, nil
		}

	case "length":
		switch v := val.(type) {
		case []any:
			return len(v), nil
		case map[string]any:
			return len(v), nil
		case nil:
			return 0, nil
		default:
			return utf8.RuneCountInString(variables.Stringify(v)), nil
		}

	case "json":
		b, err := json.Marshal(val)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate, "json: %s", err.Error())
		}
		return string(b), nil
	case "urlencode":
		return url.QueryEscape(variables.Stringify(val)), nil
	case "base64":
		return base64.StdEncoding.EncodeToString([]byte(variables.Stringify(val))), nil

	case "replace":
		from, err := r.stringArg(ctx, fc, "from", 0, "", vars)
		if err != nil {
			return nil, err
		}
		to, err := r.stringArg(ctx, fc, "to", 1, "", vars)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(variables.Stringify(val), from, to), nil

	case "first", "last":
		switch v := val.(type) {
		case []any:
			if len(v) == 0 {
				return nil, nil
			}
			if fc.name == "first" {
				return v[0], nil
			}
			return v[len(v)-1], nil
		default:
			runes := []rune(variables.Stringify(v))
			if len(runes) == 0 {
				return "", nil
			}
			if fc.name == "first" {
				return string(runes[0]), nil
			}
			return string(runes[len(runes)-1]), nil
		}

	case "join":
		sep, err := r.stringArg(ctx, fc, "sep", 0, ",", vars)
		if err != nil {
			return nil, err
		}
		arr, ok := val.([]any)
		if !ok {
			return variables.Stringify(val), nil
		}
		parts := make([]string, len(arr))
		for i, item := range arr {
			parts[i] = variables.Stringify(item)
		}
		return strings.Join(parts, sep), nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeTemplate, "unknown filter %q", fc.name).
		WithDetails(map[string]any{"filter": fc.name})
}
