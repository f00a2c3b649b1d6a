package expressions

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/reqflow/internal/magic"
	"github.com/rendis/reqflow/internal/variables"
	"github.com/rendis/reqflow/pkg/schema"
)

// Vars is the read side of the variable store seen by the resolver.
type Vars interface {
	Get(name string) (any, bool)
	Snapshot() map[string]any
}

// MapVars adapts a plain map to Vars.
type MapVars map[string]any

func (m MapVars) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

func (m MapVars) Snapshot() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Resolver expands {{ expr | filter }} references and magic placeholders.
type Resolver struct {
	exprs *ExprEngine
	magic *magic.Generator
}

// NewResolver creates a Resolver. gen may be nil, in which case magic
// placeholders are left as they are.
func NewResolver(gen *magic.Generator) *Resolver {
	return &Resolver{exprs: NewExprEngine(WithCheckedArithmetic()), magic: gen}
}

// Magic returns the generator used for placeholder expansion.
func (r *Resolver) Magic() *magic.Generator {
	return r.magic
}

// Resolve renders a template string. Named references are substituted
// first, then magic placeholders are expanded over the result.
func (r *Resolver) Resolve(ctx context.Context, tmpl string, vars Vars) (string, error) {
	out, err := r.substitute(ctx, tmpl, vars)
	if err != nil {
		return "", err
	}
	return r.expandMagic(out), nil
}

// ResolveValue walks maps and slices and resolves every string leaf. A leaf
// consisting of exactly one {{ }} reference keeps the typed result, so a
// JSON body field "{{ qty * price }}" stays a number.
func (r *Resolver) ResolveValue(ctx context.Context, v any, vars Vars) (any, error) {
	switch val := v.(type) {
	case string:
		if inner, ok := singleReference(val); ok {
			out, err := r.Evaluate(ctx, inner, vars)
			if err != nil {
				return nil, err
			}
			if s, isStr := out.(string); isStr {
				return r.expandMagic(s), nil
			}
			return out, nil
		}
		return r.Resolve(ctx, val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.ResolveValue(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.ResolveValue(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}

// ResolveMap resolves each value of a string map.
func (r *Resolver) ResolveMap(ctx context.Context, m map[string]string, vars Vars) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		resolved, err := r.Resolve(ctx, v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// EvalCondition evaluates a skip_if expression. Templated conditions are
// rendered and the text is judged for truthiness; a leading "!" negates.
// A bare condition is evaluated as an expression over the variables.
func (r *Resolver) EvalCondition(ctx context.Context, cond string, vars Vars) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false, nil
	}

	negate := false
	if strings.HasPrefix(cond, "!") && strings.HasPrefix(strings.TrimSpace(cond[1:]), "{{") {
		negate = true
		cond = strings.TrimSpace(cond[1:])
	}

	var truth bool
	if strings.Contains(cond, "{{") {
		if inner, ok := singleReference(cond); ok {
			v, err := r.Evaluate(ctx, inner, vars)
			if err != nil {
				return false, err
			}
			truth = variables.Truthy(v)
		} else {
			s, err := r.Resolve(ctx, cond, vars)
			if err != nil {
				return false, err
			}
			truth = variables.Truthy(s)
		}
	} else {
		v, err := r.Evaluate(ctx, cond, vars)
		if err != nil {
			return false, err
		}
		truth = variables.Truthy(v)
	}

	if negate {
		return !truth, nil
	}
	return truth, nil
}

// Evaluate runs one expression pipeline (the text between {{ and }}) and
// returns its typed value.
func (r *Resolver) Evaluate(ctx context.Context, expression string, vars Vars) (any, error) {
	stages := splitPipeline(expression)
	base := strings.TrimSpace(stages[0])
	filters := make([]filterCall, 0, len(stages)-1)
	for _, raw := range stages[1:] {
		fc, err := parseFilter(raw)
		if err != nil {
			return nil, err
		}
		filters = append(filters, fc)
	}

	val, err := r.evalBase(ctx, base, vars)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeUndefinedVariable) || !hasDefault(filters) {
			return nil, err
		}
		val = nil
	}

	for _, fc := range filters {
		val, err = r.applyFilter(ctx, fc, val, vars)
		if err != nil {
			return nil, err
		}
	}
	return variables.Normalize(val), nil
}

// References lists the top-level variable names a template refers to. It
// is best effort and used only for validation warnings.
func References(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, inner := range scanReferences(tmpl) {
		base := stripQuoted(splitPipeline(inner)[0])
		for _, loc := range identRe.FindAllStringIndex(base, -1) {
			if loc[0] > 0 && base[loc[0]-1] == '.' {
				continue
			}
			name := base[loc[0]:loc[1]]
			if keywords[name] || seen[name] {
				continue
			}
			if loc[1] < len(base) && base[loc[1]] == '(' {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

var (
	identRe  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	pathRe   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*|\[-?\d+\])*$`)
	arithOps = regexp.MustCompile(`[-+*/%]`)
	quotedRe = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'`)
	keywords = map[string]bool{
		"true": true, "false": true, "nil": true, "and": true, "or": true, "not": true,
		"in": true, "matches": true, "contains": true, "startsWith": true, "endsWith": true,
	}
	errNoPath = errors.New("not a path")
)

func (r *Resolver) evalBase(ctx context.Context, base string, vars Vars) (any, error) {
	if base == "" {
		return nil, schema.NewError(schema.ErrCodeTemplate, "empty template expression")
	}

	// Exact names win, which also covers names expr cannot parse.
	if v, ok := vars.Get(base); ok {
		return v, nil
	}

	if pathRe.MatchString(base) && !keywords[identRe.FindString(base)] {
		v, err := lookupPath(base, vars)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, errNoPath) {
			return nil, err
		}
	}

	// Arithmetic is numeric only; a string operand is a template error.
	env := vars.Snapshot()
	if arithOps.MatchString(stripQuoted(base)) {
		env = coerceNumeric(env)
	}
	out, err := r.exprs.Evaluate(ctx, base, env)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lookupPath resolves a dotted/bracket path such as user.items[0].id.
func lookupPath(path string, vars Vars) (any, error) {
	segs, err := splitPath(path)
	if err != nil {
		return nil, errNoPath
	}
	root, ok := vars.Get(segs[0].Key)
	if !ok {
		return nil, UndefinedVariable(segs[0].Key, path)
	}
	cur := root
	for _, s := range segs[1:] {
		next, found := s.Step(cur)
		if !found {
			return nil, UndefinedVariable(path, path)
		}
		cur = next
	}
	return cur, nil
}

func splitPath(path string) ([]variables.PathSegment, error) {
	segs, err := variables.ParsePath(path)
	if err != nil || len(segs) == 0 || segs[0].IsIndex {
		return nil, errNoPath
	}
	return segs, nil
}

func (r *Resolver) substitute(ctx context.Context, input string, vars Vars) (string, error) {
	var out strings.Builder
	out.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			out.WriteString(input[i:])
			break
		}
		out.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewErrorf(schema.ErrCodeTemplate, "unclosed {{ in %q", input)
		}
		end += start

		inner := strings.TrimSpace(input[start:end])
		if inner == "" {
			return "", schema.NewErrorf(schema.ErrCodeTemplate, "empty {{ }} in %q", input)
		}

		val, err := r.Evaluate(ctx, inner, vars)
		if err != nil {
			return "", err
		}
		out.WriteString(variables.Stringify(val))
		i = end + 2
	}
	return out.String(), nil
}

func (r *Resolver) expandMagic(s string) string {
	if r.magic == nil {
		return s
	}
	return r.magic.Expand(s)
}

// singleReference reports whether s is exactly one {{ }} reference and
// returns its inner expression.
func singleReference(s string) (string, bool) {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func scanReferences(s string) []string {
	var refs []string
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			return refs
		}
		end := strings.Index(s[start+2:], "}}")
		if end < 0 {
			return refs
		}
		refs = append(refs, strings.TrimSpace(s[start+2:start+2+end]))
		s = s[start+2+end+2:]
	}
}

// splitPipeline splits on single '|' characters outside quotes and
// parentheses. "||" is left to the expression language.
func splitPipeline(s string) []string {
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
		case c == '|' && depth == 0:
			if i+1 < len(s) && s[i+1] == '|' {
				i++
				continue
			}
			parts = append(parts, s[last:i])
			last = i + 1
		}
	}
	return append(parts, s[last:])
}

// coerceNumeric returns a copy of env with numeric-looking strings turned
// into numbers.
func coerceNumeric(env map[string]any) map[string]any {
	out := make(map[string]any, len(env))
	for k, v := range env {
		if s, ok := v.(string); ok {
			if n, ok := parseNumber(s); ok {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}

func parseNumber(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, true
	}
	return nil, false
}

func stripQuoted(s string) string {
	return quotedRe.ReplaceAllString(s, `""`)
}
