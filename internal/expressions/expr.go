package expressions

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/reqflow/pkg/schema"
)

var unknownNameRe = regexp.MustCompile(`unknown name ([A-Za-z_$][A-Za-z0-9_$]*)`)

// ExprEngine implements Engine using expr-lang/expr. It backs template
// expressions ({{ qty * price }}) and skip_if conditions.
//
// Programs are compiled against the concrete environment so that a name
// missing from the environment is reported instead of silently evaluating
// to nil. The cache key therefore includes the environment's type shape.
type ExprEngine struct {
	mu      sync.RWMutex
	cache   map[string]*vm.Program
	options []expr.Option
}

// ExprOption configures an ExprEngine.
type ExprOption func(*ExprEngine)

// WithCheckedArithmetic makes + - * / % and ** numeric only. Numeric
// strings are coerced; any other operand fails the evaluation instead of
// falling back to string concatenation.
func WithCheckedArithmetic() ExprOption {
	return func(e *ExprEngine) {
		e.options = append(e.options,
			expr.Function(checkedArithmeticFn, checkedArithmetic),
			expr.Patch(arithmeticPatcher{}),
		)
	}
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine(opts ...ExprOption) *ExprEngine {
	e := &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it
// with data as the environment. An unknown identifier yields an
// UNDEFINED_VARIABLE error carrying the name.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeTemplate, "empty expression")
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	key := expression + "\x00" + envShape(env)

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	opts := append([]expr.Option{expr.Env(env)}, e.options...)
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		if m := unknownNameRe.FindStringSubmatch(err.Error()); m != nil {
			return nil, UndefinedVariable(m[1], expression)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTemplate,
			"invalid expression %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[key] = prg
	return prg, nil
}

// envShape describes the top-level names and value types of env.
func envShape(env map[string]any) string {
	parts := make([]string, 0, len(env))
	for k, v := range env {
		parts = append(parts, fmt.Sprintf("%s:%s", k, reflect.TypeOf(v)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// UndefinedVariable builds the error reported for a template reference to
// a name that no variable layer defines.
func UndefinedVariable(name, expression string) *schema.ReqflowError {
	return schema.NewErrorf(schema.ErrCodeUndefinedVariable, "undefined variable %q", name).
		WithDetails(map[string]any{"name": name, "expression": expression})
}

var _ Engine = (*ExprEngine)(nil)
