package expressions

import "context"

// Engine evaluates an expression against a data map.
// Implementations: Expr (templates, skip_if), CEL (assertion expressions),
// GoJQ (response queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
