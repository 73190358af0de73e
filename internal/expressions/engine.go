package expressions

import "context"

// Engine evaluates expressions within workflow steps.
// Three implementations: CEL (step conditions), Expr (compute and filter
// operations), GoJQ (transform operations).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
