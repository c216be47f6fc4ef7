package expressions

import "context"

// Engine evaluates expressions against accumulated step outputs.
// Two implementations: CEL (condition steps, trigger predicates) and
// Expr (the logic provider).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Predicate evaluates a boolean expression. The Plan Interpreter treats
// this as a pluggable evaluator for condition steps.
type Predicate interface {
	EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error)
}
