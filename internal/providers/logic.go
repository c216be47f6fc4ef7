package providers

import (
	"context"
	"encoding/json"

	"github.com/flowgrid/flowgrid/pkg/schema"

	"github.com/flowgrid/flowgrid/internal/expressions"
)

const logicInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "vars": {"type": "object"}
  },
  "required": ["expression"]
}`

// LogicProvider evaluates expr-lang expressions over a vars map.
// Plans use it for in-flight arithmetic and data shaping without
// leaving the process.
type LogicProvider struct {
	engine *expressions.ExprEngine
}

// NewLogicProvider creates the logic provider.
func NewLogicProvider() *LogicProvider {
	return &LogicProvider{engine: expressions.NewExprEngine()}
}

func (p *LogicProvider) Name() string { return "logic" }

func (p *LogicProvider) RequiresCredentials() bool { return false }

func (p *LogicProvider) Actions() []ActionSpec {
	return []ActionSpec{
		{Name: "eval", Description: "Evaluate an expression over the 'vars' param and return the result.", InputSchema: json.RawMessage(logicInputSchema)},
	}
}

func (p *LogicProvider) Validate(action string, params map[string]any) error {
	if action != "eval" {
		return schema.NewErrorf(schema.ErrKindValidation, "logic: unknown action %q", action)
	}
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrKindValidation, "logic: missing required param 'expression'")
	}
	return nil
}

func (p *LogicProvider) Execute(ctx context.Context, inv Invocation) (*schema.ProviderResult, error) {
	if err := p.Validate(inv.Action, inv.Params); err != nil {
		return nil, err
	}
	expression := stringParam(inv.Params, "expression", "")

	vars := map[string]any{}
	if raw, ok := inv.Params["vars"].(map[string]any); ok {
		vars = raw
	}

	out, err := p.engine.Evaluate(ctx, expression, vars)
	if err != nil {
		return &schema.ProviderResult{
			Success: false,
			Error: &schema.ProviderError{
				Kind:   schema.ErrKindProviderPermanent,
				Detail: "logic.eval: " + err.Error(),
			},
		}, nil
	}
	return &schema.ProviderResult{Success: true, Output: out}, nil
}
