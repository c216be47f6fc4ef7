package providers

import (
	"context"
	"encoding/json"

	"github.com/flowgrid/flowgrid/pkg/schema"

	"github.com/flowgrid/flowgrid/internal/expressions"
)

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "input": {}
  },
  "required": ["query"]
}`

// TransformProvider reshapes step data with jq queries. Runs entirely
// in-process; query failures are permanent since retrying the same
// query against the same input cannot succeed.
type TransformProvider struct {
	engine *expressions.GoJQEngine
}

// NewTransformProvider creates the transform provider.
func NewTransformProvider() *TransformProvider {
	return &TransformProvider{engine: expressions.NewGoJQEngine()}
}

func (p *TransformProvider) Name() string { return "transform" }

func (p *TransformProvider) RequiresCredentials() bool { return false }

func (p *TransformProvider) Actions() []ActionSpec {
	return []ActionSpec{
		{Name: "jq", Description: "Apply a jq query to the 'input' param (addressable as .input) and return the result.", InputSchema: json.RawMessage(transformInputSchema)},
	}
}

func (p *TransformProvider) Validate(action string, params map[string]any) error {
	if action != "jq" {
		return schema.NewErrorf(schema.ErrKindValidation, "transform: unknown action %q", action)
	}
	if stringParam(params, "query", "") == "" {
		return schema.NewError(schema.ErrKindValidation, "transform: missing required param 'query'")
	}
	return nil
}

func (p *TransformProvider) Execute(ctx context.Context, inv Invocation) (*schema.ProviderResult, error) {
	if err := p.Validate(inv.Action, inv.Params); err != nil {
		return nil, err
	}
	query := stringParam(inv.Params, "query", "")
	input := inv.Params["input"]

	out, err := p.engine.Evaluate(ctx, query, map[string]any{"input": input})
	if err != nil {
		return &schema.ProviderResult{
			Success: false,
			Error: &schema.ProviderError{
				Kind:   schema.ErrKindProviderPermanent,
				Detail: "transform.jq: " + err.Error(),
			},
		}, nil
	}
	return &schema.ProviderResult{Success: true, Output: out}, nil
}
