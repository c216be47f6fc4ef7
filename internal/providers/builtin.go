package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// RegisterBuiltins registers all built-in providers in the given registry.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	all := []Handler{
		NewEchoProvider(),
		NewHTTPProvider(httpCfg),
		NewTransformProvider(),
		NewLogicProvider(),
	}
	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// --- Echo Provider ---

const echoInputSchema = `{
  "type": "object",
  "additionalProperties": true
}`

// EchoProvider mirrors its params back as output. Useful for wiring
// tests and for plans that only need to shape data between steps.
type EchoProvider struct{}

// NewEchoProvider creates the echo provider.
func NewEchoProvider() *EchoProvider { return &EchoProvider{} }

func (p *EchoProvider) Name() string { return "echo" }

func (p *EchoProvider) RequiresCredentials() bool { return false }

func (p *EchoProvider) Actions() []ActionSpec {
	return []ActionSpec{
		{Name: "say", Description: "Return the resolved params as output.", InputSchema: json.RawMessage(echoInputSchema)},
		{Name: "sleep", Description: "Wait for the given duration, then return the params.", InputSchema: json.RawMessage(echoInputSchema)},
		{Name: "fail", Description: "Fail with the given error kind. Test helper.", InputSchema: json.RawMessage(echoInputSchema)},
	}
}

func (p *EchoProvider) Validate(action string, _ map[string]any) error {
	switch action {
	case "say", "sleep", "fail":
		return nil
	}
	return schema.NewErrorf(schema.ErrKindValidation, "echo: unknown action %q", action)
}

func (p *EchoProvider) Execute(ctx context.Context, inv Invocation) (*schema.ProviderResult, error) {
	switch inv.Action {
	case "say":
		return &schema.ProviderResult{Success: true, Output: inv.Params}, nil

	case "sleep":
		d := 10 * time.Millisecond
		if ds := stringParam(inv.Params, "duration", ""); ds != "" {
			if parsed, err := time.ParseDuration(ds); err == nil {
				d = parsed
			}
		}
		select {
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrKindCancelled, "echo.sleep: cancelled")
		case <-time.After(d):
		}
		return &schema.ProviderResult{Success: true, Output: inv.Params}, nil

	case "fail":
		kind := stringParam(inv.Params, "kind", schema.ErrKindProviderTransient)
		detail := stringParam(inv.Params, "detail", "echo.fail invoked")
		return &schema.ProviderResult{
			Success: false,
			Error:   &schema.ProviderError{Kind: kind, Detail: detail},
		}, nil
	}
	return nil, schema.NewErrorf(schema.ErrKindValidation, "echo: unknown action %q", inv.Action)
}
