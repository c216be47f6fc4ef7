// Package providers holds the integration registry and the built-in
// provider handlers. All external side effects flow through this
// package behind the normalized ProviderResult contract.
package providers

import (
	"context"
	"encoding/json"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// Handler is one external integration. A handler exposes named actions
// and turns every outcome, success or failure, into a ProviderResult.
type Handler interface {
	Name() string
	Actions() []ActionSpec
	// RequiresCredentials reports whether this handler refuses to run
	// without stored credentials. When true and the vault has nothing
	// for the user, the step fails without the handler being invoked.
	RequiresCredentials() bool
	Execute(ctx context.Context, inv Invocation) (*schema.ProviderResult, error)
	Validate(action string, params map[string]any) error
}

// ActionSpec describes one action a handler exposes.
type ActionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Invocation is the data handed to a handler for a single step
// invocation. Params arrive fully resolved; Credential is fetched
// fresh for each invocation and may be nil for credential-free
// providers. UserID identifies the plan owner even when no credential
// exists, and PriorOutputs carries the results of the steps already
// run in the same execution.
type Invocation struct {
	Action       string
	Params       map[string]any
	UserID       string
	Credential   *schema.Credential
	PriorOutputs []schema.StepResult
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Name    string   `json:"name"`
	Actions []string `json:"actions"`
}
