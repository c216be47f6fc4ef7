package schema

import (
	"encoding/json"
	"fmt"
)

// Error kinds for structured error reporting.
const (
	// Provider-facing kinds.
	ErrKindProviderNotFound   = "PROVIDER_NOT_FOUND"
	ErrKindMissingCredentials = "MISSING_CREDENTIALS"
	ErrKindParamResolution    = "PARAMETER_RESOLUTION_ERROR"
	ErrKindProviderTransient  = "PROVIDER_TRANSIENT_ERROR"
	ErrKindProviderPermanent  = "PROVIDER_PERMANENT_ERROR"
	ErrKindMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"

	// Plan/interpreter kinds.
	ErrKindInvalidJumpTarget = "INVALID_JUMP_TARGET"
	ErrKindBudgetExceeded    = "EXECUTION_BUDGET_EXCEEDED"
	ErrKindLoopCapReached    = "LOOP_ITERATION_CAP_REACHED"

	// Infrastructure kinds.
	ErrKindValidation         = "VALIDATION_ERROR"
	ErrKindNotFound           = "NOT_FOUND"
	ErrKindConflict           = "CONFLICT"
	ErrKindSchedulingConflict = "SCHEDULING_CONFLICT"
	ErrKindInvalidTransition  = "INVALID_TRANSITION"
	ErrKindCancelled          = "CANCELLED"
	ErrKindStore              = "STORE_ERROR"
	ErrKindVault              = "VAULT_ERROR"
)

// FlowError is the structured error type for all engine operations.
// StepOrder is -1 until WithStep attaches one; order 0 is a valid step.
type FlowError struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepOrder int            `json:"step_order,omitempty"`
	Cause     error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepOrder >= 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Kind, e.StepOrder, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// flowErrorJSON keeps the -1 sentinel out of the wire form: step_order
// is serialized only when a step was attached, and absence unmarshals
// back to -1.
type flowErrorJSON struct {
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	StepOrder *int           `json:"step_order,omitempty"`
}

func (e *FlowError) MarshalJSON() ([]byte, error) {
	out := flowErrorJSON{Kind: e.Kind, Message: e.Message, Details: e.Details}
	if e.StepOrder >= 0 {
		out.StepOrder = &e.StepOrder
	}
	return json.Marshal(out)
}

func (e *FlowError) UnmarshalJSON(data []byte) error {
	var in flowErrorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	e.Kind = in.Kind
	e.Message = in.Message
	e.Details = in.Details
	e.StepOrder = -1
	if in.StepOrder != nil {
		e.StepOrder = *in.StepOrder
	}
	return nil
}

// NewError creates a new FlowError.
func NewError(kind, message string) *FlowError {
	return &FlowError{Kind: kind, Message: message, StepOrder: -1}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(kind, format string, args ...any) *FlowError {
	return &FlowError{Kind: kind, Message: fmt.Sprintf(format, args...), StepOrder: -1}
}

// WithStep attaches a step order to the error.
func (e *FlowError) WithStep(order int) *FlowError {
	e.StepOrder = order
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// IsTransient reports whether retrying the same operation could plausibly succeed.
func (e *FlowError) IsTransient() bool {
	switch e.Kind {
	case ErrKindProviderTransient, ErrKindStore:
		return true
	default:
		return false
	}
}
