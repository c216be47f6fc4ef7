package engine

import "github.com/flowgrid/flowgrid/pkg/schema"

// ValidExecutionTransitions defines the allowed lifecycle transitions for
// executions. Failed executions may return to pending via dead-letter replay.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRunning: {schema.ExecutionStatusSuccess, schema.ExecutionStatusFailed, schema.ExecutionStatusPaused},
	schema.ExecutionStatusPaused:  {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed},
	schema.ExecutionStatusFailed:  {schema.ExecutionStatusPending},
	schema.ExecutionStatusSuccess: {},
}

// CanTransition reports whether an execution may move from one status to another.
func CanTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransition error when the move is not allowed.
func ValidateTransition(executionID string, from, to schema.ExecutionStatus) error {
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrKindInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}
