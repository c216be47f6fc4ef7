package schema

import "time"

// ExecutionStatus is the lifecycle state of one plan run.
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
	ExecutionStatusPaused  ExecutionStatus = "paused"
)

// StepStatus is the outcome of a single executed step.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// Execution is one concrete run of a plan, with its own result log.
type Execution struct {
	ID          string          `json:"id"`
	PlanID      string          `json:"plan_id"`
	UserID      string          `json:"user_id"`
	Status      ExecutionStatus `json:"status"`
	TriggerData map[string]any  `json:"trigger_data,omitempty"`
	StepResults []StepResult    `json:"step_results,omitempty"`
	Error       *FlowError      `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// StepResult records the outcome of one step invocation. Immutable once
// written; loop bodies produce one per iteration.
type StepResult struct {
	StepOrder    int            `json:"step_order"`
	Provider     string         `json:"provider,omitempty"`
	Action       string         `json:"action,omitempty"`
	Status       StepStatus     `json:"status"`
	Output       any            `json:"output,omitempty"`
	Message      string         `json:"message,omitempty"`
	Error        *ProviderError `json:"error,omitempty"`
	LatencyMs    int64          `json:"latency_ms"`
	AttemptCount int            `json:"attempt_count"`
}

// ProviderResult is the normalized contract returned by every provider
// handler. It is the sole boundary between the engine and external
// integrations; the engine never branches on provider identity beyond
// dispatch.
type ProviderResult struct {
	Success  bool           `json:"success"`
	Output   any            `json:"output,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Error    *ProviderError `json:"error,omitempty"`
}

// ProviderError describes a provider failure in terms the engine can
// classify for retry decisions.
type ProviderError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Transient reports whether the error kind is in the retryable set.
func (e *ProviderError) Transient() bool {
	if e == nil {
		return false
	}
	return e.Kind == ErrKindProviderTransient
}
