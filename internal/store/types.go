package store

import (
	"encoding/json"
	"time"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

// Plan is a persisted plan definition plus bookkeeping timestamps.
type Plan struct {
	ID        string
	Name      string
	UserID    string
	Steps     []schema.Step
	Trigger   schema.Trigger
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Definition reassembles the schema-level plan for the interpreter.
func (p *Plan) Definition() *schema.Plan {
	return &schema.Plan{
		ID:      p.ID,
		Name:    p.Name,
		UserID:  p.UserID,
		Steps:   p.Steps,
		Trigger: p.Trigger,
		Enabled: p.Enabled,
	}
}

// Execution is a persisted execution row. StepResults live in the
// step log table and are loaded separately on read.
type Execution struct {
	ID          string
	PlanID      string
	UserID      string
	Status      schema.ExecutionStatus
	TriggerData map[string]any
	Error       *schema.FlowError
	Cursor      int // next step order, meaningful only while paused
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// ExecutionUpdate is a partial update applied to an execution row.
// Nil fields are left untouched.
type ExecutionUpdate struct {
	Status     *schema.ExecutionStatus
	Error      *schema.FlowError
	Cursor     *int
	FinishedAt *time.Time
}

// StepLog is one append-only audit record for a step attempt outcome.
// OutputPreview holds at most the first 500 bytes of the serialized
// output so the log stays bounded.
type StepLog struct {
	ID            string
	ExecutionID   string
	StepOrder     int
	Provider      string
	Action        string
	Status        schema.StepStatus
	OutputPreview string
	Message       string
	ErrorKind     string
	ErrorDetail   string
	LatencyMs     int64
	AttemptCount  int
	CreatedAt     time.Time
}

// ScheduledJob is the persisted schedule state for one plan. The
// scheduler ticker reads NextRunAt to decide what is due; LastRunAt
// and LastRunStatus record the most recent firing.
type ScheduledJob struct {
	PlanID         string
	UserID         string
	CronExpression string
	Timezone       string
	Enabled        bool
	NextRunAt      *time.Time
	LastRunAt      *time.Time
	LastRunStatus  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduledJobUpdate is a partial update applied to a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool
	NextRunAt     *time.Time
	LastRunAt     *time.Time
	LastRunStatus *string
}

// DeadLetter captures a failed execution so its trigger payload can
// be replayed after the underlying problem is fixed.
type DeadLetter struct {
	ID          string
	ExecutionID string
	PlanID      string
	UserID      string
	TriggerData json.RawMessage
	Reason      string
	Replayed    bool
	CreatedAt   time.Time
}

// PlanFilter narrows ListPlans.
type PlanFilter struct {
	UserID  string
	Enabled *bool
	Limit   int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	PlanID string
	UserID string
	Status schema.ExecutionStatus
	Limit  int
}

// ScheduledJobFilter narrows ListScheduledJobs.
type ScheduledJobFilter struct {
	UserID  string
	Enabled *bool
	Limit   int
}

// DeadLetterFilter narrows ListDeadLetters.
type DeadLetterFilter struct {
	PlanID   string
	Replayed *bool
	Limit    int
}
