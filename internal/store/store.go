// Package store is the persistence layer for plans, executions, step
// logs, credentials, schedule state, and the dead-letter queue.
package store

import "context"

// Store defines the persistence contract consumed by the engine and
// the trigger subsystem. All implementations must be safe for
// concurrent use.
type Store interface {
	// Plans
	CreatePlan(ctx context.Context, plan *Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpdatePlan(ctx context.Context, plan *Plan) error
	DeletePlan(ctx context.Context, id string) error // refuses while a schedule references the plan
	ListPlans(ctx context.Context, filter PlanFilter) ([]*Plan, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Step logs (append-only audit trail)
	AppendStepLog(ctx context.Context, log *StepLog) error
	ListStepLogs(ctx context.Context, executionID string) ([]*StepLog, error)

	// Credentials (opaque encrypted blobs; the vault owns the crypto)
	StoreCredential(ctx context.Context, userID, provider string, value []byte) error
	GetCredential(ctx context.Context, userID, provider string) ([]byte, error)
	DeleteCredential(ctx context.Context, userID, provider string) error

	// Scheduled jobs (one per plan, replace-existing semantics)
	UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, planID string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, planID string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, planID string) error

	// Dead letters
	AppendDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter) ([]*DeadLetter, error)
	MarkDeadLetterReplayed(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
