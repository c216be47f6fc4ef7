package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowgrid/flowgrid/internal/expressions"
	"github.com/flowgrid/flowgrid/internal/logging"
	"github.com/flowgrid/flowgrid/internal/providers"
	"github.com/flowgrid/flowgrid/internal/secrets"
	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// suspendedRun holds the in-memory state of a paused execution. Results
// accumulated so far plus the cursor are enough to resume exactly where
// the interpreter stopped.
type suspendedRun struct {
	plan    *schema.Plan
	exec    *store.Execution
	results []schema.StepResult
	cursor  int
}

// Engine is the top-level facade wiring the store, provider registry,
// vault, interpreter, and tracker together.
type Engine struct {
	store       store.Store
	tracker     *Tracker
	interpreter *Interpreter
	logger      *slog.Logger

	mu        sync.Mutex
	suspended map[string]*suspendedRun
	pauseReqs map[string]bool
}

// New assembles an Engine from its dependencies. The predicate backs
// condition steps; pass the CEL engine in production.
func New(st store.Store, registry *providers.Registry, vault secrets.Vault, predicate expressions.Predicate, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	executor := NewStepExecutor(registry, vault, st, logger)
	return &Engine{
		store:       st,
		tracker:     NewTracker(st, logger),
		interpreter: NewInterpreter(executor, predicate, logger),
		logger:      logger,
		suspended:   make(map[string]*suspendedRun),
		pauseReqs:   make(map[string]bool),
	}
}

// RunPlan executes the plan against the trigger data and returns the
// finished (or paused) execution. Setup failures return an error; step
// failures are reported on the execution itself.
func (e *Engine) RunPlan(ctx context.Context, planID, userID string, triggerData map[string]any) (*schema.Execution, error) {
	plan, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.UserID != userID {
		return nil, schema.NewErrorf(schema.ErrKindNotFound, "plan not found: %s", planID)
	}
	if !plan.Enabled {
		return nil, schema.NewErrorf(schema.ErrKindValidation, "plan is disabled: %s", planID)
	}

	exec, err := e.tracker.Begin(ctx, plan, triggerData)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, plan.Definition(), exec, 0, nil)
}

// run drives one interpretation pass: pending/paused -> running ->
// terminal (or paused again). It is shared by RunPlan, Resume, and
// dead-letter replay.
func (e *Engine) run(ctx context.Context, plan *schema.Plan, exec *store.Execution, fromOrder int, prior []schema.StepResult) (*schema.Execution, error) {
	ctx = logging.WithPlanID(logging.WithExecutionID(ctx, exec.ID), plan.ID)

	if err := e.tracker.Transition(ctx, exec, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}

	schemaExec := &schema.Execution{
		ID:          exec.ID,
		PlanID:      exec.PlanID,
		UserID:      exec.UserID,
		Status:      schema.ExecutionStatusRunning,
		TriggerData: exec.TriggerData,
		StartedAt:   exec.StartedAt,
	}

	outcome := e.interpreter.Run(ctx, plan, schemaExec, fromOrder, prior, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.pauseReqs[exec.ID]
	})

	e.mu.Lock()
	delete(e.pauseReqs, exec.ID)
	e.mu.Unlock()

	switch outcome.Status {
	case schema.ExecutionStatusSuccess:
		if err := e.tracker.Transition(ctx, exec, schema.ExecutionStatusSuccess); err != nil {
			return nil, err
		}
	case schema.ExecutionStatusPaused:
		if err := e.tracker.Pause(ctx, exec, outcome.Cursor); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.suspended[exec.ID] = &suspendedRun{
			plan:    plan,
			exec:    exec,
			results: outcome.Results,
			cursor:  outcome.Cursor,
		}
		e.mu.Unlock()
	default:
		if err := e.tracker.Fail(ctx, exec, outcome.Err); err != nil {
			return nil, err
		}
	}

	schemaExec.Status = exec.Status
	schemaExec.StepResults = outcome.Results
	schemaExec.Error = outcome.Err
	schemaExec.FinishedAt = exec.FinishedAt
	return schemaExec, nil
}

// Pause requests that a running execution stop at the next step
// boundary. The request is a no-op if the execution finishes first.
func (e *Engine) Pause(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauseReqs[executionID] = true
}

// Resume continues a paused execution from its cursor with all prior
// step results intact.
func (e *Engine) Resume(ctx context.Context, executionID string) (*schema.Execution, error) {
	e.mu.Lock()
	run, ok := e.suspended[executionID]
	if ok {
		delete(e.suspended, executionID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrKindNotFound, "no suspended execution: %s", executionID)
	}
	return e.run(ctx, run.plan, run.exec, run.cursor, run.results)
}

// ReplayDeadLetter reruns the failed execution behind a dead letter
// using its original trigger payload. The letter is claimed first so a
// replay happens at most once; the execution row is reused, moving
// failed -> pending -> running.
func (e *Engine) ReplayDeadLetter(ctx context.Context, deadLetterID string) (*schema.Execution, error) {
	dl, triggerData, err := e.tracker.ClaimDeadLetter(ctx, deadLetterID)
	if err != nil {
		return nil, err
	}

	exec, err := e.store.GetExecution(ctx, dl.ExecutionID)
	if err != nil {
		return nil, err
	}
	plan, err := e.store.GetPlan(ctx, dl.PlanID)
	if err != nil {
		return nil, err
	}

	exec.TriggerData = triggerData
	exec.FinishedAt = nil
	if err := e.tracker.Transition(ctx, exec, schema.ExecutionStatusPending); err != nil {
		return nil, err
	}
	e.logger.Info("replaying dead letter",
		"dead_letter_id", dl.ID, "execution_id", exec.ID, "plan_id", dl.PlanID)
	return e.run(ctx, plan.Definition(), exec, 0, nil)
}

// Metrics aggregates execution counts and pending dead letters for a user.
func (e *Engine) Metrics(ctx context.Context, userID string) (*Metrics, error) {
	return e.tracker.CollectMetrics(ctx, userID)
}
