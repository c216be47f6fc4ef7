package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/flowgrid/internal/logging"
	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// Metrics aggregates execution counts per status for one user.
type Metrics struct {
	Total     int                            `json:"total"`
	ByStatus  map[schema.ExecutionStatus]int `json:"by_status"`
	DeadAwait int                            `json:"dead_letters_pending"`
}

// Tracker owns execution lifecycle state. Every transition is validated
// against the transition table and persisted before the caller proceeds,
// so a crash never leaves the store ahead of or behind the engine.
type Tracker struct {
	mu     sync.Mutex
	store  store.Store
	logger *slog.Logger

	// dead-letter kinds: failures where replaying the original trigger
	// payload could plausibly succeed
	deadLetterKinds map[string]bool
}

// NewTracker creates a Tracker backed by the given store.
func NewTracker(st store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  st,
		logger: logger,
		deadLetterKinds: map[string]bool{
			schema.ErrKindProviderTransient:  true,
			schema.ErrKindMaxRetriesExceeded: true,
			schema.ErrKindStore:              true,
		},
	}
}

// Begin creates a pending execution row for the plan.
func (t *Tracker) Begin(ctx context.Context, plan *store.Plan, triggerData map[string]any) (*store.Execution, error) {
	exec := &store.Execution{
		ID:          uuid.NewString(),
		PlanID:      plan.ID,
		UserID:      plan.UserID,
		Status:      schema.ExecutionStatusPending,
		TriggerData: triggerData,
		StartedAt:   time.Now().UTC(),
	}
	if err := t.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// Transition validates and persists a status change. The in-memory
// execution is updated only after the store write succeeds.
func (t *Tracker) Transition(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ValidateTransition(exec.ID, exec.Status, to); err != nil {
		return err
	}

	update := store.ExecutionUpdate{Status: &to}
	if to == schema.ExecutionStatusSuccess || to == schema.ExecutionStatusFailed {
		now := time.Now().UTC()
		update.FinishedAt = &now
	}
	if err := t.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}

	from := exec.Status
	exec.Status = to
	if update.FinishedAt != nil {
		exec.FinishedAt = update.FinishedAt
	}
	logging.LogWith(ctx, t.logger).Debug("execution transition",
		"execution_id", exec.ID, "from", string(from), "to", string(to))
	return nil
}

// Fail transitions the execution to failed, records the cause, and
// enqueues a dead letter when the root cause is one a replay could
// resolve. The dead letter carries the original trigger payload intact.
func (t *Tracker) Fail(ctx context.Context, exec *store.Execution, cause *schema.FlowError) error {
	if err := t.Transition(ctx, exec, schema.ExecutionStatusFailed); err != nil {
		return err
	}
	exec.Error = cause
	if err := t.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Error: cause}); err != nil {
		return err
	}
	if cause != nil && t.deadLetterKinds[cause.Kind] {
		if err := t.enqueueDeadLetter(ctx, exec, cause); err != nil {
			return err
		}
	}
	return nil
}

// Pause persists the paused status plus the cursor so the run position
// survives inspection. The suspended run state itself lives with the
// engine; the row exists for observability and restart accounting.
func (t *Tracker) Pause(ctx context.Context, exec *store.Execution, cursor int) error {
	if err := t.Transition(ctx, exec, schema.ExecutionStatusPaused); err != nil {
		return err
	}
	exec.Cursor = cursor
	return t.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Cursor: &cursor})
}

func (t *Tracker) enqueueDeadLetter(ctx context.Context, exec *store.Execution, cause *schema.FlowError) error {
	payload, err := json.Marshal(exec.TriggerData)
	if err != nil {
		payload = []byte("{}")
	}
	dl := &store.DeadLetter{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		PlanID:      exec.PlanID,
		UserID:      exec.UserID,
		TriggerData: payload,
		Reason:      cause.Kind + ": " + cause.Message,
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.store.AppendDeadLetter(ctx, dl); err != nil {
		return schema.NewErrorf(schema.ErrKindStore, "enqueue dead letter: %s", err.Error()).WithCause(err)
	}
	logging.LogWith(ctx, t.logger).Info("dead letter enqueued",
		"dead_letter_id", dl.ID, "execution_id", exec.ID, "reason", cause.Kind)
	return nil
}

// ClaimDeadLetter marks a dead letter replayed and returns its trigger
// payload. A letter can be claimed at most once.
func (t *Tracker) ClaimDeadLetter(ctx context.Context, id string) (*store.DeadLetter, map[string]any, error) {
	letters, err := t.store.ListDeadLetters(ctx, store.DeadLetterFilter{})
	if err != nil {
		return nil, nil, err
	}
	var dl *store.DeadLetter
	for _, l := range letters {
		if l.ID == id {
			dl = l
			break
		}
	}
	if dl == nil {
		return nil, nil, schema.NewErrorf(schema.ErrKindNotFound, "dead letter not found: %s", id)
	}
	if err := t.store.MarkDeadLetterReplayed(ctx, id); err != nil {
		return nil, nil, err
	}
	var triggerData map[string]any
	if len(dl.TriggerData) > 0 {
		if err := json.Unmarshal(dl.TriggerData, &triggerData); err != nil {
			return nil, nil, schema.NewErrorf(schema.ErrKindValidation, "dead letter payload: %s", err.Error()).WithCause(err)
		}
	}
	return dl, triggerData, nil
}

// CollectMetrics counts executions per status plus unreplayed dead letters.
func (t *Tracker) CollectMetrics(ctx context.Context, userID string) (*Metrics, error) {
	execs, err := t.store.ListExecutions(ctx, store.ExecutionFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	m := &Metrics{ByStatus: make(map[schema.ExecutionStatus]int)}
	for _, e := range execs {
		m.Total++
		m.ByStatus[e.Status]++
	}
	notReplayed := false
	letters, err := t.store.ListDeadLetters(ctx, store.DeadLetterFilter{Replayed: &notReplayed})
	if err != nil {
		return nil, err
	}
	for _, l := range letters {
		if l.UserID == userID {
			m.DeadAwait++
		}
	}
	return m, nil
}
