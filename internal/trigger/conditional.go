package trigger

import (
	"context"
	"log/slog"

	"github.com/flowgrid/flowgrid/internal/expressions"
	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// ConditionalDispatcher matches published events against plans with
// conditional triggers and runs every plan whose predicate holds.
type ConditionalDispatcher struct {
	store     store.Store
	runner    PlanRunner
	predicate expressions.Predicate
	logger    *slog.Logger
}

// NewConditionalDispatcher creates a ConditionalDispatcher. The
// predicate evaluator is shared with the interpreter's condition steps.
func NewConditionalDispatcher(s store.Store, runner PlanRunner, predicate expressions.Predicate, logger *slog.Logger) *ConditionalDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionalDispatcher{store: s, runner: runner, predicate: predicate, logger: logger}
}

// Publish evaluates the event against every enabled conditional plan
// listening on the event source and runs the matches. A predicate
// error disqualifies that plan only; other matches still run.
func (d *ConditionalDispatcher) Publish(ctx context.Context, event string, payload map[string]any) ([]*schema.Execution, error) {
	enabled := true
	plans, err := d.store.ListPlans(ctx, store.PlanFilter{Enabled: &enabled})
	if err != nil {
		return nil, err
	}

	data := map[string]any{"event": eventData(payload)}

	var fired []*schema.Execution
	for _, plan := range plans {
		if plan.Trigger.Type != schema.TriggerTypeConditional || plan.Trigger.Event != event {
			continue
		}
		matched := true
		if plan.Trigger.Predicate != "" {
			matched, err = d.predicate.EvaluateBool(ctx, plan.Trigger.Predicate, data)
			if err != nil {
				d.logger.Warn("conditional trigger predicate failed",
					slog.String("plan_id", plan.ID),
					slog.String("predicate", plan.Trigger.Predicate),
					slog.String("error", err.Error()))
				continue
			}
		}
		if !matched {
			continue
		}

		exec, err := d.runner.RunPlan(ctx, plan.ID, plan.UserID, eventData(payload))
		if err != nil {
			d.logger.Error("conditional trigger run failed",
				slog.String("plan_id", plan.ID),
				slog.String("error", err.Error()))
			continue
		}
		fired = append(fired, exec)
	}
	return fired, nil
}

func eventData(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}
