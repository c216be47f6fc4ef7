package trigger

import (
	"context"
	"log/slog"

	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// WebhookDispatcher fires plans with webhook triggers. The payload of
// each delivery becomes the execution's trigger data.
type WebhookDispatcher struct {
	store  store.Store
	runner PlanRunner
	logger *slog.Logger
}

// NewWebhookDispatcher creates a WebhookDispatcher.
func NewWebhookDispatcher(s store.Store, runner PlanRunner, logger *slog.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookDispatcher{store: s, runner: runner, logger: logger}
}

// Deliver runs the plan behind a webhook with the delivered payload.
// Plans without a webhook trigger refuse the delivery.
func (d *WebhookDispatcher) Deliver(ctx context.Context, planID string, payload map[string]any) (*schema.Execution, error) {
	plan, err := d.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Trigger.Type != schema.TriggerTypeWebhook {
		return nil, schema.NewErrorf(schema.ErrKindValidation,
			"plan %s does not accept webhook deliveries", planID)
	}

	d.logger.Info("webhook delivery", slog.String("plan_id", planID))
	return d.runner.RunPlan(ctx, plan.ID, plan.UserID, payload)
}
