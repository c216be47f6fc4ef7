package logging

import (
	"context"
	"log/slog"
	"strconv"
)

type ctxKey int

const (
	planIDKey ctxKey = iota
	executionIDKey
	stepOrderKey
)

// WithPlanID returns a context with the plan ID set.
func WithPlanID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planIDKey, id)
}

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepOrder returns a context with the step order set.
func WithStepOrder(ctx context.Context, order int) context.Context {
	return context.WithValue(ctx, stepOrderKey, order)
}

// PlanID extracts the plan ID from the context, or "" if absent.
func PlanID(ctx context.Context) string {
	v, _ := ctx.Value(planIDKey).(string)
	return v
}

// ExecutionID extracts the execution ID from the context, or "" if absent.
func ExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(executionIDKey).(string)
	return v
}

// StepOrder extracts the step order from the context, or -1 if absent.
func StepOrder(ctx context.Context) int {
	v, ok := ctx.Value(stepOrderKey).(int)
	if !ok {
		return -1
	}
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only present values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if pID := PlanID(ctx); pID != "" {
		logger = logger.With(slog.String("plan_id", pID))
	}
	if eID := ExecutionID(ctx); eID != "" {
		logger = logger.With(slog.String("execution_id", eID))
	}
	if order := StepOrder(ctx); order >= 0 {
		logger = logger.With(slog.Int("step_order", order))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := PlanID(ctx); v != "" {
		r.AddAttrs(slog.String("plan_id", v))
	}
	if v := ExecutionID(ctx); v != "" {
		r.AddAttrs(slog.String("execution_id", v))
	}
	if v := StepOrder(ctx); v >= 0 {
		r.AddAttrs(slog.String("step_order", strconv.Itoa(v)))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
