package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowgrid/flowgrid/internal/logging"
	"github.com/flowgrid/flowgrid/internal/providers"
	"github.com/flowgrid/flowgrid/internal/resolve"
	"github.com/flowgrid/flowgrid/internal/secrets"
	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// stepLogPreviewBytes bounds the serialized output stored in the audit log.
const stepLogPreviewBytes = 500

// StepExecutor runs a single action step: resolve params, fetch
// credentials, invoke the provider under the retry policy, and persist
// the audit log. It never returns a Go error to the interpreter; every
// outcome is a StepResult.
type StepExecutor struct {
	registry *providers.Registry
	vault    secrets.Vault
	store    store.Store
	logger   *slog.Logger
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(registry *providers.Registry, vault secrets.Vault, st store.Store, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{registry: registry, vault: vault, store: st, logger: logger}
}

// ExecuteStep executes one action step against the prior results of
// the same execution. The returned StepResult is immutable and has
// already been appended to the step log.
func (e *StepExecutor) ExecuteStep(ctx context.Context, executionID, userID string, step schema.Step, prior []schema.StepResult) schema.StepResult {
	ctx = logging.WithStepOrder(ctx, step.Order)
	start := time.Now()

	params := resolve.Resolve(step.Params, prior)

	result := schema.StepResult{
		StepOrder: step.Order,
		Provider:  step.Provider,
		Action:    step.Action,
	}

	cred, credErr := e.fetchCredentials(ctx, userID, step.Provider)
	if credErr != nil {
		kind := schema.ErrKindMissingCredentials
		var flowErr *schema.FlowError
		if errors.As(credErr, &flowErr) && flowErr.Kind != "" {
			kind = flowErr.Kind
		}
		result.Status = schema.StepStatusFailed
		result.Error = &schema.ProviderError{
			Kind:   kind,
			Detail: credErr.Error(),
		}
		result.LatencyMs = time.Since(start).Milliseconds()
		e.persistLog(ctx, executionID, &result)
		return result
	}

	attempts := maxAttempts(step.Retry)
	var res *schema.ProviderResult
	attempt := 0
	for attempt = 1; attempt <= attempts; attempt++ {
		res = e.registry.Invoke(ctx, step.Provider, providers.Invocation{
			Action:       step.Action,
			Params:       params,
			UserID:       userID,
			Credential:   cred,
			PriorOutputs: prior,
		})
		if res.Success || !res.Error.Transient() {
			break
		}
		if attempt < attempts {
			delay := ComputeBackoff(step.Retry, attempt)
			e.logger.Debug("retrying step after transient failure",
				"execution_id", executionID, "step_order", step.Order,
				"attempt", attempt, "delay", delay.String())
			if err := WaitForBackoff(ctx, delay); err != nil {
				res = &schema.ProviderResult{
					Success: false,
					Error: &schema.ProviderError{
						Kind:   schema.ErrKindCancelled,
						Detail: "execution cancelled during retry backoff",
					},
				}
				break
			}
		}
	}
	if attempt > attempts {
		attempt = attempts
	}

	result.AttemptCount = attempt
	result.LatencyMs = time.Since(start).Milliseconds()
	result.Output = res.Output
	result.Message = res.Message

	if res.Success {
		result.Status = schema.StepStatusSuccess
	} else {
		result.Status = schema.StepStatusFailed
		result.Error = res.Error
		if res.Error.Transient() && attempt == attempts {
			result.Error = &schema.ProviderError{
				Kind:   schema.ErrKindMaxRetriesExceeded,
				Detail: res.Error.Detail,
			}
		}
	}

	e.persistLog(ctx, executionID, &result)
	return result
}

// fetchCredentials acquires a fresh credential scoped to this single
// invocation. A missing credential is only fatal for handlers that
// declare they need one.
func (e *StepExecutor) fetchCredentials(ctx context.Context, userID, provider string) (*schema.Credential, error) {
	h, err := e.registry.Get(provider)
	if err != nil {
		// Unknown provider: let Invoke produce the normalized result.
		return nil, nil
	}

	cred, err := e.vault.GetCredentials(ctx, userID, provider)
	if err == nil {
		return cred, nil
	}

	var flowErr *schema.FlowError
	missing := errors.As(err, &flowErr) && flowErr.Kind == schema.ErrKindMissingCredentials
	if missing && !h.RequiresCredentials() {
		return nil, nil
	}
	return nil, err
}

// persistLog appends the audit record before the result is returned to
// the interpreter. A store failure is logged, not propagated: the
// in-memory result is still the source of truth for control flow.
func (e *StepExecutor) persistLog(ctx context.Context, executionID string, result *schema.StepResult) {
	log := &store.StepLog{
		ID:            uuid.New().String(),
		ExecutionID:   executionID,
		StepOrder:     result.StepOrder,
		Provider:      result.Provider,
		Action:        result.Action,
		Status:        result.Status,
		OutputPreview: previewOutput(result.Output),
		Message:       result.Message,
		LatencyMs:     result.LatencyMs,
		AttemptCount:  result.AttemptCount,
	}
	if result.Error != nil {
		log.ErrorKind = result.Error.Kind
		log.ErrorDetail = result.Error.Detail
	}
	if err := e.store.AppendStepLog(ctx, log); err != nil {
		logging.LogWith(ctx, e.logger).Warn("failed to append step log",
			"execution_id", executionID, "step_order", result.StepOrder, "error", err)
	}
}

func previewOutput(output any) string {
	if output == nil {
		return ""
	}
	b, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	if len(b) > stepLogPreviewBytes {
		b = b[:stepLogPreviewBytes]
	}
	return string(b)
}
