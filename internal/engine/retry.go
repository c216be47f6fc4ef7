// Package engine contains the step executor, the plan interpreter, the
// execution state machine, and the RunPlan facade that ties them to
// the provider registry and the store.
package engine

import (
	"context"
	"time"

	"github.com/flowgrid/flowgrid/pkg/schema"
)

const (
	defaultBaseDelay = 500 * time.Millisecond
	defaultMaxDelay  = 30 * time.Second
)

// maxAttempts returns the retry budget for a step, falling back to the
// engine default when the plan does not set one.
func maxAttempts(policy *schema.RetryPolicy) int {
	if policy != nil && policy.MaxAttempts > 0 {
		return policy.MaxAttempts
	}
	return schema.DefaultMaxAttempts
}

// ComputeBackoff calculates the delay before the next retry attempt.
// The delay doubles each attempt (base * 2^attempt for attempt >= 1)
// and is capped by the policy's max_delay.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	base := defaultBaseDelay
	maxDelay := defaultMaxDelay
	if policy != nil {
		if policy.BaseDelay != "" {
			if d, err := time.ParseDuration(policy.BaseDelay); err == nil && d > 0 {
				base = d
			}
		}
		if policy.MaxDelay != "" {
			if d, err := time.ParseDuration(policy.MaxDelay); err == nil && d > 0 {
				maxDelay = d
			}
		}
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// WaitForBackoff sleeps for the computed backoff duration or returns
// early if the context is cancelled. The wait is scoped to this step's
// context only and never blocks other executions.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
