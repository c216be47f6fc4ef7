package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/expressions"
	"github.com/flowgrid/flowgrid/internal/providers"
	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

func newTestEngine(t *testing.T, extra ...providers.Handler) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := providers.NewRegistry(nil)
	require.NoError(t, providers.RegisterBuiltins(reg, providers.HTTPConfig{}))
	for _, h := range extra {
		require.NoError(t, reg.Register(h))
	}
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return New(st, reg, newStubVault(), cel, nil), st
}

func seedEnginePlan(t *testing.T, st *store.MemoryStore, plan *store.Plan) {
	t.Helper()
	require.NoError(t, st.CreatePlan(context.Background(), plan))
}

func TestRunPlan_EchoChain(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-1", Name: "echo chain", UserID: "user-1", Enabled: true,
		Steps: []schema.Step{
			{Order: 1, Provider: "echo", Action: "say", Params: map[string]any{"x": 1}},
			{Order: 2, Provider: "echo", Action: "say", Params: map[string]any{"y": "${steps.0.output.x}"}},
		},
	})

	exec, err := eng.RunPlan(context.Background(), "plan-1", "user-1", nil)
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusSuccess, exec.Status)
	require.Len(t, exec.StepResults, 2)
	second, ok := exec.StepResults[1].Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, second["y"])

	stored, err := st.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, stored.Status)
	require.NotNil(t, stored.FinishedAt)

	logs, err := st.ListStepLogs(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestRunPlan_AlwaysTransientFailsWithAttemptCount(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-1", Name: "flaky", UserID: "user-1", Enabled: true,
		Steps: []schema.Step{
			{Order: 1, Provider: "echo", Action: "fail", Retry: fastRetry(3)},
		},
	})

	exec, err := eng.RunPlan(context.Background(), "plan-1", "user-1", map[string]any{"req": "abc"})
	require.NoError(t, err)

	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	require.Len(t, exec.StepResults, 1)
	assert.Equal(t, 3, exec.StepResults[0].AttemptCount)
	require.NotNil(t, exec.Error)
	assert.Equal(t, schema.ErrKindMaxRetriesExceeded, exec.Error.Kind)
	assert.Equal(t, 1, exec.Error.StepOrder)

	// The exhausted-retries failure lands in the dead-letter queue with
	// the trigger payload preserved.
	letters, err := st.ListDeadLetters(context.Background(), store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.JSONEq(t, `{"req":"abc"}`, string(letters[0].TriggerData))
}

func TestRunPlan_UnknownPlan(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.RunPlan(context.Background(), "missing", "user-1", nil)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindNotFound, flowErr.Kind)
}

func TestRunPlan_DisabledPlanRefused(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-1", Name: "off", UserID: "user-1", Enabled: false,
		Steps: []schema.Step{{Order: 1, Provider: "echo", Action: "say"}},
	})

	_, err := eng.RunPlan(context.Background(), "plan-1", "user-1", nil)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindValidation, flowErr.Kind)
}

func TestRunPlan_WrongUserCannotSeePlan(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-1", Name: "private", UserID: "user-1", Enabled: true,
		Steps: []schema.Step{{Order: 1, Provider: "echo", Action: "say"}},
	})

	_, err := eng.RunPlan(context.Background(), "plan-1", "user-2", nil)
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrKindNotFound, flowErr.Kind)
}

func TestReplayDeadLetter_RerunsWithOriginalPayload(t *testing.T) {
	h := &countingHandler{name: "flaky", results: []*schema.ProviderResult{
		transientResult("down"),
		transientResult("down"),
		transientResult("down"),
		successResult("recovered"),
	}}
	eng, st := newTestEngine(t, h)
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-1", Name: "replayable", UserID: "user-1", Enabled: true,
		Steps: []schema.Step{
			{Order: 1, Provider: "flaky", Action: "run", Retry: fastRetry(3)},
		},
	})

	ctx := context.Background()
	failed, err := eng.RunPlan(ctx, "plan-1", "user-1", map[string]any{"job": "nightly"})
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionStatusFailed, failed.Status)

	letters, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)

	replayed, err := eng.ReplayDeadLetter(ctx, letters[0].ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, replayed.Status)
	assert.Equal(t, failed.ID, replayed.ID, "replay reuses the failed execution")
	assert.Equal(t, map[string]any{"job": "nightly"}, replayed.TriggerData)

	// The provider saw the three original attempts plus the replay.
	assert.EqualValues(t, 4, h.calls.Load())

	letters, err = st.ListDeadLetters(ctx, store.DeadLetterFilter{})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.True(t, letters[0].Replayed)

	_, err = eng.ReplayDeadLetter(ctx, letters[0].ID)
	require.Error(t, err, "a dead letter replays at most once")
}

// gateHandler blocks its first invocation until released, so tests can
// interleave pause requests with a running execution.
type gateHandler struct {
	name    string
	release chan struct{}
	calls   atomic.Int64
}

func (h *gateHandler) Name() string                    { return h.name }
func (h *gateHandler) RequiresCredentials() bool       { return false }
func (h *gateHandler) Actions() []providers.ActionSpec { return nil }
func (h *gateHandler) Validate(string, map[string]any) error {
	return nil
}

func (h *gateHandler) Execute(ctx context.Context, inv providers.Invocation) (*schema.ProviderResult, error) {
	if h.calls.Add(1) == 1 {
		select {
		case <-h.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &schema.ProviderResult{Success: true, Output: inv.Params}, nil
}

func TestEngine_PauseAndResume(t *testing.T) {
	h := &gateHandler{name: "gated", release: make(chan struct{})}
	eng, st := newTestEngine(t, h)
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-1", Name: "pausable", UserID: "user-1", Enabled: true,
		Steps: []schema.Step{
			{Order: 1, Provider: "gated", Action: "run"},
			{Order: 2, Provider: "gated", Action: "run"},
		},
	})

	ctx := context.Background()
	type runResult struct {
		exec *schema.Execution
		err  error
	}
	done := make(chan runResult, 1)
	go func() {
		exec, err := eng.RunPlan(ctx, "plan-1", "user-1", nil)
		done <- runResult{exec, err}
	}()

	// Wait for the run to start, then request the pause while step 1 is
	// still blocked on the gate.
	var running *store.Execution
	require.Eventually(t, func() bool {
		execs, err := st.ListExecutions(ctx, store.ExecutionFilter{Status: schema.ExecutionStatusRunning})
		if err != nil || len(execs) == 0 {
			return false
		}
		running = execs[0]
		return true
	}, 5*time.Second, 5*time.Millisecond)

	eng.Pause(running.ID)
	close(h.release)

	res := <-done
	require.NoError(t, res.err)
	exec := res.exec
	require.Equal(t, schema.ExecutionStatusPaused, exec.Status)
	require.Len(t, exec.StepResults, 1)

	stored, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPaused, stored.Status)
	assert.Equal(t, 2, stored.Cursor)

	resumed, err := eng.Resume(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusSuccess, resumed.Status)
	assert.Len(t, resumed.StepResults, 2)

	_, err = eng.Resume(ctx, exec.ID)
	require.Error(t, err, "an execution resumes at most once per pause")
}

func TestEngine_Metrics(t *testing.T) {
	eng, st := newTestEngine(t)
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-ok", Name: "ok", UserID: "user-1", Enabled: true,
		Steps: []schema.Step{{Order: 1, Provider: "echo", Action: "say"}},
	})
	seedEnginePlan(t, st, &store.Plan{
		ID: "plan-bad", Name: "bad", UserID: "user-1", Enabled: true,
		Steps: []schema.Step{{Order: 1, Provider: "echo", Action: "fail", Retry: fastRetry(1)}},
	})

	ctx := context.Background()
	_, err := eng.RunPlan(ctx, "plan-ok", "user-1", nil)
	require.NoError(t, err)
	_, err = eng.RunPlan(ctx, "plan-bad", "user-1", nil)
	require.NoError(t, err)

	metrics, err := eng.Metrics(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.Total)
	assert.Equal(t, 1, metrics.ByStatus[schema.ExecutionStatusSuccess])
	assert.Equal(t, 1, metrics.ByStatus[schema.ExecutionStatusFailed])
	assert.Equal(t, 1, metrics.DeadAwait)
}
