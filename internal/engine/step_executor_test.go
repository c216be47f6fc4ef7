package engine

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/providers"
	"github.com/flowgrid/flowgrid/internal/store"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// --- Test doubles shared by the engine package tests ---

// stubVault serves credentials from a map and reports missing ones the
// way the real vault does.
type stubVault struct {
	creds map[string]*schema.Credential
}

func newStubVault() *stubVault {
	return &stubVault{creds: make(map[string]*schema.Credential)}
}

func (v *stubVault) GetCredentials(_ context.Context, userID, provider string) (*schema.Credential, error) {
	if c, ok := v.creds[userID+"/"+provider]; ok {
		return c, nil
	}
	return nil, schema.NewErrorf(schema.ErrKindMissingCredentials,
		"no credentials stored for provider %s", provider)
}

func (v *stubVault) StoreCredentials(_ context.Context, userID, provider string, fields map[string]string) error {
	v.creds[userID+"/"+provider] = &schema.Credential{UserID: userID, Provider: provider, Fields: fields}
	return nil
}

func (v *stubVault) DeleteCredentials(_ context.Context, userID, provider string) error {
	delete(v.creds, userID+"/"+provider)
	return nil
}

// countingHandler records invocations and replays a scripted sequence
// of results. The last result repeats once the script runs out.
type countingHandler struct {
	name      string
	needsCred bool
	calls     atomic.Int64
	results   []*schema.ProviderResult
}

func (h *countingHandler) Name() string                    { return h.name }
func (h *countingHandler) RequiresCredentials() bool       { return h.needsCred }
func (h *countingHandler) Actions() []providers.ActionSpec { return nil }
func (h *countingHandler) Validate(string, map[string]any) error {
	return nil
}

func (h *countingHandler) Execute(_ context.Context, _ providers.Invocation) (*schema.ProviderResult, error) {
	n := int(h.calls.Add(1))
	if n > len(h.results) {
		n = len(h.results)
	}
	return h.results[n-1], nil
}

func transientResult(detail string) *schema.ProviderResult {
	return &schema.ProviderResult{
		Success: false,
		Error:   &schema.ProviderError{Kind: schema.ErrKindProviderTransient, Detail: detail},
	}
}

func permanentResult(detail string) *schema.ProviderResult {
	return &schema.ProviderResult{
		Success: false,
		Error:   &schema.ProviderError{Kind: schema.ErrKindProviderPermanent, Detail: detail},
	}
}

func successResult(output any) *schema.ProviderResult {
	return &schema.ProviderResult{Success: true, Output: output}
}

// fastRetry keeps retry backoff negligible in tests.
func fastRetry(attempts int) *schema.RetryPolicy {
	return &schema.RetryPolicy{MaxAttempts: attempts, BaseDelay: "1ms", MaxDelay: "2ms"}
}

func newTestExecutor(t *testing.T, handlers ...providers.Handler) (*StepExecutor, *store.MemoryStore) {
	t.Helper()
	reg := providers.NewRegistry(nil)
	for _, h := range handlers {
		require.NoError(t, reg.Register(h))
	}
	st := store.NewMemoryStore()
	return NewStepExecutor(reg, newStubVault(), st, nil), st
}

// --- ExecuteStep ---

func TestExecuteStep_SuccessFirstAttempt(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{successResult(map[string]any{"ok": true})}}
	exec, _ := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run",
	}, nil)

	assert.Equal(t, schema.StepStatusSuccess, result.Status)
	assert.Equal(t, 1, result.AttemptCount)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestExecuteStep_TransientRetriesExactlyMaxAttempts(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{transientResult("upstream 503")}}
	exec, _ := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run", Retry: fastRetry(3),
	}, nil)

	assert.Equal(t, schema.StepStatusFailed, result.Status)
	assert.Equal(t, 3, result.AttemptCount)
	assert.EqualValues(t, 3, h.calls.Load())
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrKindMaxRetriesExceeded, result.Error.Kind)
	assert.Equal(t, "upstream 503", result.Error.Detail)
}

func TestExecuteStep_TransientThenSuccess(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{
		transientResult("flaky"),
		successResult("done"),
	}}
	exec, _ := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run", Retry: fastRetry(3),
	}, nil)

	assert.Equal(t, schema.StepStatusSuccess, result.Status)
	assert.Equal(t, 2, result.AttemptCount)
	assert.EqualValues(t, 2, h.calls.Load())
}

func TestExecuteStep_PermanentErrorInvokedOnce(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{permanentResult("bad request")}}
	exec, _ := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run", Retry: fastRetry(5),
	}, nil)

	assert.Equal(t, schema.StepStatusFailed, result.Status)
	assert.Equal(t, 1, result.AttemptCount)
	assert.EqualValues(t, 1, h.calls.Load(), "permanent errors must not be retried")
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrKindProviderPermanent, result.Error.Kind)
}

func TestExecuteStep_SingleAttemptTransientIsMaxRetriesExceeded(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{transientResult("once")}}
	exec, _ := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run", Retry: fastRetry(1),
	}, nil)

	assert.Equal(t, schema.StepStatusFailed, result.Status)
	assert.Equal(t, 1, result.AttemptCount)
	assert.Equal(t, schema.ErrKindMaxRetriesExceeded, result.Error.Kind)
}

func TestExecuteStep_MissingCredentialsShortCircuits(t *testing.T) {
	h := &countingHandler{name: "svc", needsCred: true, results: []*schema.ProviderResult{successResult("never")}}
	exec, _ := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run",
	}, nil)

	assert.Equal(t, schema.StepStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrKindMissingCredentials, result.Error.Kind)
	assert.EqualValues(t, 0, h.calls.Load(), "handler must not run without credentials")
}

// brokenVault fails every lookup with a vault-level error, as a real
// vault does when decryption fails.
type brokenVault struct{}

func (brokenVault) GetCredentials(context.Context, string, string) (*schema.Credential, error) {
	return nil, schema.NewError(schema.ErrKindVault, "decrypt credential: cipher: message authentication failed")
}

func (brokenVault) StoreCredentials(context.Context, string, string, map[string]string) error {
	return nil
}

func (brokenVault) DeleteCredentials(context.Context, string, string) error {
	return nil
}

func TestExecuteStep_VaultFailureKeepsErrorKind(t *testing.T) {
	h := &countingHandler{name: "svc", needsCred: true, results: []*schema.ProviderResult{successResult("never")}}
	reg := providers.NewRegistry(nil)
	require.NoError(t, reg.Register(h))
	exec := NewStepExecutor(reg, brokenVault{}, store.NewMemoryStore(), nil)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run",
	}, nil)

	assert.Equal(t, schema.StepStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrKindVault, result.Error.Kind)
	assert.EqualValues(t, 0, h.calls.Load())
}

func TestExecuteStep_CredentialFreeHandlerRunsWithoutVaultEntry(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{successResult("ok")}}
	exec, _ := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run",
	}, nil)

	assert.Equal(t, schema.StepStatusSuccess, result.Status)
}

func TestExecuteStep_UnknownProvider(t *testing.T) {
	exec, _ := newTestExecutor(t)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "ghost", Action: "run",
	}, nil)

	assert.Equal(t, schema.StepStatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrKindProviderNotFound, result.Error.Kind)
	assert.Equal(t, 1, result.AttemptCount)
}

func TestExecuteStep_ResolvesParamsFromPriorOutputs(t *testing.T) {
	var seen atomic.Value
	h := &recordingHandler{name: "svc", record: &seen}
	exec, _ := newTestExecutor(t, h)

	prior := []schema.StepResult{
		{StepOrder: 0, Status: schema.StepStatusSuccess, Output: map[string]any{"id": "abc-123"}},
	}
	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run",
		Params: map[string]any{"target": "${steps.0.output.id}"},
	}, prior)

	assert.Equal(t, schema.StepStatusSuccess, result.Status)
	params := seen.Load().(providers.Invocation).Params
	assert.Equal(t, "abc-123", params["target"])
}

func TestExecuteStep_PassesIdentityAndPriorOutputs(t *testing.T) {
	var seen atomic.Value
	h := &recordingHandler{name: "svc", record: &seen}
	exec, _ := newTestExecutor(t, h)

	prior := []schema.StepResult{
		{StepOrder: 0, Status: schema.StepStatusSuccess, Output: map[string]any{"id": "abc-123"}},
	}
	result := exec.ExecuteStep(context.Background(), "exec-1", "user-7", schema.Step{
		Order: 1, Provider: "svc", Action: "run",
	}, prior)

	require.Equal(t, schema.StepStatusSuccess, result.Status)
	inv := seen.Load().(providers.Invocation)
	assert.Equal(t, "user-7", inv.UserID)
	require.Len(t, inv.PriorOutputs, 1)
	assert.Equal(t, map[string]any{"id": "abc-123"}, inv.PriorOutputs[0].Output)
}

// recordingHandler stores the invocation it was called with.
type recordingHandler struct {
	name   string
	record *atomic.Value
}

func (h *recordingHandler) Name() string                    { return h.name }
func (h *recordingHandler) RequiresCredentials() bool       { return false }
func (h *recordingHandler) Actions() []providers.ActionSpec { return nil }
func (h *recordingHandler) Validate(string, map[string]any) error {
	return nil
}
func (h *recordingHandler) Execute(_ context.Context, inv providers.Invocation) (*schema.ProviderResult, error) {
	h.record.Store(inv)
	return &schema.ProviderResult{Success: true, Output: inv.Params}, nil
}

func TestExecuteStep_PersistsStepLog(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{
		successResult(map[string]any{"body": strings.Repeat("x", 2000)}),
	}}
	exec, st := newTestExecutor(t, h)

	result := exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 4, Provider: "svc", Action: "run",
	}, nil)
	require.Equal(t, schema.StepStatusSuccess, result.Status)

	logs, err := st.ListStepLogs(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 4, logs[0].StepOrder)
	assert.Equal(t, "svc", logs[0].Provider)
	assert.Equal(t, schema.StepStatusSuccess, logs[0].Status)
	assert.Equal(t, 1, logs[0].AttemptCount)
	assert.LessOrEqual(t, len(logs[0].OutputPreview), stepLogPreviewBytes)
	assert.NotEmpty(t, logs[0].OutputPreview)
}

func TestExecuteStep_FailureLogCarriesErrorKind(t *testing.T) {
	h := &countingHandler{name: "svc", results: []*schema.ProviderResult{permanentResult("nope")}}
	exec, st := newTestExecutor(t, h)

	exec.ExecuteStep(context.Background(), "exec-1", "user-1", schema.Step{
		Order: 1, Provider: "svc", Action: "run",
	}, nil)

	logs, err := st.ListStepLogs(context.Background(), "exec-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, schema.ErrKindProviderPermanent, logs[0].ErrorKind)
	assert.Equal(t, "nope", logs[0].ErrorDetail)
}
