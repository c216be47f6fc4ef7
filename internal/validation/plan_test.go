package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgrid/flowgrid/internal/providers"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	reg := providers.NewRegistry(nil)
	require.NoError(t, providers.RegisterBuiltins(reg, providers.HTTPConfig{}))
	return NewValidator(reg)
}

func validPlan() *schema.Plan {
	return &schema.Plan{
		ID:     "plan-1",
		Name:   "standup report",
		UserID: "user-1",
		Steps: []schema.Step{
			{Order: 1, Provider: "echo", Action: "say", Params: map[string]any{"x": 1}},
			{Order: 2, Provider: "echo", Action: "say", Params: map[string]any{"y": "${steps.0.output.x}"}},
		},
	}
}

func TestValidatePlan_Valid(t *testing.T) {
	v := newTestValidator(t)

	result := v.ValidatePlan(validPlan())
	assert.True(t, result.Valid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidatePlan_NilPlan(t *testing.T) {
	v := newTestValidator(t)

	result := v.ValidatePlan(nil)
	assert.False(t, result.Valid())
}

func TestValidatePlan_MissingName(t *testing.T) {
	v := newTestValidator(t)
	plan := validPlan()
	plan.Name = ""

	result := v.ValidatePlan(plan)
	assert.False(t, result.Valid())
}

func TestValidatePlan_DuplicateOrders(t *testing.T) {
	v := newTestValidator(t)
	plan := validPlan()
	plan.Steps[1].Order = 1
	plan.Steps[1].Params = nil

	result := v.ValidatePlan(plan)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate step order")
}

func TestValidatePlan_ConditionJumpTargetMissing(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "branches", Steps: []schema.Step{
		{Order: 1, Type: schema.StepTypeCondition, Expression: "1 > 0", OnFalseJumpTo: 9},
	}}

	result := v.ValidatePlan(plan)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrKindInvalidJumpTarget, result.Errors[0].Kind)
}

func TestValidatePlan_ConditionWithoutExpression(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "branches", Steps: []schema.Step{
		{Order: 1, Type: schema.StepTypeCondition, OnFalseJumpTo: 2},
		{Order: 2, Provider: "echo", Action: "say"},
	}}

	result := v.ValidatePlan(plan)
	assert.False(t, result.Valid())
}

func TestValidatePlan_LoopBodyMissing(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "fanout", Steps: []schema.Step{
		{Order: 1, Type: schema.StepTypeLoop, ItemsSource: "${steps.0.output.items}", Body: 9},
	}}

	result := v.ValidatePlan(plan)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrKindInvalidJumpTarget, result.Errors[0].Kind)
}

func TestValidatePlan_LoopBodyMustBeAction(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "fanout", Steps: []schema.Step{
		{Order: 1, Type: schema.StepTypeLoop, ItemsSource: "${steps.0.output.items}", Body: 2},
		{Order: 2, Type: schema.StepTypeCondition, Expression: "true", OnFalseJumpTo: 1},
	}}

	result := v.ValidatePlan(plan)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "loop body must be an action step")
}

func TestValidatePlan_ForwardReferenceRejected(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "fwd", Steps: []schema.Step{
		{Order: 1, Provider: "echo", Action: "say", Params: map[string]any{"x": "${steps.1.output.y}"}},
		{Order: 2, Provider: "echo", Action: "say"},
	}}

	result := v.ValidatePlan(plan)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "not an earlier step")
}

func TestValidatePlan_SelfReferenceRejected(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "self", Steps: []schema.Step{
		{Order: 1, Provider: "echo", Action: "say", Params: map[string]any{"x": "${steps.0.output.y}"}},
	}}

	result := v.ValidatePlan(plan)
	assert.False(t, result.Valid())
}

func TestValidatePlan_UnknownProviderIsWarning(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "future", Steps: []schema.Step{
		{Order: 1, Provider: "slack", Action: "post"},
	}}

	result := v.ValidatePlan(plan)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, schema.ErrKindProviderNotFound, result.Warnings[0].Kind)
}

func TestValidatePlan_InvalidRetryDurations(t *testing.T) {
	v := newTestValidator(t)
	plan := &schema.Plan{Name: "retry", Steps: []schema.Step{
		{Order: 1, Provider: "echo", Action: "say", Retry: &schema.RetryPolicy{MaxAttempts: 3, BaseDelay: "soon"}},
	}}

	result := v.ValidatePlan(plan)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "invalid duration")
}

func TestValidatePlan_ScheduledTrigger(t *testing.T) {
	v := newTestValidator(t)
	plan := validPlan()
	plan.Trigger = schema.Trigger{Type: schema.TriggerTypeScheduled, CronExpression: "0 9 * * 1-5", Timezone: "Europe/Madrid"}

	assert.True(t, v.ValidatePlan(plan).Valid())

	plan.Trigger.CronExpression = "not cron"
	assert.False(t, v.ValidatePlan(plan).Valid())

	plan.Trigger.CronExpression = "0 9 * * 1-5"
	plan.Trigger.Timezone = "Moon/Crater"
	assert.False(t, v.ValidatePlan(plan).Valid())
}

func TestValidatePlan_ConditionalTriggerRequiresEvent(t *testing.T) {
	v := newTestValidator(t)
	plan := validPlan()
	plan.Trigger = schema.Trigger{Type: schema.TriggerTypeConditional, Predicate: "event.n > 1"}

	result := v.ValidatePlan(plan)
	assert.False(t, result.Valid())
}

func TestValidatePlan_UnknownTriggerType(t *testing.T) {
	v := newTestValidator(t)
	plan := validPlan()
	plan.Trigger = schema.Trigger{Type: "carrier-pigeon"}

	assert.False(t, v.ValidatePlan(plan).Valid())
}

func TestDependencyGraph(t *testing.T) {
	plan := &schema.Plan{Steps: []schema.Step{
		{Order: 1, Provider: "echo", Action: "say", Params: map[string]any{"items": []any{1, 2}}},
		{Order: 2, Provider: "echo", Action: "say", Params: map[string]any{"a": "${steps.0.output.items}"}},
		{Order: 3, Type: schema.StepTypeLoop, ItemsSource: "${steps.1.output.a}", Body: 4},
		{Order: 4, Provider: "echo", Action: "say", Params: map[string]any{
			"x": "${steps.0.output.items}",
			"y": "${steps.1.output.a}",
		}},
	}}

	graph := DependencyGraph(plan)
	assert.Equal(t, map[int][]int{
		1: {0},
		2: {1},
		3: {0, 1},
	}, graph)
}
