// Package validation checks plan definitions before they are stored or
// executed: structural rules JSON Schema cannot express, control-flow
// target resolution, the inter-step dependency graph, and trigger
// configuration.
package validation

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowgrid/flowgrid/internal/providers"
	"github.com/flowgrid/flowgrid/internal/resolve"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// Validator checks plans against the provider catalog and per-action
// parameter schemas. Safe for concurrent use.
type Validator struct {
	registry *providers.Registry
	params   *ParamsValidator
	parser   cron.Parser
}

// NewValidator creates a Validator bound to the provider registry.
func NewValidator(registry *providers.Registry) *Validator {
	return &Validator{
		registry: registry,
		params:   NewParamsValidator(),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// ValidatePlan runs the full pipeline over a plan definition.
func (v *Validator) ValidatePlan(plan *schema.Plan) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if plan == nil {
		result.AddError("", schema.ErrKindValidation, "plan is nil")
		return result
	}
	if plan.Name == "" {
		result.AddError("name", schema.ErrKindValidation, "plan name is required")
	}

	v.validateSteps(plan, result)
	v.validateTrigger(plan, result)
	return result
}

func (v *Validator) validateSteps(plan *schema.Plan, result *schema.ValidationResult) {
	orders := make(map[int]bool, len(plan.Steps))
	positions := make(map[int]int, len(plan.Steps)) // order -> list position
	for idx, step := range plan.Steps {
		path := fmt.Sprintf("steps[%d]", idx)
		if step.Order < 0 {
			result.AddError(path, schema.ErrKindValidation, "step order must be non-negative")
		}
		if orders[step.Order] {
			result.AddError(path, schema.ErrKindValidation,
				fmt.Sprintf("duplicate step order %d", step.Order))
		}
		orders[step.Order] = true
		positions[step.Order] = idx
	}

	for idx, step := range plan.Steps {
		path := fmt.Sprintf("steps[%d]", idx)
		switch step.Kind() {
		case schema.StepTypeAction:
			v.validateAction(idx, step, path, result)
		case schema.StepTypeCondition:
			if step.Expression == "" {
				result.AddError(path, schema.ErrKindValidation, "condition step requires an expression")
			}
			if !orders[step.OnFalseJumpTo] {
				result.AddError(path, schema.ErrKindInvalidJumpTarget,
					fmt.Sprintf("jump target %d does not match any step order", step.OnFalseJumpTo))
			}
		case schema.StepTypeLoop:
			v.validateLoop(step, path, orders, positions, plan.Steps, result)
		default:
			result.AddError(path, schema.ErrKindValidation,
				fmt.Sprintf("unknown step type %q", step.Type))
		}
	}

	validateDependencies(plan.Steps, result)
}

func (v *Validator) validateAction(position int, step schema.Step, path string, result *schema.ValidationResult) {
	if step.Provider == "" {
		result.AddError(path, schema.ErrKindValidation, "action step requires a provider")
		return
	}
	if step.Action == "" {
		result.AddError(path, schema.ErrKindValidation, "action step requires an action name")
		return
	}
	if !v.registry.Has(step.Provider) {
		// Unknown providers are a warning: the registry may gain the
		// handler before the plan ever runs.
		result.AddWarning(path, schema.ErrKindProviderNotFound,
			fmt.Sprintf("provider %q is not registered", step.Provider))
		return
	}
	if step.Retry != nil {
		validateRetry(step.Retry, path, result)
	}

	// Literal params can be checked against the action's input schema
	// now; params holding step references are only checkable at run time.
	if len(resolve.ExtractRefs(step.Params)) > 0 {
		return
	}
	handler, err := v.registry.Get(step.Provider)
	if err != nil {
		return
	}
	for _, spec := range handler.Actions() {
		if spec.Name != step.Action || len(spec.InputSchema) == 0 {
			continue
		}
		if err := v.params.Validate(step.Params, spec.InputSchema); err != nil {
			result.AddError(path+".params", schema.ErrKindValidation, err.Error())
		}
	}
}

func (v *Validator) validateLoop(step schema.Step, path string, orders map[int]bool, positions map[int]int, steps []schema.Step, result *schema.ValidationResult) {
	if step.ItemsSource == "" {
		result.AddError(path, schema.ErrKindValidation, "loop step requires an items_source reference")
	}
	if step.MaxIterations < 0 {
		result.AddError(path, schema.ErrKindValidation, "max_iterations must be non-negative")
	}
	if !orders[step.Body] {
		result.AddError(path, schema.ErrKindInvalidJumpTarget,
			fmt.Sprintf("loop body target %d does not match any step order", step.Body))
		return
	}
	body := steps[positions[step.Body]]
	if body.Kind() != schema.StepTypeAction {
		result.AddError(path, schema.ErrKindValidation,
			fmt.Sprintf("loop body must be an action step, got %q", body.Kind()))
	}
}

func validateRetry(policy *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if policy.MaxAttempts < 0 {
		result.AddError(path+".retry", schema.ErrKindValidation, "max_attempts must be non-negative")
	}
	for _, d := range []struct{ name, value string }{
		{"base_delay", policy.BaseDelay},
		{"max_delay", policy.MaxDelay},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			result.AddError(path+".retry", schema.ErrKindValidation,
				fmt.Sprintf("%s: invalid duration %q", d.name, d.value))
		}
	}
}

// validateDependencies checks that every ${steps.N...} reference points
// at an earlier position in the plan. Positions address the result list,
// so forward and self references can never resolve.
func validateDependencies(steps []schema.Step, result *schema.ValidationResult) {
	for idx, step := range steps {
		refs := resolve.ExtractRefs(step.Params)
		if step.ItemsSource != "" {
			if loopRefs := resolve.ExtractRefs(map[string]any{"items": step.ItemsSource}); len(loopRefs) > 0 {
				for r := range loopRefs {
					refs[r] = true
				}
			}
		}
		for ref := range refs {
			if ref >= idx {
				result.AddError(fmt.Sprintf("steps[%d]", idx), schema.ErrKindValidation,
					fmt.Sprintf("reference to step index %d is not an earlier step", ref))
			}
		}
	}
}

func (v *Validator) validateTrigger(plan *schema.Plan, result *schema.ValidationResult) {
	trigger := plan.Trigger
	switch trigger.Type {
	case "":
		// Manual-only plans carry no trigger.
	case schema.TriggerTypeScheduled:
		if trigger.CronExpression == "" {
			result.AddError("trigger", schema.ErrKindValidation, "scheduled trigger requires a cron expression")
			return
		}
		if _, err := v.parser.Parse(trigger.CronExpression); err != nil {
			result.AddError("trigger", schema.ErrKindValidation,
				fmt.Sprintf("invalid cron expression %q: %s", trigger.CronExpression, err))
		}
		if trigger.Timezone != "" {
			if _, err := time.LoadLocation(trigger.Timezone); err != nil {
				result.AddError("trigger", schema.ErrKindValidation,
					fmt.Sprintf("unknown timezone %q", trigger.Timezone))
			}
		}
	case schema.TriggerTypeWebhook:
		// Nothing beyond the type itself; the dispatcher checks it at delivery.
	case schema.TriggerTypeConditional:
		if trigger.Event == "" {
			result.AddError("trigger", schema.ErrKindValidation, "conditional trigger requires an event source")
		}
	default:
		result.AddError("trigger", schema.ErrKindValidation,
			fmt.Sprintf("unknown trigger type %q", trigger.Type))
	}
}

// DependencyGraph extracts the inter-step dependency edges implied by
// parameter references: graph[i] lists the earlier positions step i
// reads from.
func DependencyGraph(plan *schema.Plan) map[int][]int {
	graph := make(map[int][]int, len(plan.Steps))
	for idx, step := range plan.Steps {
		refs := resolve.ExtractRefs(step.Params)
		if step.ItemsSource != "" {
			for r := range resolve.ExtractRefs(map[string]any{"items": step.ItemsSource}) {
				refs[r] = true
			}
		}
		if len(refs) == 0 {
			continue
		}
		deps := make([]int, 0, len(refs))
		for r := range refs {
			deps = append(deps, r)
		}
		sort.Ints(deps)
		graph[idx] = deps
	}
	return graph
}
