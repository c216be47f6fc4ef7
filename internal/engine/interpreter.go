package engine

import (
	"context"
	"log/slog"
	"sort"
	"strconv"

	"github.com/flowgrid/flowgrid/internal/expressions"
	"github.com/flowgrid/flowgrid/internal/logging"
	"github.com/flowgrid/flowgrid/internal/resolve"
	"github.com/flowgrid/flowgrid/pkg/schema"
)

// budgetFactor bounds total step invocations per interpretation at
// budgetFactor * len(steps), so jump cycles always terminate.
const budgetFactor = 10

// loopDefaultMaxIterations caps loop steps that do not set their own cap.
const loopDefaultMaxIterations = 100

// Outcome is the interpreter's verdict on one (possibly partial) run.
type Outcome struct {
	Status  schema.ExecutionStatus // success, failed, or paused
	Results []schema.StepResult
	Err     *schema.FlowError // set when Status is failed
	Cursor  int               // next step order, meaningful when paused
}

// Interpreter walks a plan's step list, dispatching action steps to
// the StepExecutor and handling condition and loop control flow. It
// owns the cursor state machine only; execution lifecycle is the
// Tracker's concern.
type Interpreter struct {
	executor  *StepExecutor
	predicate expressions.Predicate
	logger    *slog.Logger
}

// NewInterpreter creates an Interpreter. The predicate evaluator backs
// condition steps; pass the CEL engine in production.
func NewInterpreter(executor *StepExecutor, predicate expressions.Predicate, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{executor: executor, predicate: predicate, logger: logger}
}

// runState carries one interpretation's mutable state.
type runState struct {
	steps   []schema.Step // sorted by order
	byOrder map[int]int   // order -> index into steps
	results []schema.StepResult
	budget  int
}

// Run interprets the plan from the step with order fromOrder (0 for a
// fresh run). The paused callback is polled at each step boundary; when
// it reports true the interpreter stops before the next step and
// returns a paused Outcome carrying the resume cursor. priorResults
// seeds the result list when resuming.
func (i *Interpreter) Run(
	ctx context.Context,
	plan *schema.Plan,
	exec *schema.Execution,
	fromOrder int,
	priorResults []schema.StepResult,
	paused func() bool,
) Outcome {
	ctx = logging.WithPlanID(logging.WithExecutionID(ctx, exec.ID), plan.ID)
	log := logging.LogWith(ctx, i.logger)

	st := &runState{
		steps:   sortedSteps(plan.Steps),
		byOrder: make(map[int]int, len(plan.Steps)),
		results: append([]schema.StepResult(nil), priorResults...),
		budget:  budgetFactor * len(plan.Steps),
	}
	for idx, s := range st.steps {
		st.byOrder[s.Order] = idx
	}

	if len(st.steps) == 0 {
		return Outcome{Status: schema.ExecutionStatusSuccess}
	}

	cursor := 0
	if fromOrder > 0 {
		idx, ok := st.byOrder[fromOrder]
		if !ok {
			return i.fail(st, schema.NewErrorf(schema.ErrKindInvalidJumpTarget,
				"resume cursor %d does not match any step", fromOrder))
		}
		cursor = idx
	}

	for cursor < len(st.steps) {
		if err := ctx.Err(); err != nil {
			return i.fail(st, schema.NewError(schema.ErrKindCancelled, "execution cancelled").WithCause(err))
		}
		if paused != nil && paused() {
			log.Info("pausing at step boundary", "next_order", st.steps[cursor].Order)
			return Outcome{
				Status:  schema.ExecutionStatusPaused,
				Results: st.results,
				Cursor:  st.steps[cursor].Order,
			}
		}

		step := st.steps[cursor]
		if st.budget <= 0 {
			return i.fail(st, schema.NewErrorf(schema.ErrKindBudgetExceeded,
				"execution budget of %d step invocations exhausted", budgetFactor*len(st.steps)).
				WithStep(step.Order))
		}

		switch step.Kind() {
		case schema.StepTypeAction:
			st.budget--
			result := i.executor.ExecuteStep(ctx, exec.ID, exec.UserID, step, st.results)
			st.results = append(st.results, result)
			if result.Status == schema.StepStatusFailed && !step.BestEffort {
				return i.fail(st, stepFailure(result))
			}
			cursor++

		case schema.StepTypeCondition:
			st.budget--
			next, result, err := i.runCondition(ctx, step, exec, st)
			st.results = append(st.results, result)
			if err != nil {
				return i.fail(st, err)
			}
			if next >= 0 {
				cursor = next
			} else {
				cursor++
			}

		case schema.StepTypeLoop:
			next, err := i.runLoop(ctx, step, exec, st, cursor)
			if err != nil {
				return i.fail(st, err)
			}
			cursor = next

		default:
			return i.fail(st, schema.NewErrorf(schema.ErrKindValidation,
				"unknown step type %q", step.Type).WithStep(step.Order))
		}
	}

	return Outcome{Status: schema.ExecutionStatusSuccess, Results: st.results}
}

// runCondition evaluates the step's predicate against prior outputs
// and trigger data. Returns the next cursor index (-1 to advance
// normally) plus the StepResult recording the evaluated value.
func (i *Interpreter) runCondition(ctx context.Context, step schema.Step, exec *schema.Execution, st *runState) (int, schema.StepResult, *schema.FlowError) {
	result := schema.StepResult{
		StepOrder:    step.Order,
		Action:       "condition",
		AttemptCount: 1,
	}

	value, err := i.predicate.EvaluateBool(ctx, step.Expression, conditionData(st.results, exec.TriggerData))
	if err != nil {
		result.Status = schema.StepStatusFailed
		result.Error = &schema.ProviderError{Kind: schema.ErrKindValidation, Detail: err.Error()}
		return -1, result, schema.NewErrorf(schema.ErrKindValidation,
			"condition expression %q failed: %s", step.Expression, err.Error()).
			WithStep(step.Order).WithCause(err)
	}

	result.Status = schema.StepStatusSuccess
	result.Output = value

	if value {
		return -1, result, nil
	}

	target, ok := st.byOrder[step.OnFalseJumpTo]
	if !ok {
		return -1, result, schema.NewErrorf(schema.ErrKindInvalidJumpTarget,
			"condition jump target %d does not exist", step.OnFalseJumpTo).WithStep(step.Order)
	}
	return target, result, nil
}

// runLoop resolves the items source and executes the body step once
// per item, up to the iteration cap. Returns the cursor index that
// follows the loop construct.
func (i *Interpreter) runLoop(ctx context.Context, step schema.Step, exec *schema.Execution, st *runState, cursor int) (int, *schema.FlowError) {
	bodyIdx, ok := st.byOrder[step.Body]
	if !ok {
		return 0, schema.NewErrorf(schema.ErrKindInvalidJumpTarget,
			"loop body target %d does not exist", step.Body).WithStep(step.Order)
	}
	body := st.steps[bodyIdx]
	if body.Kind() != schema.StepTypeAction {
		return 0, schema.NewErrorf(schema.ErrKindValidation,
			"loop body must be an action step, got %q", body.Kind()).WithStep(step.Order)
	}

	items := resolveItems(step.ItemsSource, st.results)

	limit := step.MaxIterations
	if limit <= 0 {
		limit = loopDefaultMaxIterations
	}
	if len(items) > limit {
		i.logger.Warn("loop collection exceeds iteration cap, truncating",
			"execution_id", exec.ID, "step_order", step.Order,
			"items", len(items), "cap", limit, "kind", schema.ErrKindLoopCapReached)
		items = items[:limit]
	}

	for idx, item := range items {
		if err := ctx.Err(); err != nil {
			return 0, schema.NewError(schema.ErrKindCancelled, "execution cancelled").WithCause(err)
		}
		if st.budget <= 0 {
			return 0, schema.NewErrorf(schema.ErrKindBudgetExceeded,
				"execution budget of %d step invocations exhausted", budgetFactor*len(st.steps)).
				WithStep(step.Order)
		}
		st.budget--

		iteration := body
		iteration.Params = bindLoopScope(body.Params, item, idx)
		result := i.executor.ExecuteStep(ctx, exec.ID, exec.UserID, iteration, st.results)
		st.results = append(st.results, result)
		if result.Status == schema.StepStatusFailed && !body.BestEffort {
			return 0, stepFailure(result)
		}
	}

	// The body step only runs inside the loop; skip it when it sits
	// directly after the loop in plan order.
	next := cursor + 1
	if bodyIdx >= next {
		next = bodyIdx + 1
	}
	return next, nil
}

func (i *Interpreter) fail(st *runState, err *schema.FlowError) Outcome {
	return Outcome{
		Status:  schema.ExecutionStatusFailed,
		Results: st.results,
		Err:     err,
	}
}

// stepFailure maps a failed StepResult into the execution-level error.
func stepFailure(result schema.StepResult) *schema.FlowError {
	kind := schema.ErrKindProviderPermanent
	detail := "step failed"
	if result.Error != nil {
		kind = result.Error.Kind
		detail = result.Error.Detail
	}
	return schema.NewErrorf(kind, "%s", detail).WithStep(result.StepOrder)
}

// conditionData builds the predicate environment: prior outputs keyed
// by their position, plus the trigger payload.
func conditionData(results []schema.StepResult, triggerData map[string]any) map[string]any {
	steps := make(map[string]any, len(results))
	for idx, r := range results {
		steps[strconv.Itoa(idx)] = r.Output
	}
	trigger := triggerData
	if trigger == nil {
		trigger = map[string]any{}
	}
	return map[string]any{
		"steps":   steps,
		"trigger": trigger,
	}
}

// resolveItems turns a loop's items_source reference into a slice.
// Anything unresolvable or non-collection degrades to an empty slice;
// a loop over nothing is a no-op, not a failure.
func resolveItems(source string, results []schema.StepResult) []any {
	value, ok := resolve.ResolveRef(source, results)
	if !ok || value == nil {
		return nil
	}
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	return items
}

// bindLoopScope overlays the current item and index onto the body
// step's params without mutating the shared plan definition.
func bindLoopScope(params map[string]any, item any, index int) map[string]any {
	scoped := make(map[string]any, len(params)+2)
	for k, v := range params {
		scoped[k] = v
	}
	scoped["item"] = item
	scoped["index"] = index
	return scoped
}

func sortedSteps(steps []schema.Step) []schema.Step {
	out := append([]schema.Step(nil), steps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
