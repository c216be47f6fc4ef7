package schema

// Plan is a stored, user-authored ordered list of steps plus trigger
// configuration. Immutable once an execution starts; mutated only
// between executions.
type Plan struct {
	ID      string  `json:"id"`
	Name    string  `json:"name,omitempty"`
	UserID  string  `json:"user_id"`
	Steps   []Step  `json:"steps"`
	Trigger Trigger `json:"trigger,omitempty"`
	Enabled bool    `json:"enabled"`
}

// StepType enumerates the kinds of steps in a plan.
type StepType string

const (
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeLoop      StepType = "loop"
)

// Step is one unit of work within a plan. The populated fields depend
// on Type: action steps carry Provider/Action/Params, condition steps
// carry Expression/OnFalseJumpTo, loop steps carry ItemsSource,
// MaxIterations and Body.
type Step struct {
	Order int      `json:"order"`
	Type  StepType `json:"type,omitempty"` // default: action

	// Action fields.
	Provider   string         `json:"provider,omitempty"`
	Action     string         `json:"action,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	BestEffort bool           `json:"best_effort,omitempty"` // continue past a failure
	Retry      *RetryPolicy   `json:"retry,omitempty"`

	// Condition fields.
	Expression    string `json:"expression,omitempty"`
	OnFalseJumpTo int    `json:"on_false_jump_to,omitempty"`

	// Loop fields.
	ItemsSource   string `json:"items_source,omitempty"` // ${steps.N.output...} reference
	MaxIterations int    `json:"max_iterations,omitempty"`
	Body          int    `json:"body,omitempty"` // order of the body step
}

// Kind returns the effective step type, defaulting to action.
func (s Step) Kind() StepType {
	if s.Type == "" {
		return StepTypeAction
	}
	return s.Type
}

// TriggerType enumerates how a plan's executions are started.
type TriggerType string

const (
	TriggerTypeScheduled   TriggerType = "scheduled"
	TriggerTypeWebhook     TriggerType = "webhook"
	TriggerTypeConditional TriggerType = "conditional"
)

// Trigger configures how a plan fires. A zero Trigger means the plan
// only runs on manual invocation.
type Trigger struct {
	Type           TriggerType `json:"type,omitempty"`
	CronExpression string      `json:"cron_expression,omitempty"`
	Timezone       string      `json:"timezone,omitempty"` // IANA name, default UTC
	Event          string      `json:"event,omitempty"`    // conditional trigger event source
	Predicate      string      `json:"predicate,omitempty"`
}

// RetryPolicy configures the bounded retry loop around one step's
// provider invocation.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`        // default 3
	BaseDelay   string `json:"base_delay,omitempty"` // e.g. "500ms", doubles each attempt
	MaxDelay    string `json:"max_delay,omitempty"`  // backoff cap
}

// DefaultMaxAttempts is used when a step has no retry policy.
const DefaultMaxAttempts = 3
