package schema

import "time"

// WorkflowDefinition is the immutable template for an execution. It is created
// by the caller, validated once at registration time, and never mutated after
// submission. A single definition may be reused across many executions.
type WorkflowDefinition struct {
	ID              string          `json:"id" yaml:"id"`
	Name            string          `json:"name" yaml:"name"`
	Steps           []StepSpec      `json:"steps" yaml:"steps"`
	Timeout         string          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FailureStrategy FailureStrategy `json:"failure_strategy,omitempty" yaml:"failure_strategy,omitempty"`
	// Parallel controls whether independent steps may run concurrently.
	// Sequential mode processes steps in a deterministic topological order.
	Parallel   bool              `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Tags       map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// StepSpec is a declared unit of work within a definition.
type StepSpec struct {
	ID         string         `json:"id" yaml:"id"`
	Target     string         `json:"target" yaml:"target"`
	Operation  string         `json:"operation" yaml:"operation"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout    string         `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Retry      *RetryPolicy   `json:"retry,omitempty" yaml:"retry,omitempty"`
	// Condition is an optional CEL guard evaluated before dispatch against the
	// scope {steps, params, execution}. A false result skips the step.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	// ResultSelector is an optional jq expression applied to the raw action
	// output before the step result is recorded.
	ResultSelector string `json:"result_selector,omitempty" yaml:"result_selector,omitempty"`
	// AwaitInput pauses the execution in WAITING_INPUT once the step's
	// dependencies are satisfied, until Orchestrator.Continue supplies input.
	AwaitInput bool `json:"await_input,omitempty" yaml:"await_input,omitempty"`
}

// RetryPolicy tunes the delay between step retry attempts. When nil, a fixed
// default delay is applied between attempts.
type RetryPolicy struct {
	Backoff  string `json:"backoff,omitempty" yaml:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Transition is one entry in an execution's append-only state history.
type Transition struct {
	From      ExecutionState `json:"from"`
	To        ExecutionState `json:"to"`
	Timestamp time.Time      `json:"timestamp"`
	Trigger   string         `json:"trigger"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StepResult records the outcome of one step within an execution. The entry is
// replaced (attempt incremented) on retry, never duplicated.
type StepResult struct {
	StepID      string     `json:"step_id"`
	Status      StepStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	Output      any        `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
