package schema

// ExecutionState represents the lifecycle state of a workflow execution.
type ExecutionState string

const (
	StateIdle         ExecutionState = "IDLE"
	StatePlanning     ExecutionState = "PLANNING"
	StateRunning      ExecutionState = "RUNNING"
	StateWaitingInput ExecutionState = "WAITING_INPUT"
	StateValidating   ExecutionState = "VALIDATING"
	StateDeploying    ExecutionState = "DEPLOYING"
	StateCompleted    ExecutionState = "COMPLETED"
	StateFailed       ExecutionState = "FAILED"
	StateCancelled    ExecutionState = "CANCELLED"
)

// StepStatus represents the lifecycle state of a single step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// FailureStrategy is the workflow-level policy applied after a step exhausts
// its retries.
type FailureStrategy string

const (
	// FailureStop halts remaining steps and fails the execution.
	FailureStop FailureStrategy = "stop"
	// FailureContinue lets independent steps finish for complete diagnostics;
	// the execution still fails if any step failed permanently.
	FailureContinue FailureStrategy = "continue"
	// FailureRetry resets the whole execution and restarts it from IDLE.
	FailureRetry FailureStrategy = "retry"
)

// Transition triggers recorded in the execution's state history.
const (
	TriggerStart         = "start"
	TriggerStepsFinished = "steps_finished"
	TriggerAwaitInput    = "await_input"
	TriggerInputReceived = "input_received"
	TriggerCancel        = "cancel"
	TriggerRetry         = "retry"
	TriggerRetryStart    = "retry_start"
	TriggerStateTimeout  = "state_timeout"
	TriggerTimeout       = "execution_timeout"
)

// Event type constants published to the event sink.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionWaiting   = "execution_waiting_input"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionRetrying  = "execution_retrying"
	EventExecutionTimedOut  = "execution_timed_out"
	EventStateTransition    = "state_transition"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
)
