package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kinetiq-dev/kinetiq/internal/dispatch"
	"github.com/kinetiq-dev/kinetiq/internal/events"
	"github.com/kinetiq-dev/kinetiq/internal/logging"
	"github.com/kinetiq-dev/kinetiq/internal/store"
	"github.com/kinetiq-dev/kinetiq/internal/validation"
	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// DefaultPoolSize bounds concurrent step handlers when Config leaves it unset.
const DefaultPoolSize = 10

// Config tunes the orchestrator.
type Config struct {
	// PoolSize bounds concurrent step handlers across all executions.
	PoolSize int
	// DefaultStepTimeout applies to steps without an explicit timeout.
	DefaultStepTimeout time.Duration
	// DefaultRetryDelay is the backoff between step attempts when the step
	// declares no retry policy.
	DefaultRetryDelay time.Duration
	// StateTimeouts arms a per-execution timer on entering each listed state;
	// expiry forces the execution to FAILED.
	StateTimeouts map[schema.ExecutionState]time.Duration
	// Rules overrides the transition table; nil means DefaultRules.
	Rules []Rule
}

// ExecutionSummary is the read-model returned by GetStatus.
type ExecutionSummary struct {
	ExecutionID  string                           `json:"execution_id"`
	DefinitionID string                           `json:"definition_id"`
	State        schema.ExecutionState            `json:"state"`
	StepResults  map[string]*schema.StepResult    `json:"step_results"`
	RetryCount   int                              `json:"retry_count"`
	CanRetry     bool                             `json:"can_retry"`
	IsRunning    bool                             `json:"is_running"`
	ErrorMessage string                           `json:"error_message,omitempty"`
	Elapsed      time.Duration                    `json:"elapsed"`
	// StateDurations is the accumulated wall time spent in each state.
	StateDurations map[schema.ExecutionState]time.Duration `json:"state_durations"`
	Transitions    []schema.Transition                     `json:"transitions"`
}

// run tracks one live execution: its cancel handle, completion signal, and
// the channel Continue uses to feed AwaitInput steps.
type run struct {
	executionID string
	cancel      context.CancelFunc
	done        chan struct{}
	inputs      chan map[string]any
}

// Orchestrator is the single entry point for running workflows. It composes
// the state machine, step executor, store, and dispatcher, and owns
// workflow-level retry policy.
type Orchestrator struct {
	cfg       Config
	store     store.ExecutionStore
	dispatch  dispatch.Dispatcher
	sink      events.Sink
	machine   *StateMachine
	executor  *StepExecutor
	pool      *StepPool
	validator *validation.Validator
	logger    *slog.Logger

	mu   sync.Mutex
	defs map[string]*schema.WorkflowDefinition
	runs map[string]*run

	shuttingDown bool
}

// New wires an Orchestrator from explicit collaborators. A nil sink discards
// events; a nil logger falls back to slog.Default.
func New(cfg Config, st store.ExecutionStore, disp dispatch.Dispatcher, sink events.Sink, logger *slog.Logger) (*Orchestrator, error) {
	if st == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "execution store is required")
	}
	if disp == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "dispatcher is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	machine := NewStateMachine(st, sink, StateMachineConfig{
		Rules:         cfg.Rules,
		StateTimeouts: cfg.StateTimeouts,
	}, logger)

	pool := NewStepPool(cfg.PoolSize)
	executor, err := NewStepExecutor(st, disp, machine, sink, pool, StepExecutorConfig{
		DefaultStepTimeout: cfg.DefaultStepTimeout,
		DefaultRetryDelay:  cfg.DefaultRetryDelay,
	}, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		dispatch:  disp,
		sink:      sink,
		machine:   machine,
		executor:  executor,
		pool:      pool,
		validator: validation.NewValidator(),
		logger:    logger,
		defs:      make(map[string]*schema.WorkflowDefinition),
		runs:      make(map[string]*run),
	}
	machine.SetTimeoutHandler(o.onStateTimeout)
	return o, nil
}

// RegisterDefinition validates a definition and makes it startable by ID.
// Step parameters are checked against the dispatcher's declared schemas when
// it exposes them.
func (o *Orchestrator) RegisterDefinition(def *schema.WorkflowDefinition) error {
	var source validation.SchemaSource
	if s, ok := o.dispatch.(validation.SchemaSource); ok {
		source = s
	}
	if err := o.validator.ValidateDefinition(def, source); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.defs[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "definition %q already registered", def.ID)
	}
	o.defs[def.ID] = def
	return nil
}

// Definition returns a registered definition by ID.
func (o *Orchestrator) Definition(id string) (*schema.WorkflowDefinition, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.defs[id]
	return def, ok
}

// StartRegistered starts an execution of a previously registered definition.
func (o *Orchestrator) StartRegistered(ctx context.Context, definitionID string, params map[string]any) (string, error) {
	def, ok := o.Definition(definitionID)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "definition not registered: %s", definitionID)
	}
	return o.start(ctx, def, params, false)
}

// Start validates the definition, creates an execution in IDLE, transitions
// it to RUNNING, and launches the step pass in the background. It returns the
// new execution ID immediately; progress is observed through GetStatus and
// the event sink.
func (o *Orchestrator) Start(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any) (string, error) {
	return o.start(ctx, def, params, true)
}

func (o *Orchestrator) start(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any, validate bool) (string, error) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return "", schema.NewError(schema.ErrCodeConflict, "orchestrator is shutting down")
	}
	o.mu.Unlock()

	if validate {
		var source validation.SchemaSource
		if s, ok := o.dispatch.(validation.SchemaSource); ok {
			source = s
		}
		if err := o.validator.ValidateDefinition(def, source); err != nil {
			return "", err
		}
	}

	executionID := uuid.NewString()
	now := time.Now().UTC()

	exec := &store.Execution{
		ID:           executionID,
		DefinitionID: def.ID,
		CurrentState: schema.StateIdle,
		StepResults:  make(map[string]*schema.StepResult, len(def.Steps)),
		Context:      cloneParams(params),
		MaxRetries:   def.MaxRetries,
		CreatedAt:    now,
		LastActivity: now,
	}
	for i := range def.Steps {
		exec.StepResults[def.Steps[i].ID] = &schema.StepResult{
			StepID: def.Steps[i].ID,
			Status: schema.StepPending,
		}
	}

	if err := o.store.Create(ctx, exec); err != nil {
		return "", err
	}

	if _, err := o.machine.Transition(ctx, executionID, schema.StateRunning,
		schema.TriggerStart, nil, nil); err != nil {
		return "", err
	}

	o.launch(def, executionID, schema.TriggerStart)
	return executionID, nil
}

// launch registers a tracked run and starts the background pass. The run
// context is detached from the caller; the execution outlives the Start call.
func (o *Orchestrator) launch(def *schema.WorkflowDefinition, executionID, trigger string) {
	runCtx := context.Background()
	var cancel context.CancelFunc
	if def.Timeout != "" {
		if d, err := time.ParseDuration(def.Timeout); err == nil && d > 0 {
			runCtx, cancel = context.WithTimeout(runCtx, d)
		}
	}
	if cancel == nil {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	r := &run{
		executionID: executionID,
		cancel:      cancel,
		done:        make(chan struct{}),
		inputs:      make(chan map[string]any, 1),
	}

	o.mu.Lock()
	o.runs[executionID] = r
	o.mu.Unlock()

	go o.runExecution(runCtx, def, r, trigger)
}

// runExecution drives step passes until the execution settles, applying the
// workflow-level retry strategy between failed passes.
func (o *Orchestrator) runExecution(ctx context.Context, def *schema.WorkflowDefinition, r *run, trigger string) {
	defer func() {
		r.cancel()
		o.machine.ReleaseTimer(r.executionID)
		o.mu.Lock()
		delete(o.runs, r.executionID)
		o.mu.Unlock()
		close(r.done)
	}()

	log := o.logger.With(slog.String("execution_id", r.executionID),
		slog.String("definition_id", def.ID))
	log.Info("execution started", slog.String("trigger", trigger))

	for {
		err := o.executor.Execute(ctx, def, r.executionID, r.inputs)
		if err == nil {
			log.Info("execution completed")
			return
		}

		var kErr *schema.KinetiqError
		if errors.As(err, &kErr) && kErr.Code == schema.ErrCodeCancelled {
			log.Info("execution cancelled")
			return
		}

		if def.FailureStrategy == schema.FailureRetry && ctx.Err() == nil {
			if _, rerr := o.machine.ResetForRetry(ctx, r.executionID); rerr == nil {
				if _, terr := o.machine.Transition(ctx, r.executionID, schema.StateRunning,
					schema.TriggerRetryStart, nil, nil); terr == nil {
					log.Warn("execution retrying", slog.String("error", err.Error()))
					continue
				}
			}
		}

		log.Error("execution failed", slog.String("error", err.Error()))
		return
	}
}

// Continue delivers input to an execution parked in WAITING_INPUT. The
// payload is merged into the execution context and the waiting step resumes.
func (o *Orchestrator) Continue(ctx context.Context, executionID string, input map[string]any) error {
	snapshot, err := o.store.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if snapshot.CurrentState != schema.StateWaitingInput {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is not waiting for input (state %s)", executionID, snapshot.CurrentState)
	}

	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s has no live run to resume", executionID)
	}

	select {
	case r.inputs <- cloneParams(input):
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s already has input pending", executionID)
	}
}

// Cancel transitions a non-terminal execution to CANCELLED, marks unfinished
// steps skipped, and aborts in-flight work. Returns false without error when
// the execution is already terminal; late results from aborted steps are
// discarded.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) (bool, error) {
	snapshot, err := o.store.Get(ctx, executionID)
	if err != nil {
		return false, err
	}
	if IsTerminalState(snapshot.CurrentState) {
		return false, nil
	}

	// Flip the state first so dispatch loops and late results observe the
	// cancellation, then abort in-flight work.
	if _, err := o.machine.Transition(ctx, executionID, schema.StateCancelled,
		schema.TriggerCancel, nil, nil); err != nil {
		var kErr *schema.KinetiqError
		if errors.As(err, &kErr) && kErr.Code == schema.ErrCodeInvalidTransition {
			return false, nil
		}
		return false, err
	}

	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()
	if ok {
		r.cancel()
	}

	if _, err := o.store.Update(ctx, executionID, func(exec *store.Execution) error {
		for _, sr := range exec.StepResults {
			switch sr.Status {
			case schema.StepPending, schema.StepRunning:
				sr.Status = schema.StepSkipped
				sr.Output = nil
				sr.Error = ""
			}
		}
		return nil
	}); err != nil {
		return true, err
	}

	return true, nil
}

// GetStatus returns a snapshot summary of an execution: state, step ledger,
// retry posture, and per-state timing derived from the transition history.
func (o *Orchestrator) GetStatus(ctx context.Context, executionID string) (*ExecutionSummary, error) {
	snapshot, err := o.store.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	_, isRunning := o.runs[executionID]
	o.mu.Unlock()

	now := time.Now().UTC()
	end := now
	if snapshot.CompletedAt != nil {
		end = *snapshot.CompletedAt
	}

	var elapsed time.Duration
	if snapshot.StartedAt != nil {
		elapsed = end.Sub(*snapshot.StartedAt)
	}

	return &ExecutionSummary{
		ExecutionID:    snapshot.ID,
		DefinitionID:   snapshot.DefinitionID,
		State:          snapshot.CurrentState,
		StepResults:    snapshot.StepResults,
		RetryCount:     snapshot.RetryCount,
		CanRetry:       o.machine.CanRetry(snapshot),
		IsRunning:      isRunning,
		ErrorMessage:   snapshot.ErrorMessage,
		Elapsed:        elapsed,
		StateDurations: stateDurations(snapshot, end),
		Transitions:    snapshot.StateHistory,
	}, nil
}

// Health reports per-target dispatcher health.
func (o *Orchestrator) Health(ctx context.Context) map[string]string {
	report := make(map[string]string)
	for _, target := range o.dispatch.Targets() {
		report[target] = o.dispatch.HealthCheck(ctx, target)
	}
	return report
}

// PoolStats exposes step pool counters for operational visibility.
func (o *Orchestrator) PoolStats() PoolStats {
	return o.pool.Stats()
}

// Shutdown cancels all live executions and waits for their runs to settle,
// bounded by the context. The store is left open; the caller owns it.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = true
	live := make([]*run, 0, len(o.runs))
	for _, r := range o.runs {
		live = append(live, r)
	}
	o.mu.Unlock()

	for _, r := range live {
		r.cancel()
	}
	for _, r := range live {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.pool.Shutdown()
	o.machine.StopAll()
	return nil
}

// onStateTimeout forces an overdue execution to FAILED. Cancellation races
// are benign: the transition is simply rejected.
func (o *Orchestrator) onStateTimeout(executionID string, state schema.ExecutionState) {
	ctx := logging.WithExecutionID(context.Background(), executionID)
	msg := "timeout in state " + string(state)

	if _, err := o.machine.Transition(ctx, executionID, schema.StateFailed,
		schema.TriggerStateTimeout, nil, map[string]any{"error": msg}); err != nil {
		logging.LogWith(ctx, o.logger).Warn("state timeout transition rejected",
			slog.String("state", string(state)),
			slog.String("error", err.Error()))
		return
	}

	o.mu.Lock()
	r, ok := o.runs[executionID]
	o.mu.Unlock()
	if ok {
		r.cancel()
	}
}

// stateDurations accumulates wall time per state from the transition history.
// The state entered by the last transition accrues until end.
func stateDurations(exec *store.Execution, end time.Time) map[schema.ExecutionState]time.Duration {
	durations := make(map[schema.ExecutionState]time.Duration)
	history := exec.StateHistory
	if len(history) == 0 {
		durations[exec.CurrentState] = end.Sub(exec.CreatedAt)
		return durations
	}

	durations[history[0].From] += history[0].Timestamp.Sub(exec.CreatedAt)
	for i := 0; i < len(history)-1; i++ {
		durations[history[i].To] += history[i+1].Timestamp.Sub(history[i].Timestamp)
	}
	last := history[len(history)-1]
	durations[last.To] += end.Sub(last.Timestamp)
	return durations
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
