package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kinetiq-dev/kinetiq/internal/dispatch"
	"github.com/kinetiq-dev/kinetiq/internal/events"
	"github.com/kinetiq-dev/kinetiq/internal/expressions"
	"github.com/kinetiq-dev/kinetiq/internal/logging"
	"github.com/kinetiq-dev/kinetiq/internal/store"
	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// StepExecutorConfig tunes per-step defaults applied when a step spec leaves
// them unset.
type StepExecutorConfig struct {
	DefaultStepTimeout time.Duration
	DefaultRetryDelay  time.Duration
}

// StepExecutor walks a definition's dependency graph and drives each step
// through dispatch, retry, and result recording. It owns no policy beyond a
// single pass: workflow-level retries are the orchestrator's call.
type StepExecutor struct {
	store      store.ExecutionStore
	dispatcher dispatch.Dispatcher
	machine    *StateMachine
	sink       events.Sink
	pool       *StepPool
	guards     *expressions.CELEngine
	selectors  *expressions.GoJQEngine
	cfg        StepExecutorConfig
	logger     *slog.Logger
}

// NewStepExecutor wires a StepExecutor. The pool bounds concurrent step
// handlers across all parallel executions sharing it.
func NewStepExecutor(st store.ExecutionStore, disp dispatch.Dispatcher, machine *StateMachine, sink events.Sink, pool *StepPool, cfg StepExecutorConfig, logger *slog.Logger) (*StepExecutor, error) {
	guards, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = 60 * time.Second
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = time.Second
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		store:      st,
		dispatcher: disp,
		machine:    machine,
		sink:       sink,
		pool:       pool,
		guards:     guards,
		selectors:  expressions.NewGoJQEngine(),
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// executionRun is the per-pass scratch state: a local view of step statuses
// and the first permanent failure, shared between the scheduling loop and the
// worker goroutines.
type executionRun struct {
	def    *schema.WorkflowDefinition
	dag    *DAG
	id     string
	inputs <-chan map[string]any

	mu       sync.Mutex
	statuses map[string]schema.StepStatus
	failure  error
}

func (r *executionRun) status(id string) schema.StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[id]
}

func (r *executionRun) setStatus(id string, st schema.StepStatus) {
	r.mu.Lock()
	r.statuses[id] = st
	r.mu.Unlock()
}

// setFailure records the first permanent step failure of the pass.
func (r *executionRun) setFailure(err error) {
	r.mu.Lock()
	if r.failure == nil {
		r.failure = err
	}
	r.mu.Unlock()
}

func (r *executionRun) failureErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

func (r *executionRun) allSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.statuses {
		if st == schema.StepPending || st == schema.StepRunning {
			return false
		}
	}
	return true
}

// Execute runs one pass over the definition's steps for the given execution.
// The execution must already be RUNNING. On return the execution has been
// transitioned to COMPLETED or FAILED, except when it was cancelled out from
// under the pass, in which case the cancel transition already happened and a
// CANCELLED error is returned. inputs delivers payloads from Continue to
// steps parked on AwaitInput.
func (x *StepExecutor) Execute(ctx context.Context, def *schema.WorkflowDefinition, executionID string, inputs <-chan map[string]any) error {
	ctx = logging.WithExecutionID(ctx, executionID)

	dag, err := BuildDAG(def)
	if err != nil {
		_, terr := x.machine.Transition(ctx, executionID, schema.StateFailed,
			schema.TriggerStepsFinished, nil, map[string]any{"error": err.Error()})
		if terr != nil {
			return terr
		}
		return err
	}

	// A definition with zero steps completes immediately.
	if len(dag.Order) == 0 {
		_, err := x.machine.Transition(ctx, executionID, schema.StateCompleted,
			schema.TriggerStepsFinished, nil, nil)
		return err
	}

	run := &executionRun{
		def:      def,
		dag:      dag,
		id:       executionID,
		inputs:   inputs,
		statuses: make(map[string]schema.StepStatus, len(dag.Order)),
	}
	for _, id := range dag.Order {
		run.statuses[id] = schema.StepPending
	}

	if def.Parallel {
		x.runParallel(ctx, run)
	} else {
		x.runSequential(ctx, run)
	}

	return x.finish(ctx, run)
}

// runSequential processes steps one at a time in the deterministic
// topological order.
func (x *StepExecutor) runSequential(ctx context.Context, run *executionRun) {
	for _, stepID := range run.dag.Order {
		if ctx.Err() != nil {
			return
		}
		step := run.dag.Steps[stepID]

		if run.failureErr() != nil && run.def.FailureStrategy != schema.FailureContinue {
			x.recordSkipped(ctx, run, step, "halted by earlier step failure")
			continue
		}
		if x.depsBlockStep(run, step) {
			x.recordSkipped(ctx, run, step, "dependency failed or was skipped")
			continue
		}

		x.executeStep(ctx, run, step)
	}
}

// runParallel launches every ready step onto the worker pool and settles
// skips as failures cascade. In-flight steps always run to completion; a
// failure under the stop strategy only prevents new launches.
func (x *StepExecutor) runParallel(ctx context.Context, run *executionRun) {
	done := make(chan string, len(run.dag.Order))
	inFlight := 0

	defer func() {
		for inFlight > 0 {
			<-done
			inFlight--
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		x.settleSkips(ctx, run)

		for _, stepID := range run.dag.Order {
			if run.status(stepID) != schema.StepPending || !x.depsSettled(run, stepID) {
				continue
			}
			step := run.dag.Steps[stepID]

			// Reserve before submitting so the next sweep cannot double-launch.
			run.setStatus(stepID, schema.StepRunning)
			if err := x.pool.Submit(ctx, func(wctx context.Context) error {
				defer func() { done <- step.ID }()
				x.executeStep(wctx, run, step)
				return nil
			}); err != nil {
				run.setStatus(stepID, schema.StepPending)
				return
			}
			inFlight++
		}

		if inFlight == 0 {
			if run.allSettled() {
				return
			}
			// No work in flight and nothing ready: every remaining step is
			// gated on a failure cascade the next sweep will settle.
			continue
		}

		select {
		case <-done:
			inFlight--
		case <-ctx.Done():
			return
		}
	}
}

// settleSkips marks pending steps skipped when a dependency failed or was
// skipped, or when an earlier failure halted the pass, cascading until fixed
// point.
func (x *StepExecutor) settleSkips(ctx context.Context, run *executionRun) {
	for changed := true; changed; {
		changed = false
		for _, stepID := range run.dag.Order {
			if run.status(stepID) != schema.StepPending {
				continue
			}
			step := run.dag.Steps[stepID]
			if run.failureErr() != nil && run.def.FailureStrategy != schema.FailureContinue {
				x.recordSkipped(ctx, run, step, "halted by earlier step failure")
				changed = true
				continue
			}
			if x.depsSettled(run, stepID) && x.depsBlockStep(run, step) {
				x.recordSkipped(ctx, run, step, "dependency failed or was skipped")
				changed = true
			}
		}
	}
}

func (x *StepExecutor) depsSettled(run *executionRun, stepID string) bool {
	for _, dep := range run.dag.Deps[stepID] {
		switch run.status(dep) {
		case schema.StepCompleted, schema.StepFailed, schema.StepSkipped:
		default:
			return false
		}
	}
	return true
}

// depsBlockStep reports whether a failed or skipped dependency prevents the
// step from running. The continue strategy still attempts dependents.
func (x *StepExecutor) depsBlockStep(run *executionRun, step *schema.StepSpec) bool {
	if run.def.FailureStrategy == schema.FailureContinue {
		return false
	}
	for _, dep := range step.DependsOn {
		switch run.status(dep) {
		case schema.StepFailed, schema.StepSkipped:
			return true
		}
	}
	return false
}

// executeStep drives a single step: guard, optional input wait, then the
// dispatch/retry loop. All outcomes are recorded through the store.
func (x *StepExecutor) executeStep(ctx context.Context, run *executionRun, step *schema.StepSpec) {
	ctx = logging.WithStepID(ctx, step.ID)

	if step.Condition != "" {
		scope, err := x.buildScope(ctx, run)
		var out any
		if err == nil {
			out, err = x.guards.Evaluate(ctx, step.Condition, scope)
		}
		if err != nil {
			x.recordFailed(ctx, run, step, 1,
				schema.NewErrorf(schema.ErrCodeExpression,
					"condition evaluation failed: %s", err.Error()).
					WithStep(step.ID).WithCause(err))
			return
		}
		if !expressions.Truthy(out) {
			x.recordSkipped(ctx, run, step, "condition evaluated to false")
			return
		}
	}

	if step.AwaitInput {
		if err := x.awaitInput(ctx, run, step); err != nil {
			if ctx.Err() == nil {
				x.recordFailed(ctx, run, step, 1, err)
			}
			return
		}
		// A pure gate step carries no action to dispatch.
		if step.Target == "" {
			x.recordCompleted(ctx, run, step, 1, nil)
			return
		}
	}

	attempt := 1
	for {
		x.recordRunning(ctx, run, step, attempt)

		out, err := x.dispatchStep(ctx, run, step)
		if err == nil && step.ResultSelector != "" {
			out, err = x.applySelector(ctx, step, out)
		}
		if err == nil {
			x.recordCompleted(ctx, run, step, attempt, out)
			return
		}

		if ctx.Err() != nil {
			// The execution is going away; the unfinished step is settled by
			// the cancellation path.
			return
		}

		if attempt <= step.MaxRetries && IsRetryableError(err) {
			logging.LogWith(ctx, x.logger).Warn("step attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("max_retries", step.MaxRetries),
				slog.String("error", err.Error()),
			)
			x.sink.Publish(ctx, events.Event{
				ExecutionID: run.id,
				StepID:      step.ID,
				Type:        schema.EventStepRetrying,
				Payload:     map[string]any{"attempt": attempt, "error": err.Error()},
				Timestamp:   time.Now().UTC(),
			})
			delay := ComputeBackoff(step.Retry, attempt, x.cfg.DefaultRetryDelay)
			if WaitForBackoff(ctx, delay) != nil {
				return
			}
			attempt++
			continue
		}

		x.recordFailed(ctx, run, step, attempt, x.classifyFailure(step, attempt, err))
		return
	}
}

// classifyFailure wraps the terminal step error: RETRY_EXHAUSTED when the
// attempt cap was consumed, STEP_FAILED otherwise.
func (x *StepExecutor) classifyFailure(step *schema.StepSpec, attempt int, err error) error {
	var kErr *schema.KinetiqError
	if step.MaxRetries > 0 && attempt > step.MaxRetries {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"step %s failed after %d attempts: %s", step.ID, attempt, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	if errors.As(err, &kErr) {
		return kErr.WithStep(step.ID)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed: %s", step.ID, err.Error()).
		WithStep(step.ID).WithCause(err)
}

// awaitInput parks the execution in WAITING_INPUT until Continue delivers a
// payload, merges it into the execution context, and resumes RUNNING.
func (x *StepExecutor) awaitInput(ctx context.Context, run *executionRun, step *schema.StepSpec) error {
	_, err := x.machine.Transition(ctx, run.id, schema.StateWaitingInput,
		schema.TriggerAwaitInput, nil, map[string]any{"step": step.ID})
	if err != nil {
		return err
	}

	select {
	case input, ok := <-run.inputs:
		if !ok {
			return schema.NewErrorf(schema.ErrCodeCancelled, "input channel closed for execution %s", run.id)
		}
		if len(input) > 0 {
			if _, err := x.store.Update(ctx, run.id, func(exec *store.Execution) error {
				if exec.Context == nil {
					exec.Context = make(map[string]any, len(input))
				}
				for k, v := range input {
					exec.Context[k] = v
				}
				return nil
			}); err != nil {
				return err
			}
		}
		_, err := x.machine.Transition(ctx, run.id, schema.StateRunning,
			schema.TriggerInputReceived, nil, map[string]any{"step": step.ID})
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchStep invokes the step's action under its timeout, passing the
// declared parameters plus the execution-scoped payload.
func (x *StepExecutor) dispatchStep(ctx context.Context, run *executionRun, step *schema.StepSpec) (map[string]any, error) {
	timeout := x.cfg.DefaultStepTimeout
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	snapshot, err := x.store.Get(ctx, run.id)
	if err != nil {
		return nil, err
	}
	execCtx := map[string]any{
		"execution_id": run.id,
		"step_id":      step.ID,
		"params":       snapshot.Context,
		"steps":        completedOutputs(snapshot),
	}

	out, err := x.dispatcher.Execute(stepCtx,
		dispatch.Action{Target: step.Target, Operation: step.Operation},
		step.Parameters, execCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"step %s timed out after %s", step.ID, timeout).
			WithStep(step.ID).WithCause(err)
	}
	return out, err
}

// applySelector runs the step's jq result selector over the raw action output.
func (x *StepExecutor) applySelector(ctx context.Context, step *schema.StepSpec, out map[string]any) (map[string]any, error) {
	selected, err := x.selectors.Evaluate(ctx, step.ResultSelector, out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"result selector failed for step %s: %s", step.ID, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	if m, ok := selected.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"result": selected}, nil
}

// buildScope assembles the guard evaluation scope from a store snapshot.
func (x *StepExecutor) buildScope(ctx context.Context, run *executionRun) (map[string]any, error) {
	snapshot, err := x.store.Get(ctx, run.id)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"steps":  completedOutputs(snapshot),
		"params": snapshot.Context,
		"execution": map[string]any{
			"id":          snapshot.ID,
			"state":       string(snapshot.CurrentState),
			"retry_count": snapshot.RetryCount,
		},
	}, nil
}

func completedOutputs(exec *store.Execution) map[string]any {
	outputs := make(map[string]any, len(exec.StepResults))
	for id, sr := range exec.StepResults {
		if sr.Status == schema.StepCompleted {
			outputs[id] = sr.Output
		}
	}
	return outputs
}

// finish settles the pass outcome: unfinished steps are marked skipped on
// cancellation or timeout, and the terminal transition is applied.
func (x *StepExecutor) finish(ctx context.Context, run *executionRun) error {
	snapshot, err := x.store.Get(context.WithoutCancel(ctx), run.id)
	if err != nil {
		return err
	}

	if snapshot.CurrentState == schema.StateCancelled {
		x.skipUnfinished(context.WithoutCancel(ctx), run, "execution cancelled")
		return schema.NewErrorf(schema.ErrCodeCancelled, "execution %s cancelled", run.id)
	}

	if ctx.Err() != nil {
		bg := context.WithoutCancel(ctx)
		x.skipUnfinished(bg, run, "execution aborted")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg := "workflow timed out"
			if _, terr := x.machine.Transition(bg, run.id, schema.StateFailed,
				schema.TriggerTimeout, nil, map[string]any{"error": msg}); terr != nil {
				return terr
			}
			return schema.NewError(schema.ErrCodeTimeout, msg).WithCause(ctx.Err())
		}
		return schema.NewErrorf(schema.ErrCodeCancelled,
			"execution %s aborted: %s", run.id, ctx.Err().Error())
	}

	if failure := run.failureErr(); failure != nil {
		x.skipUnfinished(ctx, run, "halted by earlier step failure")
		if _, terr := x.machine.Transition(ctx, run.id, schema.StateFailed,
			schema.TriggerStepsFinished, nil, map[string]any{"error": failure.Error()}); terr != nil {
			return terr
		}
		return failure
	}

	_, err = x.machine.Transition(ctx, run.id, schema.StateCompleted,
		schema.TriggerStepsFinished, nil, nil)
	return err
}

// skipUnfinished persists a skipped status for every step that never reached
// a terminal status in this pass. Runs even against terminal executions:
// settling the step ledger is part of teardown, unlike late handler results,
// which are discarded.
func (x *StepExecutor) skipUnfinished(ctx context.Context, run *executionRun, reason string) {
	_, err := x.store.Update(ctx, run.id, func(exec *store.Execution) error {
		if exec.StepResults == nil {
			exec.StepResults = make(map[string]*schema.StepResult, len(run.dag.Order))
		}
		for _, stepID := range run.dag.Order {
			sr, ok := exec.StepResults[stepID]
			if !ok {
				sr = &schema.StepResult{StepID: stepID}
				exec.StepResults[stepID] = sr
			}
			switch sr.Status {
			case schema.StepCompleted, schema.StepFailed, schema.StepSkipped:
				continue
			}
			sr.Status = schema.StepSkipped
			sr.Output = nil
			sr.Error = ""
		}
		return nil
	})
	if err != nil {
		logging.LogWith(ctx, x.logger).Error("failed to settle skipped steps",
			slog.String("error", err.Error()))
		return
	}
	for _, stepID := range run.dag.Order {
		switch run.status(stepID) {
		case schema.StepPending, schema.StepRunning:
			run.setStatus(stepID, schema.StepSkipped)
			x.publishStep(ctx, run.id, stepID, schema.EventStepSkipped, map[string]any{"reason": reason})
		}
	}
}

// --- step result recording ---

// updateStep mutates one step result under the store lock. Terminal
// executions discard the write: a result landing after cancellation must not
// alter the settled ledger.
func (x *StepExecutor) updateStep(ctx context.Context, executionID, stepID string, fn func(sr *schema.StepResult)) bool {
	applied := false
	_, err := x.store.Update(ctx, executionID, func(exec *store.Execution) error {
		if IsTerminalState(exec.CurrentState) {
			return nil
		}
		if exec.StepResults == nil {
			exec.StepResults = make(map[string]*schema.StepResult)
		}
		sr, ok := exec.StepResults[stepID]
		if !ok {
			sr = &schema.StepResult{StepID: stepID}
			exec.StepResults[stepID] = sr
		}
		fn(sr)
		exec.LastActivity = time.Now().UTC()
		applied = true
		return nil
	})
	if err != nil {
		logging.LogWith(ctx, x.logger).Error("failed to record step result",
			slog.String("step_id", stepID),
			slog.String("error", err.Error()))
		return false
	}
	return applied
}

func (x *StepExecutor) recordRunning(ctx context.Context, run *executionRun, step *schema.StepSpec, attempt int) {
	now := time.Now().UTC()
	x.updateStep(ctx, run.id, step.ID, func(sr *schema.StepResult) {
		sr.Status = schema.StepRunning
		sr.Attempt = attempt
		sr.Error = ""
		sr.Output = nil
		sr.CompletedAt = nil
		if attempt == 1 {
			sr.StartedAt = &now
		}
	})
	run.setStatus(step.ID, schema.StepRunning)
	if attempt == 1 {
		x.publishStep(ctx, run.id, step.ID, schema.EventStepStarted, map[string]any{"attempt": attempt})
	}
}

func (x *StepExecutor) recordCompleted(ctx context.Context, run *executionRun, step *schema.StepSpec, attempt int, output any) {
	now := time.Now().UTC()
	applied := x.updateStep(ctx, run.id, step.ID, func(sr *schema.StepResult) {
		sr.Status = schema.StepCompleted
		sr.Attempt = attempt
		sr.Output = output
		sr.Error = ""
		sr.CompletedAt = &now
		if sr.StartedAt == nil {
			sr.StartedAt = &now
		}
	})
	run.setStatus(step.ID, schema.StepCompleted)
	if applied {
		x.publishStep(ctx, run.id, step.ID, schema.EventStepCompleted, map[string]any{"attempt": attempt})
	}
}

func (x *StepExecutor) recordFailed(ctx context.Context, run *executionRun, step *schema.StepSpec, attempt int, failure error) {
	now := time.Now().UTC()
	applied := x.updateStep(ctx, run.id, step.ID, func(sr *schema.StepResult) {
		sr.Status = schema.StepFailed
		sr.Attempt = attempt
		sr.Error = failure.Error()
		sr.CompletedAt = &now
		if sr.StartedAt == nil {
			sr.StartedAt = &now
		}
	})
	run.setStatus(step.ID, schema.StepFailed)
	run.setFailure(failure)
	logging.LogWith(ctx, x.logger).Error("step failed",
		slog.Int("attempt", attempt),
		slog.String("error", failure.Error()))
	if applied {
		x.publishStep(ctx, run.id, step.ID, schema.EventStepFailed,
			map[string]any{"attempt": attempt, "error": failure.Error()})
	}
}

func (x *StepExecutor) recordSkipped(ctx context.Context, run *executionRun, step *schema.StepSpec, reason string) {
	x.updateStep(ctx, run.id, step.ID, func(sr *schema.StepResult) {
		sr.Status = schema.StepSkipped
		sr.Output = nil
		sr.Error = ""
	})
	run.setStatus(step.ID, schema.StepSkipped)
	x.publishStep(ctx, run.id, step.ID, schema.EventStepSkipped, map[string]any{"reason": reason})
}

func (x *StepExecutor) publishStep(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	x.sink.Publish(ctx, events.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
}
