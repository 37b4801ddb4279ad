package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kinetiq-dev/kinetiq/internal/events"
	"github.com/kinetiq-dev/kinetiq/internal/expressions"
	"github.com/kinetiq-dev/kinetiq/internal/store"
	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// Rule describes one legal state transition. A requested transition is legal
// if at least one matching rule has all of its RequiredConditions present and
// truthy in the supplied conditions map, and its When expression (if any)
// evaluates truthy against that map.
type Rule struct {
	From               schema.ExecutionState
	To                 schema.ExecutionState
	RequiredConditions []string
	// When is an optional expr-lang expression over the conditions map.
	When string
}

// DefaultRules is the built-in transition table. Deployments may replace it
// with a narrower or wider catalogue at construction time.
func DefaultRules() []Rule {
	return []Rule{
		{From: schema.StateIdle, To: schema.StatePlanning},
		{From: schema.StateIdle, To: schema.StateRunning},
		{From: schema.StateIdle, To: schema.StateCancelled},

		{From: schema.StatePlanning, To: schema.StateRunning},
		{From: schema.StatePlanning, To: schema.StateWaitingInput},
		{From: schema.StatePlanning, To: schema.StateFailed},
		{From: schema.StatePlanning, To: schema.StateCancelled},

		{From: schema.StateRunning, To: schema.StateWaitingInput},
		{From: schema.StateRunning, To: schema.StateValidating},
		{From: schema.StateRunning, To: schema.StateDeploying},
		{From: schema.StateRunning, To: schema.StateCompleted},
		{From: schema.StateRunning, To: schema.StateFailed},
		{From: schema.StateRunning, To: schema.StateCancelled},

		{From: schema.StateWaitingInput, To: schema.StateRunning},
		{From: schema.StateWaitingInput, To: schema.StateFailed},
		{From: schema.StateWaitingInput, To: schema.StateCancelled},

		{From: schema.StateValidating, To: schema.StateRunning},
		{From: schema.StateValidating, To: schema.StateDeploying},
		{From: schema.StateValidating, To: schema.StateCompleted},
		{From: schema.StateValidating, To: schema.StateFailed},
		{From: schema.StateValidating, To: schema.StateCancelled},

		{From: schema.StateDeploying, To: schema.StateValidating},
		{From: schema.StateDeploying, To: schema.StateCompleted},
		{From: schema.StateDeploying, To: schema.StateFailed},
		{From: schema.StateDeploying, To: schema.StateCancelled},
	}
}

// IsTerminalState reports whether the state has no outgoing transitions.
func IsTerminalState(state schema.ExecutionState) bool {
	switch state {
	case schema.StateCompleted, schema.StateFailed, schema.StateCancelled:
		return true
	}
	return false
}

// TimeoutHandler is invoked when an execution overstays a state's configured
// timeout. The handler runs on the timer goroutine.
type TimeoutHandler func(executionID string, state schema.ExecutionState)

// StateMachineConfig tunes the transition catalogue and per-state timeouts.
type StateMachineConfig struct {
	// Rules overrides the transition table; nil means DefaultRules.
	Rules []Rule
	// StateTimeouts arms a timer whenever an execution enters a listed state.
	StateTimeouts map[schema.ExecutionState]time.Duration
}

// StateMachine owns the catalogue of valid states, the legal transition
// table, per-state timeout policy, and condition evaluation. It never decides
// retry policy; that lives in the orchestrator.
type StateMachine struct {
	store    store.ExecutionStore
	sink     events.Sink
	rules    map[schema.ExecutionState][]Rule
	timeouts map[schema.ExecutionState]time.Duration
	expr     *expressions.ExprEngine
	logger   *slog.Logger

	mu        sync.Mutex
	timers    map[string]*time.Timer
	onTimeout TimeoutHandler
}

// NewStateMachine creates a StateMachine persisting through the given store
// and publishing transition events to the sink.
func NewStateMachine(st store.ExecutionStore, sink events.Sink, cfg StateMachineConfig, logger *slog.Logger) *StateMachine {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	byFrom := make(map[schema.ExecutionState][]Rule)
	for _, r := range rules {
		byFrom[r.From] = append(byFrom[r.From], r)
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{
		store:    st,
		sink:     sink,
		rules:    byFrom,
		timeouts: cfg.StateTimeouts,
		expr:     expressions.NewExprEngine(),
		logger:   logger,
		timers:   make(map[string]*time.Timer),
	}
}

// SetTimeoutHandler installs the callback fired when a state timeout expires.
// Must be called before any execution enters a state with a timeout.
func (m *StateMachine) SetTimeoutHandler(fn TimeoutHandler) {
	m.mu.Lock()
	m.onTimeout = fn
	m.mu.Unlock()
}

// ValidateTransition reports whether the execution may move to the given
// state under the supplied conditions. Illegal requests are logged, never
// raised.
func (m *StateMachine) ValidateTransition(exec *store.Execution, to schema.ExecutionState, conditions map[string]any) bool {
	if m.legal(exec.CurrentState, to, conditions) {
		return true
	}
	m.logger.Error("invalid transition requested",
		slog.String("execution_id", exec.ID),
		slog.String("from", string(exec.CurrentState)),
		slog.String("to", string(to)),
	)
	return false
}

func (m *StateMachine) legal(from, to schema.ExecutionState, conditions map[string]any) bool {
	for _, r := range m.rules[from] {
		if r.To != to {
			continue
		}
		if m.ruleSatisfied(r, conditions) {
			return true
		}
	}
	return false
}

func (m *StateMachine) ruleSatisfied(r Rule, conditions map[string]any) bool {
	for _, name := range r.RequiredConditions {
		v, ok := conditions[name]
		if !ok || !expressions.Truthy(v) {
			return false
		}
	}
	if r.When != "" {
		out, err := m.expr.Evaluate(context.Background(), r.When, conditions)
		if err != nil {
			m.logger.Error("transition condition evaluation failed",
				slog.String("expression", r.When),
				slog.String("error", err.Error()),
			)
			return false
		}
		if !expressions.Truthy(out) {
			return false
		}
	}
	return true
}

// GetValidTransitions returns the states reachable from the given state,
// in rule declaration order, deduplicated.
func (m *StateMachine) GetValidTransitions(state schema.ExecutionState) []schema.ExecutionState {
	seen := make(map[schema.ExecutionState]bool)
	var out []schema.ExecutionState
	for _, r := range m.rules[state] {
		if !seen[r.To] {
			seen[r.To] = true
			out = append(out, r.To)
		}
	}
	return out
}

// Transition validates and applies a state change, appending a Transition
// record to the execution's history under the store's per-id update contract.
// On success it re-arms the per-state timeout timer and publishes an event.
// The execution is left unchanged when the transition is illegal.
func (m *StateMachine) Transition(ctx context.Context, executionID string, to schema.ExecutionState, trigger string, conditions, metadata map[string]any) (*schema.Transition, error) {
	var tr schema.Transition

	_, err := m.store.Update(ctx, executionID, func(exec *store.Execution) error {
		if !m.legal(exec.CurrentState, to, conditions) {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"invalid transition: %s -> %s", exec.CurrentState, to).
				WithDetails(map[string]any{
					"execution_id": executionID,
					"from":         string(exec.CurrentState),
					"to":           string(to),
					"trigger":      trigger,
				})
		}

		now := time.Now().UTC()
		tr = schema.Transition{
			From:      exec.CurrentState,
			To:        to,
			Timestamp: now,
			Trigger:   trigger,
			Metadata:  metadata,
		}
		exec.StateHistory = append(exec.StateHistory, tr)
		exec.CurrentState = to
		exec.LastActivity = now

		if exec.StartedAt == nil && to != schema.StateIdle {
			exec.StartedAt = &now
		}
		if IsTerminalState(to) {
			exec.CompletedAt = &now
		}
		if msg, ok := metadata["error"].(string); ok && msg != "" {
			exec.ErrorMessage = msg
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.rearm(ctx, executionID, to)
	m.publish(ctx, executionID, tr)
	return &tr, nil
}

// CanRetry reports whether the execution is eligible for a workflow-level
// retry: below its retry cap and not completed or cancelled.
func (m *StateMachine) CanRetry(exec *store.Execution) bool {
	if exec.CurrentState == schema.StateCompleted || exec.CurrentState == schema.StateCancelled {
		return false
	}
	return exec.RetryCount < exec.MaxRetries
}

// ResetForRetry prepares a failed execution for another attempt: increments
// the retry counter, forces the state back to IDLE, clears the error message,
// and appends a synthetic transition tagged with the retry trigger. All prior
// transition and step-result history is preserved. Fails with RETRY_EXHAUSTED
// when the execution is not eligible.
func (m *StateMachine) ResetForRetry(ctx context.Context, executionID string) (*store.Execution, error) {
	updated, err := m.store.Update(ctx, executionID, func(exec *store.Execution) error {
		if !m.CanRetry(exec) {
			return schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"execution %s cannot be retried (state %s, retry %d/%d)",
				executionID, exec.CurrentState, exec.RetryCount, exec.MaxRetries)
		}

		now := time.Now().UTC()
		exec.StateHistory = append(exec.StateHistory, schema.Transition{
			From:      exec.CurrentState,
			To:        schema.StateIdle,
			Timestamp: now,
			Trigger:   schema.TriggerRetry,
		})
		exec.CurrentState = schema.StateIdle
		exec.RetryCount++
		exec.ErrorMessage = ""
		exec.CompletedAt = nil
		exec.LastActivity = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.disarm(executionID)
	m.sink.Publish(ctx, events.Event{
		ExecutionID: executionID,
		Type:        schema.EventExecutionRetrying,
		Payload:     map[string]any{"retry_count": updated.RetryCount},
		Timestamp:   time.Now().UTC(),
	})
	return updated, nil
}

// ReleaseTimer cancels any armed timeout timer for the execution. Called on
// cancellation and shutdown paths that bypass Transition.
func (m *StateMachine) ReleaseTimer(executionID string) {
	m.disarm(executionID)
}

// StopAll cancels every armed timer. Used during shutdown.
func (m *StateMachine) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// --- timers ---

// rearm swaps the execution's timeout timer for the state it just entered.
// The timer the execution carried for its previous state is always stopped;
// a new one is armed only when the state has a configured timeout AND the
// store still shows the execution in that state. The store re-read under the
// timer lock closes the window where a racing transition commits later but
// runs its timer maintenance first, which would otherwise leave a stale timer
// armed against an execution that already moved on.
func (m *StateMachine) rearm(ctx context.Context, executionID string, to schema.ExecutionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.timers[executionID]; ok {
		prev.Stop()
		delete(m.timers, executionID)
	}
	if IsTerminalState(to) {
		return
	}
	d, ok := m.timeouts[to]
	if !ok || d <= 0 {
		return
	}
	cur, err := m.store.Get(ctx, executionID)
	if err != nil || cur.CurrentState != to {
		return
	}
	m.timers[executionID] = time.AfterFunc(d, func() {
		m.fire(executionID, to)
	})
}

func (m *StateMachine) disarm(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[executionID]; ok {
		t.Stop()
		delete(m.timers, executionID)
	}
}

func (m *StateMachine) fire(executionID string, state schema.ExecutionState) {
	m.mu.Lock()
	delete(m.timers, executionID)
	handler := m.onTimeout
	m.mu.Unlock()

	m.logger.Warn("state timeout expired",
		slog.String("execution_id", executionID),
		slog.String("state", string(state)),
	)
	if handler != nil {
		handler(executionID, state)
	}
}

// --- events ---

func (m *StateMachine) publish(ctx context.Context, executionID string, tr schema.Transition) {
	payload := map[string]any{
		"from":    string(tr.From),
		"to":      string(tr.To),
		"trigger": tr.Trigger,
	}
	if msg, ok := tr.Metadata["error"]; ok {
		payload["error"] = msg
	}
	m.sink.Publish(ctx, events.Event{
		ExecutionID: executionID,
		Type:        eventTypeFor(tr),
		Payload:     payload,
		Timestamp:   tr.Timestamp,
	})
}

func eventTypeFor(tr schema.Transition) string {
	switch tr.To {
	case schema.StateCompleted:
		return schema.EventExecutionCompleted
	case schema.StateFailed:
		if tr.Trigger == schema.TriggerStateTimeout || tr.Trigger == schema.TriggerTimeout {
			return schema.EventExecutionTimedOut
		}
		return schema.EventExecutionFailed
	case schema.StateCancelled:
		return schema.EventExecutionCancelled
	case schema.StateWaitingInput:
		return schema.EventExecutionWaiting
	case schema.StateRunning:
		if tr.From == schema.StateWaitingInput {
			return schema.EventExecutionResumed
		}
		if tr.Trigger == schema.TriggerRetryStart {
			return schema.EventExecutionRetrying
		}
		return schema.EventExecutionStarted
	default:
		return schema.EventStateTransition
	}
}
