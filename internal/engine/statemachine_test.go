package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kinetiq-dev/kinetiq/internal/store"
	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

func TestStateMachine_ValidTransitionChain(t *testing.T) {
	m, st, sink := newTestMachine(t, StateMachineConfig{})
	ctx := context.Background()
	seedExecution(t, st, "exec-1", schema.StateIdle)

	tr, err := m.Transition(ctx, "exec-1", schema.StateRunning, schema.TriggerStart, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.StateIdle, tr.From)
	assert.Equal(t, schema.StateRunning, tr.To)
	assert.Equal(t, schema.TriggerStart, tr.Trigger)

	_, err = m.Transition(ctx, "exec-1", schema.StateWaitingInput, schema.TriggerAwaitInput, nil, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "exec-1", schema.StateRunning, schema.TriggerInputReceived, nil, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "exec-1", schema.StateCompleted, schema.TriggerStepsFinished, nil, nil)
	require.NoError(t, err)

	exec, err := st.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateCompleted, exec.CurrentState)
	require.Len(t, exec.StateHistory, 4)
	assert.NotNil(t, exec.CompletedAt)

	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventExecutionWaiting,
		schema.EventExecutionResumed,
		schema.EventExecutionCompleted,
	}, sink.Types())
}

func TestStateMachine_InvalidTransitionLeavesExecutionUntouched(t *testing.T) {
	m, st, sink := newTestMachine(t, StateMachineConfig{})
	ctx := context.Background()
	seedExecution(t, st, "exec-1", schema.StateIdle)

	_, err := m.Transition(ctx, "exec-1", schema.StateCompleted, schema.TriggerStepsFinished, nil, nil)
	require.Error(t, err)

	var kErr *schema.KinetiqError
	require.True(t, errors.As(err, &kErr))
	assert.Equal(t, schema.ErrCodeInvalidTransition, kErr.Code)
	assert.Contains(t, kErr.Message, "IDLE")
	assert.Contains(t, kErr.Message, "COMPLETED")

	exec, err := st.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateIdle, exec.CurrentState)
	assert.Empty(t, exec.StateHistory)
	assert.Empty(t, sink.Events())
}

func TestStateMachine_TerminalStatesRejectTransitions(t *testing.T) {
	m, st, _ := newTestMachine(t, StateMachineConfig{})
	ctx := context.Background()

	for i, terminal := range []schema.ExecutionState{
		schema.StateCompleted, schema.StateFailed, schema.StateCancelled,
	} {
		id := string(terminal) + "-exec"
		seedExecution(t, st, id, terminal)
		_, err := m.Transition(ctx, id, schema.StateRunning, "t", nil, nil)
		require.Error(t, err, "case %d: transition out of %s must fail", i, terminal)
		assert.True(t, IsTerminalState(terminal))
		assert.Empty(t, m.GetValidTransitions(terminal))
	}
}

func TestStateMachine_GetValidTransitions(t *testing.T) {
	m, _, _ := newTestMachine(t, StateMachineConfig{})

	assert.Equal(t, []schema.ExecutionState{
		schema.StatePlanning, schema.StateRunning, schema.StateCancelled,
	}, m.GetValidTransitions(schema.StateIdle))

	assert.Equal(t, []schema.ExecutionState{
		schema.StateWaitingInput, schema.StateValidating, schema.StateDeploying,
		schema.StateCompleted, schema.StateFailed, schema.StateCancelled,
	}, m.GetValidTransitions(schema.StateRunning))
}

func TestStateMachine_RequiredConditions(t *testing.T) {
	rules := []Rule{
		{From: schema.StateIdle, To: schema.StateRunning, RequiredConditions: []string{"approved"}},
	}
	m, st, _ := newTestMachine(t, StateMachineConfig{Rules: rules})
	seedExecution(t, st, "exec-1", schema.StateIdle)

	exec, err := st.Get(context.Background(), "exec-1")
	require.NoError(t, err)

	assert.False(t, m.ValidateTransition(exec, schema.StateRunning, nil))
	assert.False(t, m.ValidateTransition(exec, schema.StateRunning, map[string]any{"approved": false}))
	assert.True(t, m.ValidateTransition(exec, schema.StateRunning, map[string]any{"approved": true}))
	// Missing rule entirely: never raises, just reports false.
	assert.False(t, m.ValidateTransition(exec, schema.StateDeploying, map[string]any{"approved": true}))
}

func TestStateMachine_WhenExpression(t *testing.T) {
	rules := []Rule{
		{From: schema.StateIdle, To: schema.StateRunning, When: `priority > 3 && env == "prod"`},
	}
	m, st, _ := newTestMachine(t, StateMachineConfig{Rules: rules})
	seedExecution(t, st, "exec-1", schema.StateIdle)

	exec, err := st.Get(context.Background(), "exec-1")
	require.NoError(t, err)

	assert.True(t, m.ValidateTransition(exec, schema.StateRunning,
		map[string]any{"priority": 5, "env": "prod"}))
	assert.False(t, m.ValidateTransition(exec, schema.StateRunning,
		map[string]any{"priority": 1, "env": "prod"}))
	assert.False(t, m.ValidateTransition(exec, schema.StateRunning,
		map[string]any{"priority": 5, "env": "staging"}))
}

func TestStateMachine_TransitionSetsTimestampsAndError(t *testing.T) {
	m, st, _ := newTestMachine(t, StateMachineConfig{})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.Create(ctx, &store.Execution{
		ID:           "exec-1",
		CurrentState: schema.StateIdle,
		StepResults:  map[string]*schema.StepResult{},
		CreatedAt:    now,
		LastActivity: now,
	}))

	_, err := m.Transition(ctx, "exec-1", schema.StateRunning, schema.TriggerStart, nil, nil)
	require.NoError(t, err)
	exec, _ := st.Get(ctx, "exec-1")
	require.NotNil(t, exec.StartedAt)
	assert.Nil(t, exec.CompletedAt)

	_, err = m.Transition(ctx, "exec-1", schema.StateFailed, schema.TriggerStepsFinished,
		nil, map[string]any{"error": "step deploy failed"})
	require.NoError(t, err)
	exec, _ = st.Get(ctx, "exec-1")
	require.NotNil(t, exec.CompletedAt)
	assert.Equal(t, "step deploy failed", exec.ErrorMessage)
}

func TestStateMachine_CanRetry(t *testing.T) {
	m, _, _ := newTestMachine(t, StateMachineConfig{})

	assert.True(t, m.CanRetry(&store.Execution{
		CurrentState: schema.StateFailed, RetryCount: 0, MaxRetries: 2,
	}))
	assert.False(t, m.CanRetry(&store.Execution{
		CurrentState: schema.StateFailed, RetryCount: 2, MaxRetries: 2,
	}))
	assert.False(t, m.CanRetry(&store.Execution{
		CurrentState: schema.StateCompleted, RetryCount: 0, MaxRetries: 2,
	}))
	assert.False(t, m.CanRetry(&store.Execution{
		CurrentState: schema.StateCancelled, RetryCount: 0, MaxRetries: 2,
	}))
}

func TestStateMachine_ResetForRetry(t *testing.T) {
	m, st, sink := newTestMachine(t, StateMachineConfig{})
	ctx := context.Background()
	seedExecution(t, st, "exec-1", schema.StateIdle)

	_, err := m.Transition(ctx, "exec-1", schema.StateRunning, schema.TriggerStart, nil, nil)
	require.NoError(t, err)
	_, err = m.Transition(ctx, "exec-1", schema.StateFailed, schema.TriggerStepsFinished,
		nil, map[string]any{"error": "boom"})
	require.NoError(t, err)

	updated, err := m.ResetForRetry(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StateIdle, updated.CurrentState)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Empty(t, updated.ErrorMessage)
	assert.Nil(t, updated.CompletedAt)

	// History is preserved and the synthetic transition appended.
	require.Len(t, updated.StateHistory, 3)
	last := updated.StateHistory[2]
	assert.Equal(t, schema.StateFailed, last.From)
	assert.Equal(t, schema.StateIdle, last.To)
	assert.Equal(t, schema.TriggerRetry, last.Trigger)

	types := sink.Types()
	assert.Equal(t, schema.EventExecutionRetrying, types[len(types)-1])
}

func TestStateMachine_ResetForRetryExhausted(t *testing.T) {
	m, st, _ := newTestMachine(t, StateMachineConfig{})
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, st.Create(ctx, &store.Execution{
		ID:           "exec-1",
		CurrentState: schema.StateFailed,
		StepResults:  map[string]*schema.StepResult{},
		RetryCount:   2,
		MaxRetries:   2,
		CreatedAt:    now,
		LastActivity: now,
	}))

	_, err := m.ResetForRetry(ctx, "exec-1")
	require.Error(t, err)
	var kErr *schema.KinetiqError
	require.True(t, errors.As(err, &kErr))
	assert.Equal(t, schema.ErrCodeRetryExhausted, kErr.Code)
}

func TestStateMachine_ResetForRetryRejectsCompleted(t *testing.T) {
	m, st, _ := newTestMachine(t, StateMachineConfig{})
	ctx := context.Background()
	seedExecution(t, st, "exec-1", schema.StateCompleted)

	_, err := m.ResetForRetry(ctx, "exec-1")
	require.Error(t, err)
	var kErr *schema.KinetiqError
	require.True(t, errors.As(err, &kErr))
	assert.Equal(t, schema.ErrCodeRetryExhausted, kErr.Code)
}

func TestStateMachine_StateTimeoutFires(t *testing.T) {
	m, st, _ := newTestMachine(t, StateMachineConfig{
		StateTimeouts: map[schema.ExecutionState]time.Duration{
			schema.StateWaitingInput: 30 * time.Millisecond,
		},
	})
	ctx := context.Background()
	seedExecution(t, st, "exec-1", schema.StateRunning)

	var mu sync.Mutex
	var firedID string
	var firedState schema.ExecutionState
	fired := make(chan struct{})
	m.SetTimeoutHandler(func(executionID string, state schema.ExecutionState) {
		mu.Lock()
		firedID, firedState = executionID, state
		mu.Unlock()
		close(fired)
	})

	_, err := m.Transition(ctx, "exec-1", schema.StateWaitingInput, schema.TriggerAwaitInput, nil, nil)
	require.NoError(t, err)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout handler did not fire")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "exec-1", firedID)
	assert.Equal(t, schema.StateWaitingInput, firedState)
}

func TestStateMachine_StateTimeoutCancelledOnExit(t *testing.T) {
	m, st, _ := newTestMachine(t, StateMachineConfig{
		StateTimeouts: map[schema.ExecutionState]time.Duration{
			schema.StateWaitingInput: 50 * time.Millisecond,
		},
	})
	ctx := context.Background()
	seedExecution(t, st, "exec-1", schema.StateRunning)

	fired := make(chan struct{}, 1)
	m.SetTimeoutHandler(func(string, schema.ExecutionState) {
		fired <- struct{}{}
	})

	_, err := m.Transition(ctx, "exec-1", schema.StateWaitingInput, schema.TriggerAwaitInput, nil, nil)
	require.NoError(t, err)
	// Leave the state before the timer expires.
	_, err = m.Transition(ctx, "exec-1", schema.StateRunning, schema.TriggerInputReceived, nil, nil)
	require.NoError(t, err)

	select {
	case <-fired:
		t.Fatal("timer fired after the state was exited")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStateMachine_NoTimerArmedAfterLaterCommit(t *testing.T) {
	// Two transitions can commit in store order but run their timer
	// maintenance in the opposite order. Simulate the late side: the store
	// already holds a terminal commit when the earlier transition's re-arm
	// runs. It must observe the terminal state and leave no timer behind.
	m, st, _ := newTestMachine(t, StateMachineConfig{
		StateTimeouts: map[schema.ExecutionState]time.Duration{
			schema.StateWaitingInput: 50 * time.Millisecond,
		},
	})
	ctx := context.Background()
	seedExecution(t, st, "exec-1", schema.StateRunning)

	_, err := st.Update(ctx, "exec-1", func(exec *store.Execution) error {
		exec.CurrentState = schema.StateCancelled
		return nil
	})
	require.NoError(t, err)

	m.rearm(ctx, "exec-1", schema.StateWaitingInput)

	m.mu.Lock()
	_, armed := m.timers["exec-1"]
	m.mu.Unlock()
	assert.False(t, armed, "stale timer armed against a terminal execution")
}
