package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kinetiq-dev/kinetiq/internal/events"
	"github.com/kinetiq-dev/kinetiq/internal/store"
	"github.com/kinetiq-dev/kinetiq/pkg/schema"
)

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureSink) Publish(_ context.Context, e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) Events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]events.Event, len(c.events))
	copy(cp, c.events)
	return cp
}

func (c *captureSink) Types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

// seedExecution creates an execution directly in the given state.
func seedExecution(t *testing.T, st store.ExecutionStore, id string, state schema.ExecutionState) {
	t.Helper()
	now := time.Now().UTC()
	exec := &store.Execution{
		ID:           id,
		DefinitionID: "def-" + id,
		CurrentState: state,
		StepResults:  map[string]*schema.StepResult{},
		MaxRetries:   2,
		CreatedAt:    now,
		LastActivity: now,
	}
	if state != schema.StateIdle {
		exec.StartedAt = &now
	}
	require.NoError(t, st.Create(context.Background(), exec))
}

func newTestMachine(t *testing.T, cfg StateMachineConfig) (*StateMachine, *store.MemoryStore, *captureSink) {
	t.Helper()
	st := store.NewMemoryStore()
	sink := &captureSink{}
	return NewStateMachine(st, sink, cfg, nil), st, sink
}
