package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishN(h *MemoryHub, executionID, eventType string, n int) {
	for i := 0; i < n; i++ {
		h.Publish(context.Background(), Event{
			ExecutionID: executionID,
			Type:        eventType,
			Timestamp:   time.Now().UTC(),
		})
	}
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestMemoryHub_DeliversToSubscriber(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel := h.Subscribe(Filter{})
	defer cancel()

	h.Publish(context.Background(), Event{
		ExecutionID: "e1",
		StepID:      "s1",
		Type:        "step_completed",
		Payload:     map[string]any{"attempt": 1},
		Timestamp:   time.Now().UTC(),
	})

	select {
	case e := <-ch:
		assert.Equal(t, "e1", e.ExecutionID)
		assert.Equal(t, "s1", e.StepID)
		assert.Equal(t, "step_completed", e.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryHub_FiltersByExecutionID(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel := h.Subscribe(Filter{ExecutionID: "e1"})
	defer cancel()

	publishN(h, "e1", "state_transition", 2)
	publishN(h, "e2", "state_transition", 3)

	got := drain(ch)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.Equal(t, "e1", e.ExecutionID)
	}
}

func TestMemoryHub_FiltersByEventType(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel := h.Subscribe(Filter{EventTypes: []string{"step_failed", "execution_failed"}})
	defer cancel()

	publishN(h, "e1", "step_started", 2)
	publishN(h, "e1", "step_failed", 1)
	publishN(h, "e1", "execution_failed", 1)

	got := drain(ch)
	require.Len(t, got, 2)
	assert.Equal(t, "step_failed", got[0].Type)
	assert.Equal(t, "execution_failed", got[1].Type)
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel := h.Subscribe(Filter{})

	publishN(h, "e1", "state_transition", 1)
	require.Len(t, drain(ch), 1)

	cancel()
	publishN(h, "e1", "state_transition", 1)
	assert.Empty(t, drain(ch))
}

func TestMemoryHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel := h.Subscribe(Filter{})
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		publishN(h, "e1", "state_transition", defaultChannelBuffer+10)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	assert.Len(t, drain(ch), defaultChannelBuffer)
}

func TestMemoryHub_CancelledContextSkipsPublish(t *testing.T) {
	h := NewMemoryHub()
	ch, cancel := h.Subscribe(Filter{})
	defer cancel()

	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()
	h.Publish(ctx, Event{ExecutionID: "e1", Type: "state_transition"})

	assert.Empty(t, drain(ch))
}

func TestMemoryHub_MultipleSubscribersEachReceive(t *testing.T) {
	h := NewMemoryHub()
	ch1, cancel1 := h.Subscribe(Filter{})
	defer cancel1()
	ch2, cancel2 := h.Subscribe(Filter{ExecutionID: "e1"})
	defer cancel2()

	publishN(h, "e1", "step_completed", 1)

	assert.Len(t, drain(ch1), 1)
	assert.Len(t, drain(ch2), 1)
}
