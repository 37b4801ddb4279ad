package events

import (
	"context"
	"time"
)

// Event is a progress notification emitted during execution: one per state
// transition and one per step completion.
type Event struct {
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Type        string         `json:"event_type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink consumes execution events. Publish is fire-and-forget: delivery is
// best-effort and the core never blocks on, or fails because of, a sink.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) {}

var _ Sink = NopSink{}
