package kernel

import (
	"context"
	"log/slog"
	"ordkernel/internal/dispatcher"
	"ordkernel/internal/order"
)

// EventSinkPublisher adapts the teacher's dispatcher.Dispatcher (buffered,
// retried, circuit-broken CloudEvent delivery) into an EventPublisher,
// rendering each order.Event as a CloudEvent and queuing it for delivery to
// EVENTS_SINK.
type EventSinkPublisher struct {
	dispatcher  dispatcher.Dispatcher
	destination string
	signingKey  string
	source      string
}

// NewEventSinkPublisher constructs an EventSinkPublisher delivering to
// destination, signed with signingKey (empty disables signing).
func NewEventSinkPublisher(d dispatcher.Dispatcher, destination, signingKey string) *EventSinkPublisher {
	return &EventSinkPublisher{dispatcher: d, destination: destination, signingKey: signingKey, source: "kernel/orchestrator"}
}

// Publish implements EventPublisher.
func (p *EventSinkPublisher) Publish(ctx context.Context, e order.Event) {
	if p.destination == "" {
		return
	}
	ce := e.ToCloudEvent(p.source)
	if err := p.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     ce,
		Destination: p.destination,
		SigningKey:  p.signingKey,
	}); err != nil {
		slog.Warn("event sink dispatch failed", "eventType", e.EventType, "runId", e.RunID, "error", err)
	}
}

var _ EventPublisher = (*EventSinkPublisher)(nil)
