package order

import (
	"fmt"
	"ordkernel/pkg/cloudevent"
	"time"
)

// JobOrderName is the reserved order_name denoting job-level events.
const JobOrderName = "_job"

// Event types for order/job lifecycle events.
const (
	EventJobStarted     = "kernel.job.started"
	EventJobCompleted   = "kernel.job.completed"
	EventOrderDispatched = "kernel.order.dispatched"
	EventOrderTerminal  = "kernel.order.terminal"
	EventOrderDoomed    = "kernel.order.doomed"
)

// Event is an append-only audit record. Key: (trace_id, "<order_name>:<epoch>").
// Events are never rewritten.
type Event struct {
	TraceID   string         `json:"trace_id"`
	SortKey   string         `json:"sort_key"` // "<order_name>:<epoch_ms>"
	OrderName string         `json:"order_name"`
	EventType string         `json:"event_type"`
	Status    Status         `json:"status,omitempty"`
	FlowID    string         `json:"flow_id"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventBuilder builds append-only OrderEvents and CloudEvents for job/order
// lifecycle notifications, mirroring the shape of a CloudEvent builder but
// keyed by trace/order rather than a single subject.
type EventBuilder struct {
	runID   string
	traceID string
	flowID  string
	source  string
}

// NewEventBuilder creates a builder scoped to a single run.
func NewEventBuilder(runID, traceID, flowID, source string) *EventBuilder {
	return &EventBuilder{runID: runID, traceID: traceID, flowID: flowID, source: source}
}

// sortKey formats the events-table sort key for an order name at now.
func sortKey(orderName string, now time.Time) string {
	return fmt.Sprintf("%s:%d", orderName, now.UnixMilli())
}

// Build creates an Event for orderName (JobOrderName for job-level events).
func (b *EventBuilder) Build(orderName, eventType string, status Status, data map[string]any) Event {
	now := time.Now().UTC()
	return Event{
		TraceID:   b.traceID,
		SortKey:   sortKey(orderName, now),
		OrderName: orderName,
		EventType: eventType,
		Status:    status,
		FlowID:    b.flowID,
		RunID:     b.runID,
		Data:      data,
	}
}

// JobStarted builds the (_job, job_started) event emitted by admission.
func (b *EventBuilder) JobStarted() Event {
	return b.Build(JobOrderName, EventJobStarted, "", nil)
}

// JobCompleted builds the (_job, job_completed, status, summary) event
// emitted by the orchestrator's finalisation step.
func (b *EventBuilder) JobCompleted(status Status, summary Summary) Event {
	return b.Build(JobOrderName, EventJobCompleted, status, map[string]any{
		"summary": summary,
	})
}

// OrderDispatched builds the dispatched order-level event.
func (b *EventBuilder) OrderDispatched(orderName, executionURL string) Event {
	return b.Build(orderName, EventOrderDispatched, StatusRunning, map[string]any{
		"execution_url": executionURL,
	})
}

// OrderTerminal builds the terminal order-level event.
func (b *EventBuilder) OrderTerminal(orderName string, status Status, log string) Event {
	return b.Build(orderName, EventOrderTerminal, status, map[string]any{
		"log": log,
	})
}

// OrderDoomed builds the event for an order transitioned directly to failed
// because a must_succeed dependency ended non-succeeded.
func (b *EventBuilder) OrderDoomed(orderName, dependency string, depStatus Status) Event {
	return b.Build(orderName, EventOrderDoomed, StatusFailed, map[string]any{
		"log": fmt.Sprintf("dependency %s ended as %s", dependency, depStatus),
	})
}

// ToCloudEvent renders an Event as a CloudEvent for delivery through the
// dispatcher, e.g. to EVENTS_SINK.
func (e Event) ToCloudEvent(source string) *cloudevent.CloudEvent {
	data := map[string]any{
		"run_id":     e.RunID,
		"flow_id":    e.FlowID,
		"order_name": e.OrderName,
		"status":     string(e.Status),
	}
	for k, v := range e.Data {
		data[k] = v
	}
	id := fmt.Sprintf("%s-%s", e.TraceID, e.SortKey)
	return cloudevent.New(e.EventType, source, e.RunID, id, data)
}
