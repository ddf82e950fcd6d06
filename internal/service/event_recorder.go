package service

import (
	"context"
	"encoding/json"

	"github.com/pesio-ai/be-escalation-approvals/internal/events"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

// EventRecorder writes every lifecycle event to the append-only event log.
// Write failures are logged and never surface to the engine.
type EventRecorder struct {
	store repository.EventStore
	log   *logger.Logger
}

// NewEventRecorder creates a new EventRecorder.
func NewEventRecorder(store repository.EventStore, log *logger.Logger) *EventRecorder {
	return &EventRecorder{store: store, log: log.Component("event_recorder")}
}

// Attach subscribes the recorder to every event on bus.
func (r *EventRecorder) Attach(bus events.Bus) func() {
	return events.SubscribeAll(bus, r.Record)
}

// Record appends ev to the log. It always returns nil.
func (r *EventRecorder) Record(ctx context.Context, ev events.Event) error {
	if ev.Workflow == nil {
		return nil
	}

	entry := &repository.WorkflowEvent{
		EventID:     ev.ID,
		WorkflowID:  ev.Workflow.WorkflowID,
		EventName:   string(ev.Name),
		Actor:       ev.Actor,
		Status:      ev.Workflow.Status,
		CurrentStep: ev.Workflow.CurrentStep,
		Payload:     payloadMap(ev.Payload),
		OccurredAt:  ev.OccurredAt,
	}

	if err := r.store.Append(ctx, entry); err != nil {
		r.log.Warn().Err(err).
			Str("workflow_id", entry.WorkflowID).
			Str("event", entry.EventName).
			Msg("Failed to write workflow event log entry")
	}
	return nil
}

// ListEvents returns a workflow's recorded events, oldest first.
func (r *EventRecorder) ListEvents(ctx context.Context, workflowID string) ([]*repository.WorkflowEvent, error) {
	return r.store.ListByWorkflowID(ctx, workflowID)
}

func payloadMap(p events.Payload) map[string]any {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
