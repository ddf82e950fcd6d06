package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Message is the JSON document published to NATS for every lifecycle event.
type Message struct {
	EventID        string                    `json:"event_id"`
	EventType      string                    `json:"event_type"`
	WorkflowID     string                    `json:"workflow_id"`
	ConversationID string                    `json:"conversation_id"`
	OwnerID        string                    `json:"owner_id"`
	Status         repository.WorkflowStatus `json:"status"`
	CurrentStep    int                       `json:"current_step"`
	ActorID        string                    `json:"actor_id,omitempty"`
	IsActionable   bool                      `json:"is_actionable"`
	OccurredAt     time.Time                 `json:"occurred_at"`
	Payload        Payload                   `json:"payload,omitempty"`
}

// NATSForwarder republishes bus events to NATS so out-of-process consumers
// (chat bridge, dashboards) can follow workflow progress.
//
// Subject convention: <prefix>.<event>, e.g. approvals.workflow.step_advanced.
//
// Publish failures are logged and never reach the engine.
type NATSForwarder struct {
	pub    Publisher
	prefix string
	log    *logger.Logger
}

// NewNATSForwarder creates a forwarder publishing under prefix.
func NewNATSForwarder(pub Publisher, prefix string, log *logger.Logger) *NATSForwarder {
	return &NATSForwarder{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    log.Component("nats_forwarder"),
	}
}

// Attach subscribes the forwarder to every event on bus.
func (f *NATSForwarder) Attach(bus Bus) func() {
	return SubscribeAll(bus, f.Forward)
}

// Subject returns the NATS subject for an event name.
func (f *NATSForwarder) Subject(name Name) string {
	short := strings.TrimPrefix(string(name), "workflow:")
	return fmt.Sprintf("%s.%s", f.prefix, short)
}

// Forward publishes one event. The returned error is informational; the bus
// logs it.
func (f *NATSForwarder) Forward(_ context.Context, ev Event) error {
	if f.pub == nil || ev.Workflow == nil {
		return nil
	}

	msg := Message{
		EventID:        ev.ID,
		EventType:      string(ev.Name),
		WorkflowID:     ev.Workflow.WorkflowID,
		ConversationID: ev.Workflow.ConversationID,
		OwnerID:        ev.Workflow.OwnerID,
		Status:         ev.Workflow.Status,
		CurrentStep:    ev.Workflow.CurrentStep,
		ActorID:        ev.Actor,
		IsActionable:   ev.Workflow.Status.IsActionable(),
		OccurredAt:     ev.OccurredAt,
		Payload:        ev.Payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Name, err)
	}

	subject := f.Subject(ev.Name)
	if err := f.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	f.log.Debug().
		Str("subject", subject).
		Str("workflow_id", msg.WorkflowID).
		Msg("Event forwarded")
	return nil
}
