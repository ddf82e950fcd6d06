// Package events carries workflow lifecycle notifications from the engine to
// in-process subscribers (notification fan-out, event log, NATS forwarding).
package events

import (
	"time"

	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

// Name identifies a lifecycle event.
type Name string

const (
	WorkflowCreated      Name = "workflow:created"
	WorkflowStepAdvanced Name = "workflow:step_advanced"
	WorkflowCompleted    Name = "workflow:completed"
	WorkflowApproved     Name = "workflow:approved"
	WorkflowRejected     Name = "workflow:rejected"
	WorkflowDelegated    Name = "workflow:delegated"
	WorkflowCancelled    Name = "workflow:cancelled"
	WorkflowRolledBack   Name = "workflow:rolled_back"
	WorkflowTimeout      Name = "workflow:timeout"
)

// All lists every event name in lifecycle order.
var All = []Name{
	WorkflowCreated,
	WorkflowStepAdvanced,
	WorkflowCompleted,
	WorkflowApproved,
	WorkflowRejected,
	WorkflowDelegated,
	WorkflowCancelled,
	WorkflowRolledBack,
	WorkflowTimeout,
}

// Payload is the closed set of per-event payload types. Each payload type
// belongs to exactly one event name.
type Payload interface {
	EventName() Name
}

// Event is one published lifecycle event. Workflow is a copy of the committed
// state the event describes; subscribers may read but must not persist it.
type Event struct {
	ID         string
	Name       Name
	Workflow   *repository.Workflow
	Actor      string
	OccurredAt time.Time
	Payload    Payload
}

// New builds an event whose name is taken from the payload.
func New(id string, wf *repository.Workflow, actor string, at time.Time, p Payload) Event {
	return Event{
		ID:         id,
		Name:       p.EventName(),
		Workflow:   wf.Clone(),
		Actor:      actor,
		OccurredAt: at,
		Payload:    p,
	}
}

type Created struct {
	ConversationID string     `json:"conversationId"`
	OwnerID        string     `json:"ownerId"`
	TemplateID     *string    `json:"templateId,omitempty"`
	StepCount      int        `json:"stepCount"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Fallback       bool       `json:"fallback"`
}

// StepAdvanced carries the next step's assignee for notification fan-out.
type StepAdvanced struct {
	FromStep     int    `json:"fromStep"`
	ToStep       int    `json:"toStep"`
	StepName     string `json:"stepName"`
	ApproverRole string `json:"approverRole"`
	Approver     string `json:"approver,omitempty"`
}

type Completed struct {
	CompletedBy string    `json:"completedBy"`
	CompletedAt time.Time `json:"completedAt"`
}

type Approved struct {
	ApprovedBy string `json:"approvedBy"`
	Response   string `json:"response,omitempty"`
}

type Rejected struct {
	RejectedBy string `json:"rejectedBy"`
	Step       int    `json:"step"`
	Reason     string `json:"reason,omitempty"`
}

type Delegated struct {
	Step   int    `json:"step"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type Cancelled struct {
	CancelledBy    string                    `json:"cancelledBy"`
	Reason         string                    `json:"reason,omitempty"`
	PreviousStatus repository.WorkflowStatus `json:"previousStatus"`
}

type RolledBack struct {
	TriggeredBy  string                    `json:"triggeredBy"`
	UndoneAction string                    `json:"undoneAction"`
	FromStatus   repository.WorkflowStatus `json:"fromStatus"`
	FromStep     int                       `json:"fromStep"`
}

type TimedOut struct {
	Deadline time.Time `json:"deadline"`
}

func (Created) EventName() Name      { return WorkflowCreated }
func (StepAdvanced) EventName() Name { return WorkflowStepAdvanced }
func (Completed) EventName() Name    { return WorkflowCompleted }
func (Approved) EventName() Name     { return WorkflowApproved }
func (Rejected) EventName() Name     { return WorkflowRejected }
func (Delegated) EventName() Name    { return WorkflowDelegated }
func (Cancelled) EventName() Name    { return WorkflowCancelled }
func (RolledBack) EventName() Name   { return WorkflowRolledBack }
func (TimedOut) EventName() Name     { return WorkflowTimeout }
