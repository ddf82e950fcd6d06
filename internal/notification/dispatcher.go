// Package notification fans a workflow's pending step out to the channels
// configured on it. Delivery is best effort: failures are logged and counted
// but never reach the state transition that triggered them.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-escalation-approvals/internal/events"
	"github.com/pesio-ai/be-escalation-approvals/internal/forms"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/metrics"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

// StepNotification describes a step waiting for a decision.
type StepNotification struct {
	WorkflowID       string        `json:"workflowId"`
	ConversationID   string        `json:"conversationId"`
	OwnerID          string        `json:"ownerId"`
	Trigger          events.Name   `json:"trigger"`
	StepIndex        int           `json:"stepIndex"`
	StepNumber       int           `json:"stepNumber"`
	TotalSteps       int           `json:"totalSteps"`
	StepName         string        `json:"stepName"`
	ApproverRole     string        `json:"approverRole"`
	Approver         string        `json:"approver,omitempty"`
	DelegatedFrom    string        `json:"delegatedFrom,omitempty"`
	OriginalMessage  string        `json:"originalMessage"`
	EscalationReason string        `json:"escalationReason"`
	Deadline         *time.Time    `json:"deadline,omitempty"`
	FormFields       []forms.Field `json:"formFields,omitempty"`
}

// Sender delivers a notification over one channel type.
type Sender interface {
	Send(ctx context.Context, ch repository.NotificationChannel, n StepNotification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, ch repository.NotificationChannel, n StepNotification) error

func (f SenderFunc) Send(ctx context.Context, ch repository.NotificationChannel, n StepNotification) error {
	return f(ctx, ch, n)
}

// DashboardSender is a no-op: the dashboard polls workflow state directly.
type DashboardSender struct{}

func (DashboardSender) Send(context.Context, repository.NotificationChannel, StepNotification) error {
	return nil
}

// Dispatcher routes notifications to the sender registered for each channel
// type.
type Dispatcher struct {
	senders map[repository.ChannelType]Sender
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewDispatcher creates a dispatcher with the dashboard sender registered.
func NewDispatcher(log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		senders: map[repository.ChannelType]Sender{
			repository.ChannelDashboard: DashboardSender{},
		},
		metrics: m,
		log:     log.Component("notification_dispatcher"),
	}
}

// Register installs the sender for a channel type, replacing any previous one.
func (d *Dispatcher) Register(t repository.ChannelType, s Sender) {
	d.senders[t] = s
}

// Send delivers n over ch and reports whether it succeeded. Errors are
// logged, never returned.
func (d *Dispatcher) Send(ctx context.Context, ch repository.NotificationChannel, n StepNotification) bool {
	sender, ok := d.senders[ch.Type]
	if !ok {
		d.log.Warn().
			Str("channel", string(ch.Type)).
			Str("workflow_id", n.WorkflowID).
			Msg("No sender registered for notification channel")
		d.metrics.Notification(string(ch.Type), false)
		return false
	}

	if err := sender.Send(ctx, ch, n); err != nil {
		d.log.Warn().Err(err).
			Str("channel", string(ch.Type)).
			Str("target", ch.Target).
			Str("workflow_id", n.WorkflowID).
			Int("step", n.StepIndex).
			Msg("Notification delivery failed (non-fatal)")
		d.metrics.Notification(string(ch.Type), false)
		return false
	}

	d.metrics.Notification(string(ch.Type), true)
	return true
}

// NotifyCurrentStep fans the workflow's current step out to every enabled
// channel. It returns the number of successful deliveries.
func (d *Dispatcher) NotifyCurrentStep(ctx context.Context, wf *repository.Workflow, trigger events.Name) int {
	step := wf.Current()
	if step == nil || !wf.Status.IsActionable() {
		return 0
	}
	if step.Status != repository.StepPending && step.Status != repository.StepDelegated {
		return 0
	}

	n := StepNotification{
		WorkflowID:       wf.WorkflowID,
		ConversationID:   wf.ConversationID,
		OwnerID:          wf.OwnerID,
		Trigger:          trigger,
		StepIndex:        wf.CurrentStep,
		StepNumber:       step.StepNumber,
		TotalSteps:       len(wf.Steps),
		StepName:         step.StepName,
		ApproverRole:     step.ApproverRole,
		Approver:         step.ApproverEmail,
		DelegatedFrom:    step.DelegatedFrom,
		OriginalMessage:  wf.OriginalMessage,
		EscalationReason: wf.EscalationReason,
		Deadline:         wf.Deadline,
		FormFields:       step.FormFields,
	}

	delivered := 0
	for _, ch := range step.NotificationChannels {
		if !ch.Enabled {
			continue
		}
		if d.Send(ctx, ch, n) {
			delivered++
		}
	}
	return delivered
}

// Attach subscribes the dispatcher to the events that leave a step waiting
// for a decision. The first step is always announced; later steps only when
// the workflow's policy asks for per-step notifications.
func (d *Dispatcher) Attach(bus events.Bus) func() {
	notify := func(ctx context.Context, ev events.Event) error {
		if ev.Workflow == nil {
			return fmt.Errorf("event %s has no workflow", ev.Name)
		}
		d.NotifyCurrentStep(ctx, ev.Workflow, ev.Name)
		return nil
	}

	unsubs := []func(){
		bus.Subscribe(events.WorkflowCreated, notify),
		bus.Subscribe(events.WorkflowDelegated, notify),
		bus.Subscribe(events.WorkflowRolledBack, notify),
		bus.Subscribe(events.WorkflowStepAdvanced, func(ctx context.Context, ev events.Event) error {
			if ev.Workflow == nil || !ev.Workflow.Policy.NotifyOnEachStep {
				return nil
			}
			return notify(ctx, ev)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
