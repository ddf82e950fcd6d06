package repository

import (
	"strings"
	"time"

	"github.com/pesio-ai/be-escalation-approvals/internal/forms"
)

// ── Status enums ─────────────────────────────────────────────────────────────

// WorkflowStatus is the lifecycle status of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowInProgress WorkflowStatus = "IN_PROGRESS"
	WorkflowApproved   WorkflowStatus = "APPROVED"
	WorkflowRejected   WorkflowStatus = "REJECTED"
	WorkflowTimeout    WorkflowStatus = "TIMEOUT"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether no further step mutation is permitted.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowApproved, WorkflowRejected, WorkflowTimeout, WorkflowCancelled:
		return true
	}
	return false
}

// IsActionable reports whether approvers can still act on the workflow.
func (s WorkflowStatus) IsActionable() bool {
	return s == WorkflowPending || s == WorkflowInProgress
}

// StepStatus is the runtime status of one materialized step.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepApproved  StepStatus = "APPROVED"
	StepRejected  StepStatus = "REJECTED"
	StepSkipped   StepStatus = "SKIPPED"
	StepDelegated StepStatus = "DELEGATED"
)

// ChannelType identifies a notification channel implementation.
type ChannelType string

const (
	ChannelDashboard ChannelType = "dashboard"
	ChannelChatOps   ChannelType = "chatops"
	ChannelWebhook   ChannelType = "webhook"
)

// Valid reports whether t is a supported channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelDashboard, ChannelChatOps, ChannelWebhook:
		return true
	}
	return false
}

// ── Templates ────────────────────────────────────────────────────────────────

// NotificationChannel is one fan-out target for a step. Target is opaque to
// the engine and interpreted by the channel implementation.
type NotificationChannel struct {
	Type    ChannelType `json:"type"`
	Target  string      `json:"target,omitempty"`
	Enabled bool        `json:"enabled"`
}

// StepDefinition is one stage of a template.
type StepDefinition struct {
	StepNumber           int                   `json:"stepNumber"`
	StepName             string                `json:"stepName"`
	ApproverRole         string                `json:"approverRole"`
	ApproverEmail        string                `json:"approverEmail,omitempty"`
	FormFields           []forms.Field         `json:"formFields,omitempty"`
	NotificationChannels []NotificationChannel `json:"notificationChannels,omitempty"`
}

// ApprovalTemplate is a reusable, owner-scoped step sequence.
type ApprovalTemplate struct {
	TemplateID          string           `json:"templateId"`
	Name                string           `json:"name"`
	Description         string           `json:"description,omitempty"`
	OwnerID             string           `json:"ownerId"`
	Steps               []StepDefinition `json:"steps"`
	GlobalDeadlineHours *int             `json:"globalDeadlineHours,omitempty"`
	AllowDelegation     bool             `json:"allowDelegation"`
	AllowSkip           bool             `json:"allowSkip"`
	NotifyOnEachStep    bool             `json:"notifyOnEachStep"`
	Active              bool             `json:"active"`
	IsDefault           bool             `json:"isDefault"`
	CreatedAt           time.Time        `json:"createdAt"`
	UpdatedAt           time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy.
func (t *ApprovalTemplate) Clone() *ApprovalTemplate {
	if t == nil {
		return nil
	}
	c := *t
	if t.GlobalDeadlineHours != nil {
		h := *t.GlobalDeadlineHours
		c.GlobalDeadlineHours = &h
	}
	c.Steps = make([]StepDefinition, len(t.Steps))
	for i, s := range t.Steps {
		c.Steps[i] = s.clone()
	}
	return &c
}

func (s StepDefinition) clone() StepDefinition {
	c := s
	c.FormFields = append([]forms.Field(nil), s.FormFields...)
	c.NotificationChannels = append([]NotificationChannel(nil), s.NotificationChannels...)
	return c
}

// ── Workflows ────────────────────────────────────────────────────────────────

// WorkflowStep is a materialized copy of a StepDefinition plus runtime state.
type WorkflowStep struct {
	StepDefinition

	Status          StepStatus     `json:"status"`
	ApprovedBy      string         `json:"approvedBy,omitempty"`
	ApprovedAt      *time.Time     `json:"approvedAt,omitempty"`
	RejectedBy      string         `json:"rejectedBy,omitempty"`
	RejectedAt      *time.Time     `json:"rejectedAt,omitempty"`
	Response        string         `json:"response,omitempty"`
	FormResponse    forms.Response `json:"formResponse,omitempty"`
	DelegatedFrom   string         `json:"delegatedFrom,omitempty"`
	DelegatedTo     string         `json:"delegatedTo,omitempty"`
	DelegatedAt     *time.Time     `json:"delegatedAt,omitempty"`
	DelegatedReason string         `json:"delegatedReason,omitempty"`
}

func (s WorkflowStep) clone() WorkflowStep {
	c := s
	c.StepDefinition = s.StepDefinition.clone()
	if s.FormResponse != nil {
		c.FormResponse = make(forms.Response, len(s.FormResponse))
		for k, v := range s.FormResponse {
			c.FormResponse[k] = v
		}
	}
	return c
}

// Actors returns every identity recorded as having acted on the step.
func (s WorkflowStep) Actors() []string {
	var out []string
	for _, a := range []string{s.ApprovedBy, s.RejectedBy, s.DelegatedFrom} {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Policy is the template policy materialized into a workflow at creation.
type Policy struct {
	AllowDelegation  bool `json:"allowDelegation"`
	AllowSkip        bool `json:"allowSkip"`
	NotifyOnEachStep bool `json:"notifyOnEachStep"`
}

// StateSnapshot is one immutable entry of the workflow's snapshot log. It
// records the workflow state right after the action it names.
type StateSnapshot struct {
	Timestamp   time.Time      `json:"timestamp"`
	Status      WorkflowStatus `json:"status"`
	CurrentStep int            `json:"currentStep"`
	State       WorkflowState  `json:"fullStateCopy"`
	TriggeredBy string         `json:"triggeredBy"`
	Action      string         `json:"action"`
}

// WorkflowState is the copy of mutable workflow fields kept in each snapshot.
type WorkflowState struct {
	Status      WorkflowStatus `json:"status"`
	CurrentStep int            `json:"currentStep"`
	Steps       []WorkflowStep `json:"steps"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	CancelledAt *time.Time     `json:"cancelledAt,omitempty"`
}

// Snapshot actions.
const (
	ActionWorkflowCreated    = "workflow_created"
	ActionStepApproved       = "step_approved"
	ActionStepRejected       = "step_rejected"
	ActionApprovalDelegated  = "approval_delegated"
	ActionWorkflowCancelled  = "workflow_cancelled"
	ActionWorkflowRolledBack = "workflow_rolled_back"
	ActionWorkflowTimeout    = "workflow_timeout"
)

// Workflow is a running approval chain for one escalation.
type Workflow struct {
	WorkflowID       string            `json:"workflowId"`
	ConversationID   string            `json:"conversationId"`
	OwnerID          string            `json:"ownerId"`
	Status           WorkflowStatus    `json:"status"`
	TemplateID       *string           `json:"templateId,omitempty"`
	CurrentStep      int               `json:"currentStep"`
	Steps            []WorkflowStep    `json:"steps"`
	Policy           Policy            `json:"policy"`
	OriginalMessage  string            `json:"originalMessage"`
	EscalationReason string            `json:"escalationReason"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Deadline         *time.Time        `json:"deadline,omitempty"`
	StateHistory     []StateSnapshot   `json:"stateHistory"`

	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	CompletedBy     string     `json:"completedBy,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CancelledBy     string     `json:"cancelledBy,omitempty"`
	CancelReason    string     `json:"cancelReason,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`

	// Version increments on every committed update and drives optimistic
	// concurrency in WorkflowStore.Save.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Current returns the current step, or nil when the index is out of range.
func (w *Workflow) Current() *WorkflowStep {
	if w.CurrentStep < 0 || w.CurrentStep >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.CurrentStep]
}

// IsLastStep reports whether the current step is the final one.
func (w *Workflow) IsLastStep() bool {
	return w.CurrentStep == len(w.Steps)-1
}

// CurrentApprover returns the specific identity the current step is assigned
// to, lower-cased, or "" when the step is open to its role.
func (w *Workflow) CurrentApprover() string {
	if step := w.Current(); step != nil {
		return strings.ToLower(step.ApproverEmail)
	}
	return ""
}

// CurrentRole returns the approver role of the current step.
func (w *Workflow) CurrentRole() string {
	if step := w.Current(); step != nil {
		return step.ApproverRole
	}
	return ""
}

// Actors returns the lower-cased, de-duplicated identities that acted on any
// step or cancelled the workflow.
func (w *Workflow) Actors() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(a string) {
		a = strings.ToLower(a)
		if a == "" {
			return
		}
		if _, ok := seen[a]; ok {
			return
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	for _, s := range w.Steps {
		for _, a := range s.Actors() {
			add(a)
		}
	}
	add(w.CancelledBy)
	return out
}

// CaptureState copies the mutable fields into a WorkflowState.
func (w *Workflow) CaptureState() WorkflowState {
	steps := make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		steps[i] = s.clone()
	}
	return WorkflowState{
		Status:      w.Status,
		CurrentStep: w.CurrentStep,
		Steps:       steps,
		Deadline:    copyTime(w.Deadline),
		CompletedAt: copyTime(w.CompletedAt),
		CancelledAt: copyTime(w.CancelledAt),
	}
}

// AppendSnapshot records the current state under the given action.
func (w *Workflow) AppendSnapshot(at time.Time, triggeredBy, action string) {
	w.StateHistory = append(w.StateHistory, StateSnapshot{
		Timestamp:   at,
		Status:      w.Status,
		CurrentStep: w.CurrentStep,
		State:       w.CaptureState(),
		TriggeredBy: triggeredBy,
		Action:      action,
	})
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	if w.TemplateID != nil {
		id := *w.TemplateID
		c.TemplateID = &id
	}
	c.Steps = make([]WorkflowStep, len(w.Steps))
	for i, s := range w.Steps {
		c.Steps[i] = s.clone()
	}
	if w.Metadata != nil {
		c.Metadata = make(map[string]string, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	// Snapshots are immutable once appended, so sharing their step slices is
	// safe; only the outer slice needs its own backing array.
	c.StateHistory = append([]StateSnapshot(nil), w.StateHistory...)
	c.Deadline = copyTime(w.Deadline)
	c.CompletedAt = copyTime(w.CompletedAt)
	c.CancelledAt = copyTime(w.CancelledAt)
	return &c
}

// WorkflowQuery filters workflow listings. Zero-valued fields do not filter.
type WorkflowQuery struct {
	Statuses       []WorkflowStatus
	OwnerID        string
	ConversationID string
	// Approver matches workflows whose current step is assigned to this identity.
	Approver string
	// Roles additionally matches current steps with no specific approver whose
	// role is in the list. Only used together with Approver.
	Roles []string
	// Actor matches workflows where this identity acted on any step.
	Actor string
	// DeadlineBefore matches workflows with a deadline strictly before it.
	DeadlineBefore *time.Time
	Limit          int
}

// WorkflowEvent is one entry of the append-only lifecycle event log.
type WorkflowEvent struct {
	EventID     string         `json:"eventId"`
	WorkflowID  string         `json:"workflowId"`
	EventName   string         `json:"eventName"`
	Actor       string         `json:"actor,omitempty"`
	Status      WorkflowStatus `json:"status"`
	CurrentStep int            `json:"currentStep"`
	Payload     map[string]any `json:"payload,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
