package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/events"
	"github.com/pesio-ai/be-escalation-approvals/internal/forms"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/metrics"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

// TemplateResolver is the read side of the template store used at workflow
// creation. Both lookups return nil, nil when nothing matches.
type TemplateResolver interface {
	FindActiveByID(ctx context.Context, id string) (*repository.ApprovalTemplate, error)
	FindDefault(ctx context.Context, ownerID string) (*repository.ApprovalTemplate, error)
}

// Fallback step used when no template resolves.
const (
	fallbackStepName = "Approval Required"
	fallbackRole     = "support_team"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type CreateWorkflowRequest struct {
	ConversationID     string            `json:"conversationId" validate:"required"`
	OwnerID            string            `json:"ownerId" validate:"required"`
	OriginalMessage    string            `json:"originalMessage"`
	EscalationReason   string            `json:"escalationReason"`
	TemplateID         string            `json:"templateId,omitempty"`
	UseDefaultTemplate bool              `json:"useDefaultTemplate,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// ActionRequest is the input to ApproveStep and RejectStep. StepIndex, when
// set, pins the action to the step the caller saw; if the workflow has moved
// on the action fails with INVALID_STATE instead of deciding the next step.
type ActionRequest struct {
	WorkflowID   string         `json:"workflowId" validate:"required"`
	Approver     string         `json:"approver" validate:"required"`
	Response     string         `json:"response,omitempty"`
	FormResponse forms.Response `json:"formResponse,omitempty"`
	StepIndex    *int           `json:"stepIndex,omitempty" validate:"omitempty,min=0"`
}

type DelegateRequest struct {
	WorkflowID      string `json:"workflowId" validate:"required"`
	CurrentApprover string `json:"currentApprover" validate:"required"`
	DelegateTo      string `json:"delegateTo" validate:"required"`
	Reason          string `json:"reason,omitempty"`
}

// SweepResult summarizes one CheckTimeouts run.
type SweepResult struct {
	Scanned  int
	TimedOut int
	Skipped  int
	Failed   int
}

// ── Engine ───────────────────────────────────────────────────────────────────

// WorkflowEngine is the approval state machine. Every mutator is a single
// read-modify-write against the workflow store; events are published only
// after the new state is committed.
type WorkflowEngine struct {
	workflows        repository.WorkflowStore
	templates        TemplateResolver
	bus              events.Bus
	metrics          *metrics.Metrics
	log              *logger.Logger
	now              func() time.Time
	newID            func() string
	fallbackDeadline time.Duration
}

// EngineOption customizes a WorkflowEngine.
type EngineOption func(*WorkflowEngine)

// WithClock replaces time.Now. Used by tests and the sweeper tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *WorkflowEngine) { e.now = now }
}

func WithIDGenerator(newID func() string) EngineOption {
	return func(e *WorkflowEngine) { e.newID = newID }
}

// WithFallbackDeadline sets the deadline of the fallback single-step flow.
func WithFallbackDeadline(d time.Duration) EngineOption {
	return func(e *WorkflowEngine) {
		if d > 0 {
			e.fallbackDeadline = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *WorkflowEngine) { e.metrics = m }
}

// NewWorkflowEngine creates a new WorkflowEngine. bus may be nil.
func NewWorkflowEngine(
	workflows repository.WorkflowStore,
	templates TemplateResolver,
	bus events.Bus,
	log *logger.Logger,
	opts ...EngineOption,
) *WorkflowEngine {
	e := &WorkflowEngine{
		workflows:        workflows,
		templates:        templates,
		bus:              bus,
		log:              log.Component("workflow_engine"),
		now:              func() time.Time { return time.Now().UTC() },
		newID:            uuid.NewString,
		fallbackDeadline: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ── Creation ─────────────────────────────────────────────────────────────────

// CreateWorkflow instantiates a workflow from the owner's default template,
// the requested template, or the single-step fallback, in that order. A
// missing or inactive template is not an error.
func (e *WorkflowEngine) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*repository.Workflow, error) {
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, errors.InvalidInput("conversationId", "conversation id is required")
	}
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, errors.InvalidInput("ownerId", "owner id is required")
	}

	tpl, err := e.resolveTemplate(ctx, req)
	if err != nil {
		return nil, err
	}

	now := e.now()
	wf := &repository.Workflow{
		WorkflowID:       e.newID(),
		ConversationID:   req.ConversationID,
		OwnerID:          req.OwnerID,
		Status:           repository.WorkflowPending,
		CurrentStep:      0,
		OriginalMessage:  req.OriginalMessage,
		EscalationReason: req.EscalationReason,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if len(req.Metadata) > 0 {
		wf.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			wf.Metadata[k] = v
		}
	}

	if tpl != nil {
		id := tpl.TemplateID
		wf.TemplateID = &id
		wf.Steps = materializeSteps(tpl.Steps)
		wf.Policy = repository.Policy{
			AllowDelegation:  tpl.AllowDelegation,
			AllowSkip:        tpl.AllowSkip,
			NotifyOnEachStep: tpl.NotifyOnEachStep,
		}
		if tpl.GlobalDeadlineHours != nil && *tpl.GlobalDeadlineHours > 0 {
			deadline := now.Add(time.Duration(*tpl.GlobalDeadlineHours) * time.Hour)
			wf.Deadline = &deadline
		}
	} else {
		wf.Steps = materializeSteps([]repository.StepDefinition{fallbackStep()})
		wf.Policy = repository.Policy{AllowDelegation: true, NotifyOnEachStep: true}
		deadline := now.Add(e.fallbackDeadline)
		wf.Deadline = &deadline
	}

	wf.AppendSnapshot(now, req.OwnerID, repository.ActionWorkflowCreated)

	if err := e.workflows.Create(ctx, wf); err != nil {
		e.metrics.ActionError(repository.ActionWorkflowCreated, string(errors.CodeOf(err)))
		return nil, err
	}
	e.metrics.Transition(repository.ActionWorkflowCreated, string(wf.Status))

	e.log.Info().
		Str("workflow_id", wf.WorkflowID).
		Str("conversation_id", wf.ConversationID).
		Str("owner_id", wf.OwnerID).
		Bool("fallback", tpl == nil).
		Int("total_steps", len(wf.Steps)).
		Msg("Approval workflow created")

	e.publish(ctx, wf, req.OwnerID, now, events.Created{
		ConversationID: wf.ConversationID,
		OwnerID:        wf.OwnerID,
		TemplateID:     wf.TemplateID,
		StepCount:      len(wf.Steps),
		Deadline:       wf.Deadline,
		Fallback:       tpl == nil,
	})
	return wf, nil
}

func (e *WorkflowEngine) resolveTemplate(ctx context.Context, req CreateWorkflowRequest) (*repository.ApprovalTemplate, error) {
	var (
		tpl *repository.ApprovalTemplate
		err error
	)
	if req.UseDefaultTemplate {
		tpl, err = e.templates.FindDefault(ctx, req.OwnerID)
		if err != nil {
			return nil, err
		}
		if tpl == nil {
			e.log.Warn().Str("owner_id", req.OwnerID).Msg("No active default template for owner")
		}
	}
	if tpl == nil && req.TemplateID != "" {
		tpl, err = e.templates.FindActiveByID(ctx, req.TemplateID)
		if err != nil {
			return nil, err
		}
		if tpl == nil {
			e.log.Warn().Str("template_id", req.TemplateID).Msg("Template not found or inactive; using fallback step")
		}
	}
	if tpl != nil && tpl.OwnerID != req.OwnerID {
		e.log.Warn().
			Str("template_id", tpl.TemplateID).
			Str("owner_id", req.OwnerID).
			Msg("Template belongs to another owner; using fallback step")
		return nil, nil
	}
	if tpl != nil && len(tpl.Steps) == 0 {
		e.log.Warn().Str("template_id", tpl.TemplateID).Msg("Template has no steps; using fallback step")
		return nil, nil
	}
	return tpl, nil
}

func fallbackStep() repository.StepDefinition {
	return repository.StepDefinition{
		StepNumber:   1,
		StepName:     fallbackStepName,
		ApproverRole: fallbackRole,
		NotificationChannels: []repository.NotificationChannel{
			{Type: repository.ChannelDashboard, Enabled: true},
		},
	}
}

func materializeSteps(defs []repository.StepDefinition) []repository.WorkflowStep {
	copied := (&repository.ApprovalTemplate{Steps: defs}).Clone().Steps
	steps := make([]repository.WorkflowStep, len(copied))
	for i, def := range copied {
		steps[i] = repository.WorkflowStep{StepDefinition: def, Status: repository.StepPending}
	}
	return steps
}

// ── Approve / reject ─────────────────────────────────────────────────────────

// ApproveStep approves the current step. The last approval completes the
// workflow; any other advances it to the next step.
func (e *WorkflowEngine) ApproveStep(ctx context.Context, req ActionRequest) (*repository.Workflow, error) {
	if err := requireAction(req.WorkflowID, "approver", req.Approver); err != nil {
		return nil, err
	}

	return e.mutate(ctx, repository.ActionStepApproved, req.WorkflowID, req.Approver,
		func(wf *repository.Workflow, now time.Time) ([]events.Payload, error) {
			step, err := actionableStep(wf, req.Approver, req.StepIndex)
			if err != nil {
				return nil, err
			}
			if err := forms.Validate(step.FormFields, req.FormResponse); err != nil {
				return nil, err
			}

			step.Status = repository.StepApproved
			step.ApprovedBy = req.Approver
			step.ApprovedAt = &now
			step.Response = req.Response
			step.FormResponse = req.FormResponse

			if wf.IsLastStep() {
				wf.Status = repository.WorkflowApproved
				wf.CompletedAt = &now
				wf.CompletedBy = req.Approver
				wf.AppendSnapshot(now, req.Approver, repository.ActionStepApproved)
				return []events.Payload{
					events.Completed{CompletedBy: req.Approver, CompletedAt: now},
					events.Approved{ApprovedBy: req.Approver, Response: req.Response},
				}, nil
			}

			from := wf.CurrentStep
			wf.CurrentStep++
			wf.Status = repository.WorkflowInProgress
			wf.AppendSnapshot(now, req.Approver, repository.ActionStepApproved)

			next := wf.Current()
			return []events.Payload{events.StepAdvanced{
				FromStep:     from,
				ToStep:       wf.CurrentStep,
				StepName:     next.StepName,
				ApproverRole: next.ApproverRole,
				Approver:     next.ApproverEmail,
			}}, nil
		})
}

// RejectStep rejects the current step. Rejection always ends the workflow.
func (e *WorkflowEngine) RejectStep(ctx context.Context, req ActionRequest) (*repository.Workflow, error) {
	if err := requireAction(req.WorkflowID, "approver", req.Approver); err != nil {
		return nil, err
	}

	return e.mutate(ctx, repository.ActionStepRejected, req.WorkflowID, req.Approver,
		func(wf *repository.Workflow, now time.Time) ([]events.Payload, error) {
			step, err := actionableStep(wf, req.Approver, req.StepIndex)
			if err != nil {
				return nil, err
			}
			// A rejection may omit the form; a supplied one must still be valid.
			if req.FormResponse != nil {
				if err := forms.Validate(step.FormFields, req.FormResponse); err != nil {
					return nil, err
				}
			}

			step.Status = repository.StepRejected
			step.RejectedBy = req.Approver
			step.RejectedAt = &now
			step.Response = req.Response
			step.FormResponse = req.FormResponse

			wf.Status = repository.WorkflowRejected
			wf.CompletedAt = &now
			wf.CompletedBy = req.Approver
			wf.RejectionReason = req.Response
			wf.AppendSnapshot(now, req.Approver, repository.ActionStepRejected)

			return []events.Payload{events.Rejected{
				RejectedBy: req.Approver,
				Step:       wf.CurrentStep,
				Reason:     req.Response,
			}}, nil
		})
}

// ── Delegate ─────────────────────────────────────────────────────────────────

// DelegateApproval reassigns the current step to another approver without
// advancing it.
func (e *WorkflowEngine) DelegateApproval(ctx context.Context, req DelegateRequest) (*repository.Workflow, error) {
	if err := requireAction(req.WorkflowID, "currentApprover", req.CurrentApprover); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.DelegateTo) == "" {
		return nil, errors.InvalidInput("delegateTo", "delegate is required")
	}
	if strings.EqualFold(req.DelegateTo, req.CurrentApprover) {
		return nil, errors.InvalidInput("delegateTo", "cannot delegate to yourself")
	}

	return e.mutate(ctx, repository.ActionApprovalDelegated, req.WorkflowID, req.CurrentApprover,
		func(wf *repository.Workflow, now time.Time) ([]events.Payload, error) {
			if !wf.Status.IsActionable() {
				return nil, errors.InvalidState(fmt.Sprintf("workflow is %s and no longer accepts actions", wf.Status))
			}
			if !wf.Policy.AllowDelegation {
				return nil, errors.DelegationNotAllowed("the workflow's template does not allow delegation")
			}
			step, err := actionableStep(wf, req.CurrentApprover, nil)
			if err != nil {
				return nil, err
			}

			step.Status = repository.StepDelegated
			step.DelegatedFrom = req.CurrentApprover
			step.DelegatedTo = req.DelegateTo
			step.DelegatedAt = &now
			step.DelegatedReason = req.Reason
			step.ApproverEmail = req.DelegateTo
			wf.AppendSnapshot(now, req.CurrentApprover, repository.ActionApprovalDelegated)

			return []events.Payload{events.Delegated{
				Step:   wf.CurrentStep,
				From:   req.CurrentApprover,
				To:     req.DelegateTo,
				Reason: req.Reason,
			}}, nil
		})
}

// ── Cancel ───────────────────────────────────────────────────────────────────

// CancelWorkflow cancels a workflow. Timed-out workflows may still be
// cancelled; approved, rejected and cancelled ones may not.
func (e *WorkflowEngine) CancelWorkflow(ctx context.Context, workflowID, cancelledBy, reason string) (*repository.Workflow, error) {
	if err := requireAction(workflowID, "cancelledBy", cancelledBy); err != nil {
		return nil, err
	}

	return e.mutate(ctx, repository.ActionWorkflowCancelled, workflowID, cancelledBy,
		func(wf *repository.Workflow, now time.Time) ([]events.Payload, error) {
			switch wf.Status {
			case repository.WorkflowApproved, repository.WorkflowRejected, repository.WorkflowCancelled:
				return nil, errors.InvalidState(fmt.Sprintf("workflow cannot be cancelled from status %s", wf.Status))
			}

			previous := wf.Status
			wf.Status = repository.WorkflowCancelled
			wf.CancelledAt = &now
			wf.CancelledBy = cancelledBy
			wf.CancelReason = reason
			wf.AppendSnapshot(now, cancelledBy, repository.ActionWorkflowCancelled)

			return []events.Payload{events.Cancelled{
				CancelledBy:    cancelledBy,
				Reason:         reason,
				PreviousStatus: previous,
			}}, nil
		})
}

// ── Rollback ─────────────────────────────────────────────────────────────────

// RollbackWorkflow undoes the most recent action. The last snapshot is
// popped and the workflow's status and position are restored from the new
// tail. Unlike a plain status/position restore, each step's runtime status
// and active approver (approverEmail) are restored as well, so rolling back a
// delegation hands the step back to the original approver and the delegate
// gets FORBIDDEN. Actor, timestamp and response fields on steps are left as
// they are. The rollback itself is appended as a new snapshot.
func (e *WorkflowEngine) RollbackWorkflow(ctx context.Context, workflowID, triggeredBy string) (*repository.Workflow, error) {
	if err := requireAction(workflowID, "triggeredBy", triggeredBy); err != nil {
		return nil, err
	}

	return e.mutate(ctx, repository.ActionWorkflowRolledBack, workflowID, triggeredBy,
		func(wf *repository.Workflow, now time.Time) ([]events.Payload, error) {
			if len(wf.StateHistory) <= 1 {
				return nil, errors.RollbackUnavailable("no earlier state to roll back to")
			}

			fromStatus, fromStep := wf.Status, wf.CurrentStep
			undone := wf.StateHistory[len(wf.StateHistory)-1]
			wf.StateHistory = wf.StateHistory[:len(wf.StateHistory)-1]
			restoreFrom(wf, wf.StateHistory[len(wf.StateHistory)-1])
			wf.AppendSnapshot(now, triggeredBy, repository.ActionWorkflowRolledBack)

			return []events.Payload{events.RolledBack{
				TriggeredBy:  triggeredBy,
				UndoneAction: undone.Action,
				FromStatus:   fromStatus,
				FromStep:     fromStep,
			}}, nil
		})
}

func restoreFrom(wf *repository.Workflow, snap repository.StateSnapshot) {
	wf.Status = snap.Status
	wf.CurrentStep = snap.CurrentStep
	wf.CompletedAt = snap.State.CompletedAt
	wf.CancelledAt = snap.State.CancelledAt
	for i := range wf.Steps {
		if i >= len(snap.State.Steps) {
			break
		}
		wf.Steps[i].Status = snap.State.Steps[i].Status
		wf.Steps[i].ApproverEmail = snap.State.Steps[i].ApproverEmail
	}
}

// ── Timeouts ─────────────────────────────────────────────────────────────────

// CheckTimeouts moves every actionable workflow whose deadline has passed to
// TIMEOUT. Per-workflow failures are logged and the sweep continues; a
// workflow changed concurrently is skipped and picked up next time if still
// eligible.
func (e *WorkflowEngine) CheckTimeouts(ctx context.Context) (SweepResult, error) {
	now := e.now()
	candidates, err := e.workflows.Find(ctx, repository.WorkflowQuery{
		Statuses:       []repository.WorkflowStatus{repository.WorkflowPending, repository.WorkflowInProgress},
		DeadlineBefore: &now,
	})
	if err != nil {
		return SweepResult{}, err
	}

	res := SweepResult{Scanned: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		_, err := e.mutate(ctx, repository.ActionWorkflowTimeout, c.WorkflowID, "system",
			func(wf *repository.Workflow, at time.Time) ([]events.Payload, error) {
				if !wf.Status.IsActionable() || wf.Deadline == nil || !wf.Deadline.Before(at) {
					return nil, errNotDue
				}
				wf.Status = repository.WorkflowTimeout
				wf.CompletedAt = &at
				wf.AppendSnapshot(at, "system", repository.ActionWorkflowTimeout)
				return []events.Payload{events.TimedOut{Deadline: *wf.Deadline}}, nil
			})

		switch {
		case err == nil:
			res.TimedOut++
		case err == errNotDue:
			res.Skipped++
		case errors.Is(err, errors.ErrCodeConflict):
			res.Skipped++
			e.log.Debug().Str("workflow_id", c.WorkflowID).Msg("Workflow changed during timeout sweep; skipping")
		default:
			res.Failed++
			e.log.Error().Err(err).Str("workflow_id", c.WorkflowID).Msg("Failed to time out workflow")
		}
	}
	return res, nil
}

var errNotDue = errors.InvalidState("workflow is no longer due for timeout")

// ── Queries ──────────────────────────────────────────────────────────────────

func (e *WorkflowEngine) GetWorkflow(ctx context.Context, workflowID string) (*repository.Workflow, error) {
	return e.workflows.GetByID(ctx, workflowID)
}

// GetWorkflowByConversation returns the most recent workflow of a conversation.
func (e *WorkflowEngine) GetWorkflowByConversation(ctx context.Context, conversationID string) (*repository.Workflow, error) {
	return e.workflows.GetLatestByConversationID(ctx, conversationID)
}

// ListPendingForApprover returns actionable workflows whose current step is
// assigned to approver, or is unassigned and open to one of roles.
func (e *WorkflowEngine) ListPendingForApprover(ctx context.Context, approver string, roles []string) ([]*repository.Workflow, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, errors.InvalidInput("approver", "approver is required")
	}
	return e.workflows.Find(ctx, repository.WorkflowQuery{
		Statuses: []repository.WorkflowStatus{repository.WorkflowPending, repository.WorkflowInProgress},
		Approver: approver,
		Roles:    roles,
	})
}

// ListCompletedForApprover returns terminal workflows approver acted on.
func (e *WorkflowEngine) ListCompletedForApprover(ctx context.Context, approver string) ([]*repository.Workflow, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, errors.InvalidInput("approver", "approver is required")
	}
	return e.workflows.Find(ctx, repository.WorkflowQuery{
		Statuses: []repository.WorkflowStatus{
			repository.WorkflowApproved,
			repository.WorkflowRejected,
			repository.WorkflowTimeout,
			repository.WorkflowCancelled,
		},
		Actor: approver,
	})
}

// GetHistory returns the workflow's snapshot log, oldest first.
func (e *WorkflowEngine) GetHistory(ctx context.Context, workflowID string) ([]repository.StateSnapshot, error) {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return wf.StateHistory, nil
}

// ── Internal helpers ─────────────────────────────────────────────────────────

type mutation func(wf *repository.Workflow, now time.Time) ([]events.Payload, error)

// mutate loads the workflow, applies fn and saves it against the version that
// was read. Nothing is retried: a lost race surfaces as CONCURRENCY_CONFLICT
// so the caller re-fetches and decides again.
func (e *WorkflowEngine) mutate(ctx context.Context, action, workflowID, actor string, fn mutation) (*repository.Workflow, error) {
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		e.metrics.ActionError(action, string(errors.CodeOf(err)))
		return nil, err
	}

	expected := wf.Version
	now := e.now()
	payloads, err := fn(wf, now)
	if err != nil {
		if err != errNotDue {
			e.metrics.ActionError(action, string(errors.CodeOf(err)))
		}
		return nil, err
	}
	wf.UpdatedAt = now

	if err := e.workflows.Save(ctx, wf, expected); err != nil {
		if errors.Is(err, errors.ErrCodeConflict) {
			e.metrics.Conflict(action)
		}
		e.metrics.ActionError(action, string(errors.CodeOf(err)))
		return nil, err
	}
	e.metrics.Transition(action, string(wf.Status))

	e.log.Info().
		Str("workflow_id", wf.WorkflowID).
		Str("action", action).
		Str("actor", actor).
		Str("status", string(wf.Status)).
		Int("current_step", wf.CurrentStep).
		Int64("version", wf.Version).
		Msg("Workflow updated")

	e.publish(ctx, wf, actor, now, payloads...)
	return wf, nil
}

func (e *WorkflowEngine) publish(ctx context.Context, wf *repository.Workflow, actor string, at time.Time, payloads ...events.Payload) {
	if e.bus == nil {
		return
	}
	for _, p := range payloads {
		e.bus.Publish(ctx, events.New(e.newID(), wf, actor, at, p))
	}
}

// actionableStep returns the current step if actor may decide it now.
func actionableStep(wf *repository.Workflow, actor string, stepIndex *int) (*repository.WorkflowStep, error) {
	if !wf.Status.IsActionable() {
		return nil, errors.InvalidState(fmt.Sprintf("workflow is %s and no longer accepts actions", wf.Status))
	}
	step := wf.Current()
	if step == nil {
		return nil, errors.InvalidState(fmt.Sprintf("workflow has no step at index %d", wf.CurrentStep))
	}
	if stepIndex != nil && *stepIndex != wf.CurrentStep {
		return nil, errors.InvalidState(fmt.Sprintf("step %d is no longer current (current step is %d)", *stepIndex, wf.CurrentStep))
	}
	if step.Status != repository.StepPending && step.Status != repository.StepDelegated {
		return nil, errors.InvalidState(fmt.Sprintf("step %d is %s", wf.CurrentStep, step.Status))
	}
	if err := assertCanAct(step, actor); err != nil {
		return nil, err
	}
	return step, nil
}

// assertCanAct checks that actor is the step's active approver. Steps with no
// specific approver can be acted on by anyone holding the role upstream.
func assertCanAct(step *repository.WorkflowStep, actor string) error {
	if step.ApproverEmail == "" || strings.EqualFold(step.ApproverEmail, actor) {
		return nil
	}
	return errors.Forbidden(fmt.Sprintf("%s is not the assigned approver for step %q", actor, step.StepName))
}

func requireAction(workflowID, actorField, actor string) error {
	if strings.TrimSpace(workflowID) == "" {
		return errors.InvalidInput("workflowId", "workflow id is required")
	}
	if strings.TrimSpace(actor) == "" {
		return errors.InvalidInput(actorField, actorField+" is required")
	}
	return nil
}
