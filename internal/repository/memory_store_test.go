package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
)

func newTestWorkflow(id, conversationID string, steps ...StepDefinition) *Workflow {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wf := &Workflow{
		WorkflowID:     id,
		ConversationID: conversationID,
		OwnerID:        "agent-1",
		Status:         WorkflowPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, s := range steps {
		wf.Steps = append(wf.Steps, WorkflowStep{StepDefinition: s, Status: StepPending})
	}
	wf.AppendSnapshot(now, "system", ActionWorkflowCreated)
	return wf
}

func TestMemoryWorkflowStore_SaveCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()

	wf := newTestWorkflow("wf-1", "conv-1", StepDefinition{StepNumber: 1, StepName: "Review", ApproverRole: "manager"})
	require.NoError(t, store.Create(ctx, wf))
	assert.Equal(t, int64(1), wf.Version)

	first, err := store.GetByID(ctx, "wf-1")
	require.NoError(t, err)
	second, err := store.GetByID(ctx, "wf-1")
	require.NoError(t, err)

	first.Status = WorkflowApproved
	require.NoError(t, store.Save(ctx, first, 1))
	assert.Equal(t, int64(2), first.Version)

	second.Status = WorkflowRejected
	err = store.Save(ctx, second, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConflict))

	stored, err := store.GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, WorkflowApproved, stored.Status)
	assert.Equal(t, int64(2), stored.Version)
}

func TestMemoryWorkflowStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()
	wf := newTestWorkflow("wf-1", "conv-1", StepDefinition{StepNumber: 1, StepName: "Review", ApproverRole: "manager"})
	require.NoError(t, store.Create(ctx, wf))

	wf.Steps[0].Status = StepApproved

	got, err := store.GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StepPending, got.Steps[0].Status)

	got.Steps[0].ApprovedBy = "someone"
	again, err := store.GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Empty(t, again.Steps[0].ApprovedBy)
}

func TestMemoryWorkflowStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()

	_, err := store.GetByID(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	_, err = store.GetLatestByConversationID(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))

	err = store.Save(ctx, newTestWorkflow("missing", "c"), 1)
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestMemoryWorkflowStore_LatestByConversation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()
	require.NoError(t, store.Create(ctx, newTestWorkflow("wf-1", "conv-1")))
	require.NoError(t, store.Create(ctx, newTestWorkflow("wf-2", "conv-2")))
	require.NoError(t, store.Create(ctx, newTestWorkflow("wf-3", "conv-1")))

	got, err := store.GetLatestByConversationID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-3", got.WorkflowID)
}

func TestMatchesQuery(t *testing.T) {
	deadline := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	assigned := newTestWorkflow("wf-assigned", "c1",
		StepDefinition{StepNumber: 1, StepName: "Review", ApproverRole: "manager", ApproverEmail: "Mgr@X.com"})
	assigned.Deadline = &deadline

	open := newTestWorkflow("wf-open", "c2",
		StepDefinition{StepNumber: 1, StepName: "Review", ApproverRole: "support_team"})

	done := newTestWorkflow("wf-done", "c3",
		StepDefinition{StepNumber: 1, StepName: "Review", ApproverRole: "manager"})
	done.Status = WorkflowApproved
	done.Steps[0].Status = StepApproved
	done.Steps[0].ApprovedBy = "dir@x.com"

	before := deadline.Add(time.Hour)
	after := deadline.Add(-time.Hour)

	tests := []struct {
		name string
		wf   *Workflow
		q    WorkflowQuery
		want bool
	}{
		{"empty query matches", assigned, WorkflowQuery{}, true},
		{"status filter", done, WorkflowQuery{Statuses: []WorkflowStatus{WorkflowPending}}, false},
		{"assigned approver case-insensitive", assigned, WorkflowQuery{Approver: "mgr@x.com"}, true},
		{"assigned to someone else", assigned, WorkflowQuery{Approver: "other@x.com", Roles: []string{"manager"}}, false},
		{"open step matched by role", open, WorkflowQuery{Approver: "a@x.com", Roles: []string{"support_team"}}, true},
		{"open step without role", open, WorkflowQuery{Approver: "a@x.com"}, false},
		{"actor matches", done, WorkflowQuery{Actor: "DIR@x.com"}, true},
		{"actor missing", assigned, WorkflowQuery{Actor: "dir@x.com"}, false},
		{"deadline before", assigned, WorkflowQuery{DeadlineBefore: &before}, true},
		{"deadline not yet", assigned, WorkflowQuery{DeadlineBefore: &after}, false},
		{"no deadline never matches", open, WorkflowQuery{DeadlineBefore: &before}, false},
		{"owner mismatch", open, WorkflowQuery{OwnerID: "agent-2"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesQuery(tt.wf, tt.q))
		})
	}
}

func TestMemoryWorkflowStore_FindLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryWorkflowStore()
	for _, id := range []string{"wf-1", "wf-2", "wf-3"} {
		require.NoError(t, store.Create(ctx, newTestWorkflow(id, "c")))
	}

	got, err := store.Find(ctx, WorkflowQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "wf-1", got[0].WorkflowID)
	assert.Equal(t, "wf-2", got[1].WorkflowID)
}

func newTestTemplate(id, owner string, isDefault bool) *ApprovalTemplate {
	return &ApprovalTemplate{
		TemplateID: id,
		Name:       "Template " + id,
		OwnerID:    owner,
		Steps:      []StepDefinition{{StepNumber: 1, StepName: "Review", ApproverRole: "manager"}},
		Active:     true,
		IsDefault:  isDefault,
	}
}

func TestMemoryTemplateStore_SingleDefaultPerOwner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTemplateStore()

	require.NoError(t, store.Upsert(ctx, newTestTemplate("t-1", "agent-1", true)))
	require.NoError(t, store.Upsert(ctx, newTestTemplate("t-2", "agent-1", true)))
	require.NoError(t, store.Upsert(ctx, newTestTemplate("t-3", "agent-2", true)))

	def, err := store.FindDefault(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "t-2", def.TemplateID)

	require.NoError(t, store.SetDefault(ctx, "agent-1", "t-1"))
	def, err = store.FindDefault(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", def.TemplateID)

	other, err := store.GetByID(ctx, "t-2")
	require.NoError(t, err)
	assert.False(t, other.IsDefault)

	// Other owners are untouched.
	def, err = store.FindDefault(ctx, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "t-3", def.TemplateID)
}

func TestMemoryTemplateStore_DeactivateClearsDefault(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTemplateStore()
	require.NoError(t, store.Upsert(ctx, newTestTemplate("t-1", "agent-1", true)))

	require.NoError(t, store.Deactivate(ctx, "t-1"))

	def, err := store.FindDefault(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, def)

	active, err := store.FindActiveByID(ctx, "t-1")
	require.NoError(t, err)
	assert.Nil(t, active)

	tpl, err := store.GetByID(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, tpl.Active)
	assert.False(t, tpl.IsDefault)

	err = store.SetDefault(ctx, "agent-1", "t-1")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
	assert.True(t, errors.Is(store.Deactivate(ctx, "missing"), errors.ErrCodeNotFound))
}

func TestMemoryTemplateStore_ListByOwner(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTemplateStore()
	b := newTestTemplate("t-b", "agent-1", false)
	b.Name = "B"
	a := newTestTemplate("t-a", "agent-1", false)
	a.Name = "A"
	d := newTestTemplate("t-d", "agent-1", true)
	d.Name = "Z default"
	inactive := newTestTemplate("t-x", "agent-1", false)
	inactive.Active = false

	for _, tpl := range []*ApprovalTemplate{b, a, d, inactive} {
		require.NoError(t, store.Upsert(ctx, tpl))
	}

	active, err := store.ListByOwner(ctx, "agent-1", true)
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "t-d", active[0].TemplateID)
	assert.Equal(t, "t-a", active[1].TemplateID)
	assert.Equal(t, "t-b", active[2].TemplateID)

	all, err := store.ListByOwner(ctx, "agent-1", false)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemoryEventStore_AppendAndList(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryEventStore()
	require.NoError(t, store.Append(ctx, &WorkflowEvent{EventID: "e1", WorkflowID: "wf-1", EventName: "workflow:created"}))
	require.NoError(t, store.Append(ctx, &WorkflowEvent{EventID: "e2", WorkflowID: "wf-1", EventName: "workflow:approved"}))
	require.NoError(t, store.Append(ctx, &WorkflowEvent{EventID: "e3", WorkflowID: "wf-2", EventName: "workflow:created"}))

	events, err := store.ListByWorkflowID(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].EventID)
	assert.Equal(t, "e2", events[1].EventID)
}
