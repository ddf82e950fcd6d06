package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/forms"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

func TestValidateTemplate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(tpl *repository.ApprovalTemplate)
		wantField string
	}{
		{"valid", func(*repository.ApprovalTemplate) {}, ""},
		{"missing name", func(tpl *repository.ApprovalTemplate) { tpl.Name = "" }, "name"},
		{"missing owner", func(tpl *repository.ApprovalTemplate) { tpl.OwnerID = " " }, "ownerId"},
		{"no steps", func(tpl *repository.ApprovalTemplate) { tpl.Steps = nil }, "steps"},
		{"non-positive deadline", func(tpl *repository.ApprovalTemplate) { tpl.GlobalDeadlineHours = hours(0) }, "globalDeadlineHours"},
		{"gap in step numbers", func(tpl *repository.ApprovalTemplate) { tpl.Steps[1].StepNumber = 3 }, "steps[1].stepNumber"},
		{"out of order", func(tpl *repository.ApprovalTemplate) {
			tpl.Steps[0].StepNumber, tpl.Steps[1].StepNumber = 2, 1
		}, "steps[0].stepNumber"},
		{"missing role", func(tpl *repository.ApprovalTemplate) { tpl.Steps[0].ApproverRole = "" }, "steps[0].approverRole"},
		{"bad form field", func(tpl *repository.ApprovalTemplate) {
			tpl.Steps[1].FormFields = []forms.Field{{Name: "choice", Type: forms.FieldSelect}}
		}, "steps[1].formFields[0].options"},
		{"unknown channel", func(tpl *repository.ApprovalTemplate) {
			tpl.Steps[0].NotificationChannels = []repository.NotificationChannel{{Type: "pager", Enabled: true}}
		}, "steps[0].notificationChannels[0].type"},
		{"chat-ops without target", func(tpl *repository.ApprovalTemplate) {
			tpl.Steps[0].NotificationChannels = []repository.NotificationChannel{{Type: repository.ChannelChatOps, Enabled: true}}
		}, "steps[0].notificationChannels[0].target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := twoStepTemplate()
			tt.mutate(tpl)
			err := ValidateTemplate(tpl)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			appErr, ok := err.(*errors.AppError)
			require.True(t, ok)
			assert.Equal(t, errors.ErrCodeValidation, appErr.Code)
			assert.Equal(t, tt.wantField, appErr.Field)
		})
	}
}

func TestTemplateService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryTemplateStore()
	svc := NewTemplateService(store, logger.Nop())

	first := twoStepTemplate()
	first.TemplateID = ""
	first.IsDefault = true
	saved, err := svc.UpsertTemplate(ctx, first)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.TemplateID)
	assert.Empty(t, first.TemplateID, "caller's template is not modified")

	second, err := svc.UpsertTemplate(ctx, twoStepTemplate())
	require.NoError(t, err)

	require.NoError(t, svc.SetDefaultTemplate(ctx, "agent-1", second.TemplateID))
	list, err := svc.ListTemplates(ctx, "agent-1", true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.TemplateID, list[0].TemplateID)
	assert.True(t, list[0].IsDefault)
	assert.False(t, list[1].IsDefault)

	require.NoError(t, svc.DeactivateTemplate(ctx, second.TemplateID))
	list, err = svc.ListTemplates(ctx, "agent-1", true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, saved.TemplateID, list[0].TemplateID)

	got, err := svc.GetTemplate(ctx, second.TemplateID)
	require.NoError(t, err)
	assert.False(t, got.Active)

	_, err = svc.GetTemplate(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrCodeNotFound))
}

func TestTemplateService_OwnerMismatch(t *testing.T) {
	ctx := context.Background()
	svc := NewTemplateService(repository.NewMemoryTemplateStore(), logger.Nop())
	_, err := svc.UpsertTemplate(ctx, twoStepTemplate())
	require.NoError(t, err)

	hijack := twoStepTemplate()
	hijack.OwnerID = "agent-2"
	_, err = svc.UpsertTemplate(ctx, hijack)
	assert.True(t, errors.Is(err, errors.ErrCodeForbidden))

	_, err = svc.ListTemplates(ctx, "", false)
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
	assert.True(t, errors.Is(svc.SetDefaultTemplate(ctx, "agent-2", "tpl-2"), errors.ErrCodeNotFound))
}

type unreachableTemplateStore struct {
	*repository.MemoryTemplateStore
	upserts int
}

func (s *unreachableTemplateStore) GetByID(context.Context, string) (*repository.ApprovalTemplate, error) {
	return nil, errors.Wrap(stderrors.New("connection refused"), errors.ErrCodeInternal, "failed to get approval template")
}

func (s *unreachableTemplateStore) Upsert(ctx context.Context, tpl *repository.ApprovalTemplate) error {
	s.upserts++
	return s.MemoryTemplateStore.Upsert(ctx, tpl)
}

func TestTemplateService_UpsertStopsWhenOwnerLookupFails(t *testing.T) {
	store := &unreachableTemplateStore{MemoryTemplateStore: repository.NewMemoryTemplateStore()}
	svc := NewTemplateService(store, logger.Nop())

	_, err := svc.UpsertTemplate(context.Background(), twoStepTemplate())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeInternal))
	assert.Zero(t, store.upserts, "the template is not written without the owner check")
}
