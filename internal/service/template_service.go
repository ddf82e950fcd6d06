package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
	"github.com/pesio-ai/be-escalation-approvals/internal/forms"
	"github.com/pesio-ai/be-escalation-approvals/internal/logger"
	"github.com/pesio-ai/be-escalation-approvals/internal/repository"
)

// TemplateService manages approval templates.
type TemplateService struct {
	store repository.TemplateStore
	log   *logger.Logger
}

// NewTemplateService creates a new TemplateService.
func NewTemplateService(store repository.TemplateStore, log *logger.Logger) *TemplateService {
	return &TemplateService{store: store, log: log.Component("template_service")}
}

// UpsertTemplate creates the template, or replaces the stored one with the
// same templateId. A new id is generated when none is given. Running
// workflows keep the steps and policy they were created with.
func (s *TemplateService) UpsertTemplate(ctx context.Context, tpl *repository.ApprovalTemplate) (*repository.ApprovalTemplate, error) {
	if tpl == nil {
		return nil, errors.InvalidInput("template", "template is required")
	}
	tpl = tpl.Clone()
	if tpl.TemplateID == "" {
		tpl.TemplateID = uuid.NewString()
	} else {
		existing, err := s.store.GetByID(ctx, tpl.TemplateID)
		switch {
		case errors.Is(err, errors.ErrCodeNotFound):
		case err != nil:
			return nil, err
		case existing.OwnerID != tpl.OwnerID:
			return nil, errors.Forbidden(fmt.Sprintf("template %s belongs to another owner", tpl.TemplateID))
		}
	}

	if err := ValidateTemplate(tpl); err != nil {
		return nil, err
	}
	if err := s.store.Upsert(ctx, tpl); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("template_id", tpl.TemplateID).
		Str("owner_id", tpl.OwnerID).
		Int("steps", len(tpl.Steps)).
		Bool("is_default", tpl.IsDefault).
		Msg("Approval template saved")
	return tpl, nil
}

func (s *TemplateService) GetTemplate(ctx context.Context, templateID string) (*repository.ApprovalTemplate, error) {
	return s.store.GetByID(ctx, templateID)
}

func (s *TemplateService) ListTemplates(ctx context.Context, ownerID string, activeOnly bool) ([]*repository.ApprovalTemplate, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.InvalidInput("ownerId", "owner id is required")
	}
	return s.store.ListByOwner(ctx, ownerID, activeOnly)
}

// DeactivateTemplate soft-deletes a template.
func (s *TemplateService) DeactivateTemplate(ctx context.Context, templateID string) error {
	if err := s.store.Deactivate(ctx, templateID); err != nil {
		return err
	}
	s.log.Info().Str("template_id", templateID).Msg("Approval template deactivated")
	return nil
}

// SetDefaultTemplate makes templateID the owner's single default.
func (s *TemplateService) SetDefaultTemplate(ctx context.Context, ownerID, templateID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.InvalidInput("ownerId", "owner id is required")
	}
	if err := s.store.SetDefault(ctx, ownerID, templateID); err != nil {
		return err
	}
	s.log.Info().Str("template_id", templateID).Str("owner_id", ownerID).Msg("Default approval template changed")
	return nil
}

// ValidateTemplate checks the structural rules every stored template obeys.
func ValidateTemplate(tpl *repository.ApprovalTemplate) error {
	if strings.TrimSpace(tpl.Name) == "" {
		return errors.InvalidInput("name", "name is required")
	}
	if strings.TrimSpace(tpl.OwnerID) == "" {
		return errors.InvalidInput("ownerId", "owner id is required")
	}
	if len(tpl.Steps) == 0 {
		return errors.InvalidInput("steps", "at least one step is required")
	}
	if tpl.GlobalDeadlineHours != nil && *tpl.GlobalDeadlineHours <= 0 {
		return errors.InvalidInput("globalDeadlineHours", "must be positive")
	}

	for i, step := range tpl.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.StepNumber != i+1 {
			return errors.InvalidInput(path+".stepNumber",
				fmt.Sprintf("step numbers must run 1..N in order; expected %d, got %d", i+1, step.StepNumber))
		}
		if strings.TrimSpace(step.StepName) == "" {
			return errors.InvalidInput(path+".stepName", "step name is required")
		}
		if strings.TrimSpace(step.ApproverRole) == "" {
			return errors.InvalidInput(path+".approverRole", "approver role is required")
		}
		if err := forms.ValidateSchema(step.FormFields); err != nil {
			if appErr, ok := err.(*errors.AppError); ok {
				return errors.InvalidInput(path+"."+appErr.Field, appErr.Message)
			}
			return err
		}
		for j, ch := range step.NotificationChannels {
			if !ch.Type.Valid() {
				return errors.InvalidInput(fmt.Sprintf("%s.notificationChannels[%d].type", path, j),
					fmt.Sprintf("unsupported channel type %q", ch.Type))
			}
			if ch.Enabled && ch.Type != repository.ChannelDashboard && ch.Target == "" {
				return errors.InvalidInput(fmt.Sprintf("%s.notificationChannels[%d].target", path, j),
					"target is required for enabled channels")
			}
		}
	}
	return nil
}
