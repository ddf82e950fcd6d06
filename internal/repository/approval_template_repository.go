package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-escalation-approvals/internal/database"
	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
)

// ApprovalTemplateRepository handles CRUD for approval_templates.
type ApprovalTemplateRepository struct {
	db *database.DB
}

// NewApprovalTemplateRepository creates a new ApprovalTemplateRepository.
func NewApprovalTemplateRepository(db *database.DB) *ApprovalTemplateRepository {
	return &ApprovalTemplateRepository{db: db}
}

const templateColumns = `
	template_id, owner_id, name, description, steps,
	global_deadline_hours, allow_delegation, allow_skip, notify_on_each_step,
	active, is_default, created_at, updated_at
`

// Upsert creates the template or replaces the stored definition with the same
// templateId. When tpl.IsDefault is set, the owner's other defaults are
// cleared in the same transaction.
func (r *ApprovalTemplateRepository) Upsert(ctx context.Context, tpl *ApprovalTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template steps")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if tpl.IsDefault && tpl.Active {
			if err := clearDefault(ctx, tx, tpl.OwnerID, tpl.TemplateID); err != nil {
				return err
			}
		}

		query := `
			INSERT INTO approval_templates
			    (template_id, owner_id, name, description, steps,
			     global_deadline_hours, allow_delegation, allow_skip, notify_on_each_step,
			     active, is_default, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11, NOW(), NOW())
			ON CONFLICT (template_id) DO UPDATE
			SET owner_id              = EXCLUDED.owner_id,
			    name                  = EXCLUDED.name,
			    description           = EXCLUDED.description,
			    steps                 = EXCLUDED.steps,
			    global_deadline_hours = EXCLUDED.global_deadline_hours,
			    allow_delegation      = EXCLUDED.allow_delegation,
			    allow_skip            = EXCLUDED.allow_skip,
			    notify_on_each_step   = EXCLUDED.notify_on_each_step,
			    active                = EXCLUDED.active,
			    is_default            = EXCLUDED.is_default,
			    updated_at            = NOW()
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			tpl.TemplateID,
			tpl.OwnerID,
			tpl.Name,
			tpl.Description,
			stepsJSON,
			tpl.GlobalDeadlineHours,
			tpl.AllowDelegation,
			tpl.AllowSkip,
			tpl.NotifyOnEachStep,
			tpl.Active,
			tpl.IsDefault && tpl.Active,
		).Scan(&tpl.CreatedAt, &tpl.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert approval template")
		}
		return nil
	})
}

// GetByID retrieves a template regardless of its active flag.
func (r *ApprovalTemplateRepository) GetByID(ctx context.Context, id string) (*ApprovalTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM approval_templates WHERE template_id = $1`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_template", id)
	}
	return tpl, err
}

// FindActiveByID returns the active template with the given id, or nil when
// none exists. Absence is not an error.
func (r *ApprovalTemplateRepository) FindActiveByID(ctx context.Context, id string) (*ApprovalTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM approval_templates WHERE template_id = $1 AND active = TRUE`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return tpl, err
}

// FindDefault returns the owner's active default template, or nil.
func (r *ApprovalTemplateRepository) FindDefault(ctx context.Context, ownerID string) (*ApprovalTemplate, error) {
	query := `SELECT ` + templateColumns + `
		FROM approval_templates
		WHERE owner_id = $1 AND is_default = TRUE AND active = TRUE
		LIMIT 1`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, ownerID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return tpl, err
}

// ListByOwner returns an owner's templates, optionally active only.
func (r *ApprovalTemplateRepository) ListByOwner(ctx context.Context, ownerID string, activeOnly bool) ([]*ApprovalTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM approval_templates WHERE owner_id = $1`
	if activeOnly {
		query += " AND active = TRUE"
	}
	query += " ORDER BY is_default DESC, name ASC"

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval templates")
	}
	defer rows.Close()

	var out []*ApprovalTemplate
	for rows.Next() {
		tpl, err := r.scanTemplate(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval template")
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// Deactivate soft-deletes a template. A deactivated template is never a default.
func (r *ApprovalTemplateRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_templates
		SET active     = FALSE,
		    is_default = FALSE,
		    updated_at = NOW()
		WHERE template_id = $1
	`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate approval template")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_template", id)
	}
	return nil
}

// SetDefault makes templateID the owner's only default. The old default is
// cleared in the same transaction.
func (r *ApprovalTemplateRepository) SetDefault(ctx context.Context, ownerID, templateID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := clearDefault(ctx, tx, ownerID, templateID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE approval_templates
			SET is_default = TRUE,
			    updated_at = NOW()
			WHERE template_id = $1
			  AND owner_id = $2
			  AND active = TRUE
		`, templateID, ownerID)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to set default template")
		}
		if tag.RowsAffected() == 0 {
			return errors.NotFound("active approval_template", templateID)
		}
		return nil
	})
}

func clearDefault(ctx context.Context, tx pgx.Tx, ownerID, keepID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE approval_templates
		SET is_default = FALSE,
		    updated_at = NOW()
		WHERE owner_id = $1
		  AND is_default = TRUE
		  AND template_id <> $2
	`, ownerID, keepID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to clear default template")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type templateScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalTemplateRepository) scanTemplate(row templateScanner) (*ApprovalTemplate, error) {
	tpl := &ApprovalTemplate{}
	var stepsJSON []byte

	err := row.Scan(
		&tpl.TemplateID,
		&tpl.OwnerID,
		&tpl.Name,
		&tpl.Description,
		&stepsJSON,
		&tpl.GlobalDeadlineHours,
		&tpl.AllowDelegation,
		&tpl.AllowSkip,
		&tpl.NotifyOnEachStep,
		&tpl.Active,
		&tpl.IsDefault,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &tpl.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template steps")
	}
	return tpl, nil
}
