package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-escalation-approvals/internal/database"
	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
)

// ApprovalWorkflowRepository persists workflow instances as JSONB documents.
// Queryable fields are denormalized into columns on every write, and the
// version column implements compare-and-swap updates.
type ApprovalWorkflowRepository struct {
	db *database.DB
}

// NewApprovalWorkflowRepository creates a new ApprovalWorkflowRepository.
func NewApprovalWorkflowRepository(db *database.DB) *ApprovalWorkflowRepository {
	return &ApprovalWorkflowRepository{db: db}
}

// Create inserts a new workflow document at version 1.
func (r *ApprovalWorkflowRepository) Create(ctx context.Context, wf *Workflow) error {
	wf.Version = 1
	doc, err := json.Marshal(wf)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow")
	}

	query := `
		INSERT INTO approval_workflows
		    (workflow_id, conversation_id, owner_id, template_id,
		     status, current_step, current_approver, current_role,
		     actors, deadline, document, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11, $12, $13, $14)
	`

	_, err = r.db.Exec(ctx, query,
		wf.WorkflowID,
		wf.ConversationID,
		wf.OwnerID,
		wf.TemplateID,
		string(wf.Status),
		wf.CurrentStep,
		nullIfEmpty(wf.CurrentApprover()),
		nullIfEmpty(wf.CurrentRole()),
		actorsOrEmpty(wf.Actors()),
		wf.Deadline,
		doc,
		wf.Version,
		wf.CreatedAt,
		wf.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
	}
	return nil
}

// GetByID retrieves a workflow by id.
func (r *ApprovalWorkflowRepository) GetByID(ctx context.Context, id string) (*Workflow, error) {
	query := `
		SELECT document, version
		FROM approval_workflows
		WHERE workflow_id = $1
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	return wf, err
}

// GetLatestByConversationID returns the most recently created workflow for a
// conversation.
func (r *ApprovalWorkflowRepository) GetLatestByConversationID(ctx context.Context, conversationID string) (*Workflow, error) {
	query := `
		SELECT document, version
		FROM approval_workflows
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, conversationID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow for conversation", conversationID)
	}
	return wf, err
}

// Save commits wf only if the stored version still equals expectedVersion.
// On success wf.Version becomes expectedVersion+1. A lost race returns a
// CONCURRENCY_CONFLICT error.
func (r *ApprovalWorkflowRepository) Save(ctx context.Context, wf *Workflow, expectedVersion int64) error {
	next := *wf
	next.Version = expectedVersion + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow")
	}

	query := `
		UPDATE approval_workflows
		SET status           = $3,
		    current_step     = $4,
		    current_approver = $5,
		    current_role     = $6,
		    actors           = $7,
		    deadline         = $8,
		    document         = $9,
		    version          = $10,
		    updated_at       = $11
		WHERE workflow_id = $1
		  AND version = $2
	`

	tag, err := r.db.Exec(ctx, query,
		wf.WorkflowID,
		expectedVersion,
		string(wf.Status),
		wf.CurrentStep,
		nullIfEmpty(wf.CurrentApprover()),
		nullIfEmpty(wf.CurrentRole()),
		actorsOrEmpty(wf.Actors()),
		wf.Deadline,
		doc,
		next.Version,
		wf.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save approval workflow")
	}
	if tag.RowsAffected() == 0 {
		return r.missOrConflict(ctx, wf.WorkflowID, expectedVersion)
	}

	wf.Version = next.Version
	return nil
}

// Find lists workflows matching q, oldest first.
func (r *ApprovalWorkflowRepository) Find(ctx context.Context, q WorkflowQuery) ([]*Workflow, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status = ANY("+arg(statuses)+")")
	}
	if q.OwnerID != "" {
		conds = append(conds, "owner_id = "+arg(q.OwnerID))
	}
	if q.ConversationID != "" {
		conds = append(conds, "conversation_id = "+arg(q.ConversationID))
	}
	if q.Approver != "" {
		approver := arg(strings.ToLower(q.Approver))
		if len(q.Roles) > 0 {
			conds = append(conds, fmt.Sprintf("(current_approver = %s OR (current_approver IS NULL AND current_role = ANY(%s)))", approver, arg(q.Roles)))
		} else {
			conds = append(conds, "current_approver = "+approver)
		}
	}
	if q.Actor != "" {
		conds = append(conds, arg(strings.ToLower(q.Actor))+" = ANY(actors)")
	}
	if q.DeadlineBefore != nil {
		conds = append(conds, "deadline IS NOT NULL AND deadline < "+arg(*q.DeadlineBefore))
	}

	query := `
		SELECT document, version
		FROM approval_workflows
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query approval workflows")
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval workflow")
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate approval workflows")
	}
	return out, nil
}

func (r *ApprovalWorkflowRepository) missOrConflict(ctx context.Context, id string, expectedVersion int64) error {
	var current int64
	err := r.db.QueryRow(ctx, `SELECT version FROM approval_workflows WHERE workflow_id = $1`, id).Scan(&current)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read workflow version")
	}
	return errors.Conflict(fmt.Sprintf("workflow %s was modified concurrently (expected version %d, found %d)", id, expectedVersion, current))
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type workflowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalWorkflowRepository) scanWorkflow(row workflowScanner) (*Workflow, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}

	wf := &Workflow{}
	if err := json.Unmarshal(doc, wf); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow document")
	}
	wf.Version = version
	return wf, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func actorsOrEmpty(actors []string) []string {
	if actors == nil {
		return []string{}
	}
	return actors
}
