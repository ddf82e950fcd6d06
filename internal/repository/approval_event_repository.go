package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-escalation-approvals/internal/database"
	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
)

// ApprovalEventRepository appends and reads the immutable workflow event log.
type ApprovalEventRepository struct {
	db *database.DB
}

// NewApprovalEventRepository creates a new ApprovalEventRepository.
func NewApprovalEventRepository(db *database.DB) *ApprovalEventRepository {
	return &ApprovalEventRepository{db: db}
}

// Append inserts one event. The table has an update/delete-prevention trigger
// so this is the only mutation exposed.
func (r *ApprovalEventRepository) Append(ctx context.Context, ev *WorkflowEvent) error {
	var payloadJSON []byte
	if ev.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(ev.Payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal event payload")
		}
	}

	query := `
		INSERT INTO approval_workflow_events
		    (event_id, workflow_id, event_name, actor,
		     status, current_step, payload, occurred_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
	`

	_, err := r.db.Exec(ctx, query,
		ev.EventID,
		ev.WorkflowID,
		ev.EventName,
		ev.Actor,
		string(ev.Status),
		ev.CurrentStep,
		payloadJSON,
		ev.OccurredAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append workflow event")
	}
	return nil
}

// ListByWorkflowID returns a workflow's events oldest-first.
func (r *ApprovalEventRepository) ListByWorkflowID(ctx context.Context, workflowID string) ([]*WorkflowEvent, error) {
	query := `
		SELECT event_id, workflow_id, event_name, actor,
		       status, current_step, payload, occurred_at
		FROM approval_workflow_events
		WHERE workflow_id = $1
		ORDER BY occurred_at ASC
	`

	rows, err := r.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow events")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalEventRepository) scanRows(rows pgx.Rows) ([]*WorkflowEvent, error) {
	var events []*WorkflowEvent
	for rows.Next() {
		ev := &WorkflowEvent{}
		var (
			status      string
			payloadJSON []byte
		)
		err := rows.Scan(
			&ev.EventID,
			&ev.WorkflowID,
			&ev.EventName,
			&ev.Actor,
			&status,
			&ev.CurrentStep,
			&payloadJSON,
			&ev.OccurredAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow event")
		}
		ev.Status = WorkflowStatus(status)
		if payloadJSON != nil {
			if err := json.Unmarshal(payloadJSON, &ev.Payload); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal event payload")
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
