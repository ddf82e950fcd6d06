package repository

import "context"

// WorkflowStore persists workflow documents with compare-and-swap saves.
type WorkflowStore interface {
	Create(ctx context.Context, wf *Workflow) error
	GetByID(ctx context.Context, id string) (*Workflow, error)
	GetLatestByConversationID(ctx context.Context, conversationID string) (*Workflow, error)
	// Save commits wf only if the stored version equals expectedVersion and
	// returns a CONCURRENCY_CONFLICT error otherwise.
	Save(ctx context.Context, wf *Workflow, expectedVersion int64) error
	Find(ctx context.Context, q WorkflowQuery) ([]*Workflow, error)
}

// EventStore is the append-only lifecycle event log.
type EventStore interface {
	Append(ctx context.Context, ev *WorkflowEvent) error
	ListByWorkflowID(ctx context.Context, workflowID string) ([]*WorkflowEvent, error)
}

var (
	_ WorkflowStore = (*ApprovalWorkflowRepository)(nil)
	_ WorkflowStore = (*MemoryWorkflowStore)(nil)
	_ EventStore    = (*ApprovalEventRepository)(nil)
	_ EventStore    = (*MemoryEventStore)(nil)
)
