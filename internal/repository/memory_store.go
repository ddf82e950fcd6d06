package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-escalation-approvals/internal/errors"
)

// MemoryWorkflowStore is an in-memory workflow store with the same
// compare-and-swap semantics as ApprovalWorkflowRepository. All operations
// are thread-safe and return copies so callers cannot mutate stored state.
type MemoryWorkflowStore struct {
	mux       sync.RWMutex
	workflows map[string]*Workflow
	order     []string
}

// NewMemoryWorkflowStore creates an empty store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{workflows: make(map[string]*Workflow)}
}

func (s *MemoryWorkflowStore) Create(_ context.Context, wf *Workflow) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, exists := s.workflows[wf.WorkflowID]; exists {
		return errors.New(errors.ErrCodeConflict, fmt.Sprintf("workflow %s already exists", wf.WorkflowID))
	}
	wf.Version = 1
	s.workflows[wf.WorkflowID] = wf.Clone()
	s.order = append(s.order, wf.WorkflowID)
	return nil
}

func (s *MemoryWorkflowStore) GetByID(_ context.Context, id string) (*Workflow, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return wf.Clone(), nil
}

func (s *MemoryWorkflowStore) GetLatestByConversationID(_ context.Context, conversationID string) (*Workflow, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		wf := s.workflows[s.order[i]]
		if wf.ConversationID == conversationID {
			return wf.Clone(), nil
		}
	}
	return nil, errors.NotFound("workflow for conversation", conversationID)
}

func (s *MemoryWorkflowStore) Save(_ context.Context, wf *Workflow, expectedVersion int64) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	stored, ok := s.workflows[wf.WorkflowID]
	if !ok {
		return errors.NotFound("workflow", wf.WorkflowID)
	}
	if stored.Version != expectedVersion {
		return errors.Conflict(fmt.Sprintf("workflow %s was modified concurrently (expected version %d, found %d)",
			wf.WorkflowID, expectedVersion, stored.Version))
	}

	wf.Version = expectedVersion + 1
	s.workflows[wf.WorkflowID] = wf.Clone()
	return nil
}

func (s *MemoryWorkflowStore) Find(_ context.Context, q WorkflowQuery) ([]*Workflow, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*Workflow
	for _, id := range s.order {
		wf := s.workflows[id]
		if !MatchesQuery(wf, q) {
			continue
		}
		out = append(out, wf.Clone())
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// MatchesQuery reports whether wf satisfies every filter in q.
func MatchesQuery(wf *Workflow, q WorkflowQuery) bool {
	if len(q.Statuses) > 0 {
		found := false
		for _, s := range q.Statuses {
			if wf.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.OwnerID != "" && wf.OwnerID != q.OwnerID {
		return false
	}
	if q.ConversationID != "" && wf.ConversationID != q.ConversationID {
		return false
	}
	if q.Approver != "" {
		approver := wf.CurrentApprover()
		switch {
		case approver == strings.ToLower(q.Approver):
		case approver == "" && containsString(q.Roles, wf.CurrentRole()):
		default:
			return false
		}
	}
	if q.Actor != "" && !containsString(wf.Actors(), strings.ToLower(q.Actor)) {
		return false
	}
	if q.DeadlineBefore != nil && (wf.Deadline == nil || !wf.Deadline.Before(*q.DeadlineBefore)) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// MemoryTemplateStore is an in-memory template store.
type MemoryTemplateStore struct {
	mux       sync.RWMutex
	templates map[string]*ApprovalTemplate
	now       func() time.Time
}

// NewMemoryTemplateStore creates an empty store.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]*ApprovalTemplate), now: time.Now}
}

func (s *MemoryTemplateStore) Upsert(_ context.Context, tpl *ApprovalTemplate) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	now := s.now()
	tpl.IsDefault = tpl.IsDefault && tpl.Active
	if existing, ok := s.templates[tpl.TemplateID]; ok {
		tpl.CreatedAt = existing.CreatedAt
	} else {
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now

	if tpl.IsDefault {
		s.clearDefaultLocked(tpl.OwnerID, tpl.TemplateID, now)
	}
	s.templates[tpl.TemplateID] = tpl.Clone()
	return nil
}

func (s *MemoryTemplateStore) GetByID(_ context.Context, id string) (*ApprovalTemplate, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	tpl, ok := s.templates[id]
	if !ok {
		return nil, errors.NotFound("approval_template", id)
	}
	return tpl.Clone(), nil
}

func (s *MemoryTemplateStore) FindActiveByID(_ context.Context, id string) (*ApprovalTemplate, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	tpl, ok := s.templates[id]
	if !ok || !tpl.Active {
		return nil, nil
	}
	return tpl.Clone(), nil
}

func (s *MemoryTemplateStore) FindDefault(_ context.Context, ownerID string) (*ApprovalTemplate, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	for _, tpl := range s.templates {
		if tpl.OwnerID == ownerID && tpl.IsDefault && tpl.Active {
			return tpl.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryTemplateStore) ListByOwner(_ context.Context, ownerID string, activeOnly bool) ([]*ApprovalTemplate, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*ApprovalTemplate
	for _, tpl := range s.templates {
		if tpl.OwnerID != ownerID || (activeOnly && !tpl.Active) {
			continue
		}
		out = append(out, tpl.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefault != out[j].IsDefault {
			return out[i].IsDefault
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryTemplateStore) Deactivate(_ context.Context, id string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	tpl, ok := s.templates[id]
	if !ok {
		return errors.NotFound("approval_template", id)
	}
	tpl.Active = false
	tpl.IsDefault = false
	tpl.UpdatedAt = s.now()
	return nil
}

func (s *MemoryTemplateStore) SetDefault(_ context.Context, ownerID, templateID string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	tpl, ok := s.templates[templateID]
	if !ok || tpl.OwnerID != ownerID || !tpl.Active {
		return errors.NotFound("active approval_template", templateID)
	}
	now := s.now()
	s.clearDefaultLocked(ownerID, templateID, now)
	tpl.IsDefault = true
	tpl.UpdatedAt = now
	return nil
}

func (s *MemoryTemplateStore) clearDefaultLocked(ownerID, keepID string, now time.Time) {
	for id, tpl := range s.templates {
		if id != keepID && tpl.OwnerID == ownerID && tpl.IsDefault {
			tpl.IsDefault = false
			tpl.UpdatedAt = now
		}
	}
}

// MemoryEventStore is an in-memory append-only event log.
type MemoryEventStore struct {
	mux    sync.RWMutex
	events map[string][]*WorkflowEvent
}

// NewMemoryEventStore creates an empty event log.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]*WorkflowEvent)}
}

func (s *MemoryEventStore) Append(_ context.Context, ev *WorkflowEvent) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	c := *ev
	s.events[ev.WorkflowID] = append(s.events[ev.WorkflowID], &c)
	return nil
}

func (s *MemoryEventStore) ListByWorkflowID(_ context.Context, workflowID string) ([]*WorkflowEvent, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	src := s.events[workflowID]
	out := make([]*WorkflowEvent, len(src))
	for i, ev := range src {
		c := *ev
		out[i] = &c
	}
	return out, nil
}
