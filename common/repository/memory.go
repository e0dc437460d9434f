package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
)

// MemoryStore is an in-memory WorkflowStore for tests and single-node
// deployments without Postgres. Reads return copies so callers cannot
// mutate stored graphs.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.Workflow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*models.Workflow),
	}
}

// List retrieves summaries of all workflows, most recently updated first.
func (s *MemoryStore) List(ctx context.Context) ([]models.WorkflowSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]models.WorkflowSummary, 0, len(s.workflows))
	for _, wf := range s.workflows {
		summaries = append(summaries, models.WorkflowSummary{
			ID:        wf.ID,
			Name:      wf.Name,
			Status:    wf.Status,
			UpdatedAt: wf.UpdatedAt,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	return summaries, nil
}

// Get retrieves a copy of the stored workflow.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWorkflow(wf), nil
}

// Upsert stores a copy of the workflow, preserving created_at on update.
func (s *MemoryStore) Upsert(ctx context.Context, wf *models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyWorkflow(wf)
	if stored.Status == "" {
		stored.Status = models.StatusDraft
	}

	now := time.Now().UTC()
	stored.UpdatedAt = now
	if existing, ok := s.workflows[wf.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
	}

	s.workflows[wf.ID] = stored
	return nil
}

// Delete removes a workflow.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// SetStatus flips the published/draft status.
func (s *MemoryStore) SetStatus(ctx context.Context, id, status string) error {
	if status != models.StatusDraft && status != models.StatusPublished {
		return fmt.Errorf("invalid status: %s", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	wf.Status = status
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func copyWorkflow(wf *models.Workflow) *models.Workflow {
	out := *wf
	out.Nodes = append([]models.Node(nil), wf.Nodes...)
	out.Connections = append([]models.Connection(nil), wf.Connections...)
	return &out
}
