package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/gigaflow/gigaflow/common/db"
	"github.com/gigaflow/gigaflow/common/models"
)

// ErrNotFound is returned when a workflow id has no stored graph.
var ErrNotFound = errors.New("workflow not found")

// WorkflowStore is the durable, versionless key-value store over workflow id.
// Every mutation is flushed before returning; writes to the same id are
// serialized by the implementation.
type WorkflowStore interface {
	List(ctx context.Context) ([]models.WorkflowSummary, error)
	Get(ctx context.Context, id string) (*models.Workflow, error)
	Upsert(ctx context.Context, wf *models.Workflow) error
	Delete(ctx context.Context, id string) error
	SetStatus(ctx context.Context, id, status string) error
}

// WorkflowRepository is the Postgres-backed store.
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(db *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

// List retrieves summaries of all workflows, most recently updated first.
func (r *WorkflowRepository) List(ctx context.Context) ([]models.WorkflowSummary, error) {
	query := `
		SELECT id, name, status, updated_at
		FROM workflows
		ORDER BY updated_at DESC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var summaries []models.WorkflowSummary
	for rows.Next() {
		var s models.WorkflowSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Status, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		summaries = append(summaries, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return summaries, nil
}

// Get retrieves a workflow with parsed nodes and connections.
func (r *WorkflowRepository) Get(ctx context.Context, id string) (*models.Workflow, error) {
	query := `
		SELECT id, name, nodes, connections, status, created_at, updated_at
		FROM workflows
		WHERE id = $1
	`

	wf := &models.Workflow{}
	var nodesJSON, connectionsJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&wf.ID,
		&wf.Name,
		&nodesJSON,
		&connectionsJSON,
		&wf.Status,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := json.Unmarshal(nodesJSON, &wf.Nodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal(connectionsJSON, &wf.Connections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connections: %w", err)
	}

	return wf, nil
}

// Upsert writes a workflow atomically, setting updated_at and preserving
// created_at on update.
func (r *WorkflowRepository) Upsert(ctx context.Context, wf *models.Workflow) error {
	nodesJSON, err := json.Marshal(wf.Nodes)
	if err != nil {
		return fmt.Errorf("failed to marshal nodes: %w", err)
	}
	connectionsJSON, err := json.Marshal(wf.Connections)
	if err != nil {
		return fmt.Errorf("failed to marshal connections: %w", err)
	}

	status := wf.Status
	if status == "" {
		status = models.StatusDraft
	}

	query := `
		INSERT INTO workflows (id, name, nodes, connections, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			nodes = EXCLUDED.nodes,
			connections = EXCLUDED.connections,
			status = EXCLUDED.status,
			updated_at = NOW()
	`

	if _, err := r.db.Exec(ctx, query, wf.ID, wf.Name, nodesJSON, connectionsJSON, status); err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	return nil
}

// Delete removes a workflow.
func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus flips the published/draft status.
func (r *WorkflowRepository) SetStatus(ctx context.Context, id, status string) error {
	if status != models.StatusDraft && status != models.StatusPublished {
		return fmt.Errorf("invalid status: %s", status)
	}

	result, err := r.db.Exec(ctx,
		`UPDATE workflows SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set workflow status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
