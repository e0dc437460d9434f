package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/queue"
	"github.com/gigaflow/gigaflow/common/repository"
)

// Topic is the queue topic webhook arrivals are published on.
const Topic = "webhook_events"

var (
	// ErrNotFound: no published workflow carries a trigger with this id.
	ErrNotFound = errors.New("webhook not found")
	// ErrNotPublished: the owning workflow exists but is not published.
	ErrNotPublished = errors.New("workflow is not published")
)

// Counter is the piece of the Redis client used for call accounting.
type Counter interface {
	Increment(ctx context.Context, key string) (int64, error)
}

// TriggerEvent is the queue payload for one webhook arrival.
type TriggerEvent struct {
	WebhookID    string         `json:"webhook_id"`
	WorkflowID   string         `json:"workflow_id"`
	StartNodeID  string         `json:"start_node_id"`
	InitialInput map[string]any `json:"initial_input"`
	ReceivedAt   string         `json:"received_at"`
}

// Registry mints webhook ids and resolves incoming calls to the workflow
// holding the matching webhook_trigger node. Ids live only inside node
// configs: the graph is the source of truth, so Trigger scans the store
// instead of keeping its own table.
type Registry struct {
	store   repository.WorkflowStore
	queue   queue.Queue
	counter Counter
	baseURL string
	log     *logger.Logger
}

func NewRegistry(store repository.WorkflowStore, q queue.Queue, counter Counter, baseURL string, log *logger.Logger) *Registry {
	return &Registry{
		store:   store,
		queue:   q,
		counter: counter,
		baseURL: baseURL,
		log:     log,
	}
}

// Create mints a fresh webhook id and its public URL. Nothing is persisted:
// the id only becomes live once the editor embeds it in a webhook_trigger
// node of a published workflow.
func (r *Registry) Create(req *models.WebhookCreateRequest) *models.WebhookInfo {
	id := uuid.New().String()
	info := &models.WebhookInfo{
		WebhookID:    id,
		WorkflowID:   req.WorkflowID,
		Name:         req.Name,
		Description:  req.Description,
		CreatedAt:    time.Now(),
		URL:          fmt.Sprintf("%s/api/v1/webhooks/%s", r.baseURL, id),
		AuthRequired: req.AuthRequired,
		AllowedIPs:   req.AllowedIPs,
	}
	r.log.Info("webhook created", "webhook_id", id, "workflow_id", req.WorkflowID)
	return info
}

// Trigger resolves a webhook id to its workflow and enqueues an execution
// event. Payload carries the request body, headers, and query parameters the
// workflow sees as initial input.
func (r *Registry) Trigger(ctx context.Context, webhookID string, payload map[string]any) (*TriggerEvent, error) {
	wf, node, err := r.find(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	event := &TriggerEvent{
		WebhookID:    webhookID,
		WorkflowID:   wf.ID,
		StartNodeID:  node.ID,
		InitialInput: payload,
		ReceivedAt:   time.Now().Format(time.RFC3339),
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger event: %w", err)
	}
	if err := r.queue.Publish(ctx, Topic, webhookID, raw); err != nil {
		return nil, fmt.Errorf("enqueue trigger event: %w", err)
	}

	// Call accounting is best effort; a dead counter never blocks a trigger.
	if r.counter != nil {
		if _, err := r.counter.Increment(ctx, "webhook_calls:"+webhookID); err != nil {
			r.log.Warn("webhook call counter unavailable", "webhook_id", webhookID)
		}
	}

	r.log.Info("webhook triggered", "webhook_id", webhookID, "workflow_id", wf.ID)
	return event, nil
}

// find scans stored workflows for the webhook_trigger node carrying the id.
func (r *Registry) find(ctx context.Context, webhookID string) (*models.Workflow, *models.Node, error) {
	summaries, err := r.store.List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list workflows: %w", err)
	}

	for _, summary := range summaries {
		wf, err := r.store.Get(ctx, summary.ID)
		if err != nil {
			continue
		}
		for i := range wf.Nodes {
			node := &wf.Nodes[i]
			if node.Type != models.NodeWebhookTrigger {
				continue
			}
			if models.ConfigString(node.Config(), "webhookId", "") != webhookID {
				continue
			}
			if wf.Status != models.StatusPublished {
				return nil, nil, fmt.Errorf("workflow %s: %w", wf.ID, ErrNotPublished)
			}
			return wf, node, nil
		}
	}
	return nil, nil, fmt.Errorf("webhook %s: %w", webhookID, ErrNotFound)
}
