package webhooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/queue"
	"github.com/gigaflow/gigaflow/common/repository"
)

// Executor runs a workflow graph. Satisfied by *engine.Engine.
type Executor interface {
	Execute(ctx context.Context, req *models.WorkflowExecuteRequest, initialInput map[string]any) *models.ExecutionResult
}

// Consumer drains the webhook event topic and executes the target workflows.
// HTTP handlers answer 202 as soon as the event is enqueued; the actual run
// happens here.
type Consumer struct {
	store repository.WorkflowStore
	queue queue.Queue
	exec  Executor
	log   *logger.Logger
}

func NewConsumer(store repository.WorkflowStore, q queue.Queue, exec Executor, log *logger.Logger) *Consumer {
	return &Consumer{
		store: store,
		queue: q,
		exec:  exec,
		log:   log,
	}
}

// Start subscribes to the trigger topic. Returns once the subscription is
// registered; message handling runs on the queue's goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	return c.queue.Subscribe(ctx, Topic, c.handle)
}

func (c *Consumer) handle(ctx context.Context, key string, value []byte) error {
	var event TriggerEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return fmt.Errorf("decode trigger event: %w", err)
	}

	// The workflow may have changed since enqueue; run whatever is stored
	// now, and drop the event if it was unpublished in the meantime.
	wf, err := c.store.Get(ctx, event.WorkflowID)
	if err != nil {
		return fmt.Errorf("workflow %s not found for webhook %s", event.WorkflowID, event.WebhookID)
	}
	if wf.Status != models.StatusPublished {
		c.log.Warn("dropping webhook event for unpublished workflow",
			"webhook_id", event.WebhookID, "workflow_id", event.WorkflowID)
		return nil
	}

	c.log.Info("executing webhook-triggered workflow",
		"webhook_id", event.WebhookID, "workflow_id", event.WorkflowID)

	res := c.exec.Execute(ctx, &models.WorkflowExecuteRequest{
		Nodes:       wf.Nodes,
		Connections: wf.Connections,
		StartNodeID: event.StartNodeID,
	}, event.InitialInput)

	if !res.Success {
		return fmt.Errorf("webhook run failed for workflow %s: %s", event.WorkflowID, res.Error)
	}
	return nil
}
