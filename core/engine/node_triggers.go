package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
)

// executeTimer runs a timer node as the first step of a workflow. Scheduling
// lives in core/timers; the node only emits the trigger envelope.
func (e *Engine) executeTimer(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()
	interval := models.ConfigInt(cfg, "interval", 5)
	timezone := models.ConfigString(cfg, "timezone", "UTC")

	now := time.Now().Format(time.RFC3339)
	message := fmt.Sprintf("Workflow triggered by schedule at %s", now)

	return map[string]any{
		"success": true,
		"message": message,
		"output": map[string]any{
			"text":      message,
			"timestamp": now,
			"interval":  interval,
			"timezone":  timezone,
			"node_id":   node.ID,
		},
	}, nil
}

// executeWebhookTrigger forwards the HTTP arrival payload the run was
// started with.
func (e *Engine) executeWebhookTrigger(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	return map[string]any{
		"success": true,
		"output":  inputData,
	}, nil
}
