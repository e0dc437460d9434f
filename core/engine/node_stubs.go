package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/gigaflow/gigaflow/common/models"
)

// executeEmail is a stub delivery: it resolves the templated fields and
// returns a structured acknowledgement without sending anything.
func (e *Engine) executeEmail(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()

	to := e.resolve(rn, models.ConfigString(cfg, "to", ""), inputData)
	subject := e.resolve(rn, models.ConfigString(cfg, "subject", ""), inputData)
	body := e.resolve(rn, models.ConfigString(cfg, "body", ""), inputData)

	if to == "" {
		return nil, fmt.Errorf("email node: recipient (to) is not specified")
	}

	e.log.Info("email node", "node_id", node.ID, "to", to, "subject", subject, "body_length", len(body))

	return map[string]any{
		"sent":      true,
		"to":        to,
		"subject":   subject,
		"messageId": fmt.Sprintf("msg_%d", time.Now().Unix()),
	}, nil
}

// executeDatabase is a stub query runner returning a fixed sample row.
func (e *Engine) executeDatabase(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()

	query := e.resolve(rn, models.ConfigString(cfg, "query", ""), inputData)
	connection := models.ConfigString(cfg, "connection", "postgres")

	if query == "" {
		return nil, fmt.Errorf("database node: query is not specified")
	}

	e.log.Info("database node", "node_id", node.ID, "connection", connection)

	return map[string]any{
		"success": true,
		"rows": []any{
			map[string]any{
				"id":         1,
				"text":       "Sample Data",
				"created_at": time.Now().Format(time.RFC3339),
			},
		},
		"rowCount":   1,
		"query":      query,
		"connection": connection,
	}, nil
}
