package models

import (
	"time"
)

// Workflow status gates trigger activation: timers and webhooks only fire
// for published workflows.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// Node type tags understood by the engine.
const (
	NodeGigaChat        = "gigachat"
	NodeWebhook         = "webhook"
	NodeRequestIterator = "request_iterator"
	NodeIfElse          = "if_else"
	NodeDispatcher      = "dispatcher"
	NodeLoop            = "loop"
	NodeJoin            = "join"
	NodeTimer           = "timer"
	NodeWebhookTrigger  = "webhook_trigger"
	NodeEmail           = "email"
	NodeDatabase        = "database"
	NodeMCPConnector    = "mcp_connector"
)

// Node is a typed vertex of a workflow graph. Label and Config live inside
// Data, mirroring the editor payload.
type Node struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Position map[string]float64 `json:"position,omitempty"`
	Data     map[string]any     `json:"data"`
}

// Label returns the human-readable alias used in templates, falling back to
// the node id.
func (n *Node) Label() string {
	if n.Data != nil {
		if label, ok := n.Data["label"].(string); ok && label != "" {
			return label
		}
	}
	return n.ID
}

// Config returns the per-type configuration mapping (never nil).
func (n *Node) Config() map[string]any {
	if n.Data != nil {
		if cfg, ok := n.Data["config"].(map[string]any); ok {
			return cfg
		}
	}
	return map[string]any{}
}

// Connection is a directed edge. Data may carry a label that encodes if/else
// branch routing ("true", "false", "true:goto", "false:goto").
type Connection struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Data   map[string]any `json:"data,omitempty"`
}

// Label returns the edge label, defaulting to "true".
func (c *Connection) Label() string {
	if c.Data != nil {
		if label, ok := c.Data["label"].(string); ok && label != "" {
			return label
		}
	}
	return "true"
}

// Workflow is a named, persisted graph with a published/draft lifecycle.
type Workflow struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	Status      string       `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// WorkflowSummary is the list-view projection of a workflow.
type WorkflowSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsStartable reports whether a node type may begin a run.
func IsStartable(nodeType string) bool {
	switch nodeType {
	case NodeGigaChat, NodeWebhook, NodeWebhookTrigger, NodeTimer:
		return true
	}
	return false
}
