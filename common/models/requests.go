package models

import "time"

// WorkflowExecuteRequest is the payload for direct workflow execution.
// StartNodeID keeps the camelCase key the editor sends.
type WorkflowExecuteRequest struct {
	WorkflowID  string       `json:"workflow_id,omitempty"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	StartNodeID string       `json:"startNodeId,omitempty"`
}

// LogEntry is one structured execution log line returned with a run.
type LogEntry struct {
	NodeID    string `json:"nodeId,omitempty"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// ExecutionResult is the outcome of a run; Result is the node result pool,
// partial on failure so callers can inspect what did execute.
type ExecutionResult struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
	Logs    []LogEntry     `json:"logs"`
}

// WorkflowSaveRequest creates a new workflow.
type WorkflowSaveRequest struct {
	Name        string       `json:"name"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// WorkflowUpdateRequest replaces the graph of an existing workflow.
type WorkflowUpdateRequest struct {
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// SetupTimerRequest arms (or re-arms) the timer derived from a timer node.
type SetupTimerRequest struct {
	Node       Node   `json:"node"`
	WorkflowID string `json:"workflow_id"`
}

// WebhookCreateRequest asks for a fresh webhook id and URL. The editor embeds
// the returned id into a webhook_trigger node config.
type WebhookCreateRequest struct {
	WorkflowID   string   `json:"workflow_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	AuthRequired bool     `json:"auth_required,omitempty"`
	AllowedIPs   []string `json:"allowed_ips,omitempty"`
}

// WebhookInfo describes a generated webhook endpoint.
type WebhookInfo struct {
	WebhookID    string    `json:"webhook_id"`
	WorkflowID   string    `json:"workflow_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	URL          string    `json:"url"`
	AuthRequired bool      `json:"auth_required"`
	AllowedIPs   []string  `json:"allowed_ips,omitempty"`
	CallCount    int64     `json:"call_count"`
	LastCalled   string    `json:"last_called,omitempty"`
}

// DispatcherCallbackRequest returns a sub-workflow result to an orchestrator
// session.
type DispatcherCallbackRequest struct {
	SessionID  string         `json:"session_id"`
	StepResult map[string]any `json:"step_result"`
}

// ExecuteNodeRequest runs a single node in isolation.
type ExecuteNodeRequest struct {
	NodeType  string         `json:"node_type"`
	NodeData  map[string]any `json:"node_data"`
	InputData map[string]any `json:"input_data,omitempty"`
}
