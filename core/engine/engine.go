package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gigaflow/gigaflow/common/config"
	"github.com/gigaflow/gigaflow/common/gigachat"
	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/repository"
	"github.com/gigaflow/gigaflow/core/condition"
	"github.com/gigaflow/gigaflow/core/dispatch"
	"github.com/gigaflow/gigaflow/core/template"
)

// Engine interprets workflow graphs: breadth-first traversal, template
// resolution against the accumulating result pool, branch routing, goto
// cycles, join fan-in, and sub-workflow invocation for loop and dispatcher
// nodes. One Engine serves arbitrarily many concurrent runs; all per-run
// state lives in the run struct.
type Engine struct {
	store       repository.WorkflowStore
	chatFactory gigachat.Factory
	resolver    *template.Resolver
	conditions  *condition.Evaluator
	sessions    *dispatch.SessionStore
	status      *StatusBuffer
	httpClient  *http.Client
	cfg         config.EngineConfig
	log         *logger.Logger
}

func New(store repository.WorkflowStore, chatFactory gigachat.Factory, sessions *dispatch.SessionStore, cfg config.EngineConfig, log *logger.Logger) *Engine {
	if cfg.MaxGotoIterations <= 0 {
		cfg.MaxGotoIterations = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 30 * time.Second
	}
	if cfg.IteratorTimeout <= 0 {
		cfg.IteratorTimeout = 10 * time.Second
	}
	return &Engine{
		store:       store,
		chatFactory: chatFactory,
		resolver:    template.NewResolver(log),
		conditions:  condition.NewEvaluator(log),
		sessions:    sessions,
		status:      NewStatusBuffer(),
		httpClient:  &http.Client{},
		cfg:         cfg,
		log:         log,
	}
}

// Status exposes the node-status buffer for the HTTP surface.
func (e *Engine) Status() *StatusBuffer {
	return e.status
}

// Sessions exposes the orchestrator session store.
func (e *Engine) Sessions() *dispatch.SessionStore {
	return e.sessions
}

// run is the state of one workflow execution. Nothing here is shared across
// runs, so no locking is needed: a run has a single logical thread that only
// suspends at I/O boundaries.
type run struct {
	nodes       map[string]*models.Node
	connections []models.Connection
	incoming    map[string][]*models.Connection
	labelToID   map[string]string
	pool        map[string]any
	executed    map[string]bool
	gotoCounts  map[string]int
	joinBuffers map[string]map[string]any
	logs        []models.LogEntry
	chat        gigachat.ChatClient // created on first use, shared by the run
}

type queueItem struct {
	nodeID   string
	sourceID string
	input    map[string]any
}

// Execute runs a workflow graph to completion. The returned result carries
// the full result pool (partial on failure) and the structured log vector.
func (e *Engine) Execute(ctx context.Context, req *models.WorkflowExecuteRequest, initialInput map[string]any) *models.ExecutionResult {
	rn, err := newRun(req)
	if err != nil {
		return &models.ExecutionResult{Success: false, Error: err.Error(), Logs: []models.LogEntry{}}
	}

	startNodeID := req.StartNodeID
	if startNodeID == "" {
		startNodeID = pickStartNode(req)
	}
	if startNodeID == "" {
		return &models.ExecutionResult{Success: false, Error: "no start node found", Logs: []models.LogEntry{}}
	}
	if _, ok := rn.nodes[startNodeID]; !ok {
		return &models.ExecutionResult{Success: false, Error: fmt.Sprintf("start node %s not found", startNodeID), Logs: []models.LogEntry{}}
	}

	if initialInput == nil {
		initialInput = map[string]any{}
	}

	queue := []queueItem{{nodeID: startNodeID, input: initialInput}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		if rn.executed[item.nodeID] {
			continue
		}
		node, ok := rn.nodes[item.nodeID]
		if !ok {
			continue
		}

		inputData := item.input

		// Join fan-in: buffer the sender's result and hold fire until every
		// expected source has reported.
		if node.Type == models.NodeJoin && len(rn.incoming[node.ID]) >= 2 {
			buf := rn.joinBuffers[node.ID]
			if buf == nil {
				buf = make(map[string]any)
				rn.joinBuffers[node.ID] = buf
			}
			if item.sourceID != "" {
				if res, ok := rn.pool[item.sourceID]; ok {
					buf[item.sourceID] = res
				}
			}
			waitForAll := models.ConfigBool(node.Config(), "waitForAll", true)
			if waitForAll && len(buf) < len(rn.incoming[node.ID]) {
				continue
			}
			inputData = map[string]any{"inputs": buf}
			delete(rn.joinBuffers, node.ID)
		}

		rn.addLog(node.ID, "info", fmt.Sprintf("Executing node %s", node.Label()), nil)
		e.log.Info("executing node", "node_id", node.ID, "type", node.Type)

		result, err := e.executeNode(ctx, rn, node, inputData)
		if err != nil {
			e.log.Error("node execution failed", "node_id", node.ID, "error", err)
			rn.addLog(node.ID, "error", err.Error(), nil)
			return &models.ExecutionResult{Success: false, Error: err.Error(), Result: rn.pool, Logs: rn.logs}
		}

		// Keep the orchestrator plumbing alive across nodes that do not set
		// their own context.
		if dc, ok := inputData["dispatcher_context"]; ok {
			if _, set := result["dispatcher_context"]; !set {
				result["dispatcher_context"] = dc
			}
		}

		rn.pool[node.ID] = result
		rn.executed[node.ID] = true
		e.status.Record(node.ID, result)

		rn.addLog(node.ID, "success", fmt.Sprintf("Node %s executed successfully", node.Label()), result)

		next, err := e.nextNodes(rn, node, result)
		if err != nil {
			rn.addLog(node.ID, "error", err.Error(), nil)
			return &models.ExecutionResult{Success: false, Error: err.Error(), Result: rn.pool, Logs: rn.logs}
		}
		queue = append(queue, next...)
	}

	return &models.ExecutionResult{Success: true, Result: rn.pool, Logs: rn.logs}
}

// nextNodes selects the outbound edges that fire after a node completes.
// if_else routes on the produced branch; a ":goto" suffix marks a cycle edge
// that re-opens its source and target for execution, bounded by
// maxGotoIterations.
func (e *Engine) nextNodes(rn *run, node *models.Node, result map[string]any) ([]queueItem, error) {
	var next []queueItem

	if node.Type == models.NodeIfElse {
		branch, _ := result["branch"].(string)
		if branch == "" {
			branch = "false"
		}
		for i := range rn.connections {
			conn := &rn.connections[i]
			if conn.Source != node.ID {
				continue
			}
			label := conn.Label()
			isGoto := strings.Contains(label, ":goto")
			actual := strings.SplitN(label, ":", 2)[0]
			if actual != branch {
				continue
			}
			if !isGoto && rn.executed[conn.Target] {
				continue
			}
			if isGoto {
				key := conn.Source + "->" + conn.Target
				rn.gotoCounts[key]++
				maxGotos := models.ConfigInt(node.Config(), "maxGotoIterations", e.cfg.MaxGotoIterations)
				if rn.gotoCounts[key] > maxGotos {
					return nil, fmt.Errorf("GOTO limit (%d) exceeded for %s", maxGotos, key)
				}
				e.log.Info("goto jump", "edge", key, "iteration", rn.gotoCounts[key])

				// Re-open the cycle: both ends may legally run again.
				delete(rn.executed, conn.Target)
				delete(rn.executed, conn.Source)
				delete(rn.pool, conn.Target)
				delete(rn.pool, conn.Source)
			}
			next = append(next, queueItem{nodeID: conn.Target, sourceID: node.ID, input: result})
		}
		return next, nil
	}

	for i := range rn.connections {
		conn := &rn.connections[i]
		if conn.Source != node.ID {
			continue
		}
		if rn.executed[conn.Target] {
			continue
		}
		next = append(next, queueItem{nodeID: conn.Target, sourceID: node.ID, input: result})
	}
	return next, nil
}

// executeNode dispatches to the executor for the node's type.
func (e *Engine) executeNode(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	switch node.Type {
	case models.NodeGigaChat:
		return e.executeGigaChat(ctx, rn, node, inputData)
	case models.NodeWebhook:
		return e.executeWebhook(ctx, rn, node, inputData)
	case models.NodeRequestIterator:
		return e.executeRequestIterator(ctx, rn, node, inputData)
	case models.NodeIfElse:
		return e.executeIfElse(ctx, rn, node, inputData)
	case models.NodeDispatcher:
		return e.executeDispatcher(ctx, rn, node, inputData)
	case models.NodeLoop:
		return e.executeLoop(ctx, rn, node, inputData)
	case models.NodeJoin:
		return e.executeJoin(ctx, rn, node, inputData)
	case models.NodeTimer:
		return e.executeTimer(ctx, rn, node, inputData)
	case models.NodeWebhookTrigger:
		return e.executeWebhookTrigger(ctx, rn, node, inputData)
	case models.NodeEmail:
		return e.executeEmail(ctx, rn, node, inputData)
	case models.NodeDatabase:
		return e.executeDatabase(ctx, rn, node, inputData)
	case models.NodeMCPConnector:
		return e.executeMCPConnector(ctx, rn, node, inputData)
	default:
		return nil, fmt.Errorf("no executor for node type %s", node.Type)
	}
}

// ExecuteNode runs a single node in isolation, outside any graph. Used by
// the editor to test node configurations.
func (e *Engine) ExecuteNode(ctx context.Context, nodeType string, nodeData map[string]any, inputData map[string]any) *models.ExecutionResult {
	node := &models.Node{
		ID:   "temp",
		Type: nodeType,
		Data: map[string]any{},
	}
	if id, ok := nodeData["id"].(string); ok && id != "" {
		node.ID = id
	}
	if data, ok := nodeData["data"].(map[string]any); ok {
		node.Data = data
	}
	if inputData == nil {
		inputData = map[string]any{}
	}

	rn := &run{
		nodes:       map[string]*models.Node{node.ID: node},
		incoming:    map[string][]*models.Connection{},
		labelToID:   map[string]string{},
		pool:        map[string]any{},
		executed:    map[string]bool{},
		gotoCounts:  map[string]int{},
		joinBuffers: map[string]map[string]any{},
	}

	result, err := e.executeNode(ctx, rn, node, inputData)
	if err != nil {
		return &models.ExecutionResult{
			Success: false,
			Error:   err.Error(),
			Logs: []models.LogEntry{{
				Level:     "error",
				Message:   fmt.Sprintf("Error executing node %s: %s", nodeType, err),
				Timestamp: time.Now().Format(time.RFC3339),
			}},
		}
	}
	return &models.ExecutionResult{
		Success: true,
		Result:  map[string]any{node.ID: result},
		Logs: []models.LogEntry{{
			Level:     "info",
			Message:   fmt.Sprintf("Node %s executed successfully", nodeType),
			Timestamp: time.Now().Format(time.RFC3339),
		}},
	}
}

// newRun validates the graph and builds the per-run lookup structures.
// Duplicate labels fail here, before any node executes.
func newRun(req *models.WorkflowExecuteRequest) (*run, error) {
	rn := &run{
		nodes:       make(map[string]*models.Node, len(req.Nodes)),
		connections: req.Connections,
		incoming:    make(map[string][]*models.Connection),
		labelToID:   make(map[string]string, len(req.Nodes)),
		pool:        make(map[string]any),
		executed:    make(map[string]bool),
		gotoCounts:  make(map[string]int),
		joinBuffers: make(map[string]map[string]any),
		logs:        []models.LogEntry{},
	}

	for i := range req.Nodes {
		node := &req.Nodes[i]
		if _, dup := rn.nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id: %s", node.ID)
		}
		rn.nodes[node.ID] = node

		label := node.Label()
		if other, dup := rn.labelToID[label]; dup && other != node.ID {
			return nil, fmt.Errorf("duplicate node label: %s", label)
		}
		rn.labelToID[label] = node.ID
	}

	for i := range req.Connections {
		conn := &req.Connections[i]
		rn.incoming[conn.Target] = append(rn.incoming[conn.Target], conn)
	}

	return rn, nil
}

// pickStartNode prefers a startable-type node without incoming edges, then
// any startable node, then any node without incoming edges.
func pickStartNode(req *models.WorkflowExecuteRequest) string {
	targets := make(map[string]bool, len(req.Connections))
	for _, c := range req.Connections {
		targets[c.Target] = true
	}

	for _, n := range req.Nodes {
		if models.IsStartable(n.Type) && !targets[n.ID] {
			return n.ID
		}
	}
	for _, n := range req.Nodes {
		if models.IsStartable(n.Type) {
			return n.ID
		}
	}
	for _, n := range req.Nodes {
		if !targets[n.ID] {
			return n.ID
		}
	}
	return ""
}

func (rn *run) addLog(nodeID, level, message string, data any) {
	rn.logs = append(rn.logs, models.LogEntry{
		NodeID:    nodeID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
		Data:      data,
	})
}

// chatClient returns the run's LLM client, creating it on first use. The run
// owns one client, so the conversation history rolls across consecutive chat
// nodes and clearHistory has something to clear.
func (e *Engine) chatClient(rn *run) gigachat.ChatClient {
	if rn.chat == nil {
		rn.chat = e.chatFactory()
	}
	return rn.chat
}

// resolve expands templates against the node's current input and the run's
// result pool.
func (e *Engine) resolve(rn *run, tmpl string, inputData map[string]any) string {
	return e.resolver.Resolve(tmpl, inputData, rn.labelToID, rn.pool)
}

// lookupPath reads a dotted path whose first segment may be a node label
// (resolved against the pool) or a field of the current input.
func (e *Engine) lookupPath(rn *run, path string, inputData map[string]any) (any, bool) {
	head := strings.SplitN(path, ".", 2)[0]
	if id, ok := rn.labelToID[head]; ok {
		if _, ok := rn.pool[id]; ok {
			rest := ""
			if idx := strings.Index(path, "."); idx >= 0 {
				rest = path[idx+1:]
			}
			return template.Lookup(rn.pool[id], rest)
		}
	}
	return template.Lookup(inputData, path)
}
