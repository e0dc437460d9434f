package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/core/dispatch"
	"github.com/gigaflow/gigaflow/core/template"
)

// executeDispatcher delegates to a sub-workflow. Router mode classifies the
// query and runs one workflow; orchestrator mode builds a multi-step plan
// and coordinates it across callbacks.
func (e *Engine) executeDispatcher(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()
	dispatcherType := models.ConfigString(cfg, "dispatcher_type", "")
	if dispatcherType == "" {
		dispatcherType = models.ConfigString(cfg, "dispatcherType", "router")
	}

	e.log.Info("executing dispatcher", "node_id", node.ID, "mode", dispatcherType)

	switch dispatcherType {
	case "router":
		return e.executeRouterDispatcher(ctx, rn, node, inputData)
	case "orchestrator":
		return e.executeOrchestratorDispatcher(ctx, rn, node, inputData)
	default:
		return nil, fmt.Errorf("dispatcher node: unknown dispatcher type %s", dispatcherType)
	}
}

// executeRouterDispatcher classifies the user query into a route category and
// executes that route's workflow with the current inputs. Classification is
// LLM-backed when useAI is set, keyword substring match otherwise; both fall
// back to the "default" route.
func (e *Engine) executeRouterDispatcher(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()

	queryTemplate := models.ConfigString(cfg, "userQueryTemplate", "{{input.output.text}}")
	userQuery := strings.TrimSpace(e.resolve(rn, queryTemplate, inputData))
	if userQuery == "" {
		return nil, fmt.Errorf("dispatcher node: user query not found in input data")
	}

	routes := models.ConfigMap(cfg, "routes")
	if len(routes) == 0 {
		return nil, fmt.Errorf("dispatcher node: routes are not configured")
	}

	category := "default"

	if models.ConfigBool(cfg, "useAI", true) {
		category = e.classifyWithAI(ctx, rn, cfg, routes, userQuery)
	} else {
		queryLower := strings.ToLower(userQuery)
		names := sortedKeys(routes)
		for _, name := range names {
			if name == "default" {
				continue
			}
			info, _ := routes[name].(map[string]any)
			for _, kw := range anyToStrings(info["keywords"]) {
				if strings.Contains(queryLower, strings.ToLower(kw)) {
					category = name
					break
				}
			}
			if category != "default" {
				break
			}
		}
	}

	selected, _ := routes[category].(map[string]any)
	if selected == nil {
		selected, _ = routes["default"].(map[string]any)
	}
	if selected == nil {
		return nil, fmt.Errorf("dispatcher node: no route found for category '%s' and no default route is set", category)
	}

	workflowID := models.ConfigString(selected, "workflow_id", "")
	e.log.Info("dispatcher routed", "node_id", node.ID, "category", category, "workflow_id", workflowID)

	wf, err := e.store.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("dispatcher node: target workflow '%s' not found", workflowID)
	}

	subInput := make(map[string]any, len(inputData)+1)
	for k, v := range inputData {
		subInput[k] = v
	}
	subInput["dispatcher_info"] = map[string]any{
		"category":          category,
		"original_query":    userQuery,
		"selected_workflow": workflowID,
	}

	subResult := e.Execute(ctx, &models.WorkflowExecuteRequest{Nodes: wf.Nodes, Connections: wf.Connections}, subInput)

	result := make(map[string]any, len(subResult.Result)+4)
	for k, v := range subResult.Result {
		result[k] = v
	}
	result["success"] = subResult.Success
	result["dispatcher_category"] = category
	result["executed_workflow_id"] = workflowID
	result["output"] = map[string]any{
		"text": fmt.Sprintf("Result from workflow '%s'", workflowID),
		"json": subResult.Result,
	}
	return result, nil
}

// classifyWithAI asks the LLM to pick a category. The answer is accepted
// only when it names a known category; anything else falls back to default.
func (e *Engine) classifyWithAI(ctx context.Context, rn *run, cfg map[string]any, routes map[string]any, userQuery string) string {
	authToken := models.ConfigString(cfg, "dispatcherAuthToken", "")

	var parts []string
	for _, name := range sortedKeys(routes) {
		info, _ := routes[name].(map[string]any)
		part := name
		if desc := models.ConfigString(info, "description", ""); desc != "" {
			part += " — " + desc
		}
		if keywords := anyToStrings(info["keywords"]); len(keywords) > 0 {
			part += fmt.Sprintf(" (keywords: %s)", strings.Join(keywords, ", "))
		}
		parts = append(parts, part)
	}

	promptTemplate := models.ConfigString(cfg, "dispatcherPrompt",
		"Determine the category of the user request and pick the matching handler.\n"+
			"Available categories: {categories}\n"+
			"User request: {query}\n"+
			"Reply with ONLY one word: the category name.")
	prompt := strings.NewReplacer(
		"{categories}", strings.Join(parts, "; "),
		"{query}", userQuery,
	).Replace(promptTemplate)

	client := e.chatClient(rn)
	if err := client.GetToken(ctx, authToken, ""); err != nil {
		e.log.Error("dispatcher classification token failed, using default", "error", err)
		return "default"
	}

	chat, err := client.Chat(ctx,
		"You are a request classifier. Reply with only the category name.", prompt)
	if err != nil || !chat.Success {
		e.log.Warn("dispatcher classification failed, using default")
		return "default"
	}

	answer := strings.ToLower(strings.TrimSpace(chat.Response))
	if _, known := routes[answer]; known {
		return answer
	}
	e.log.Warn("classifier returned unknown category, using default", "answer", answer)
	return "default"
}

// executeOrchestratorDispatcher creates a session with an LLM-generated plan
// and launches step 0. Subsequent steps run through HandleDispatcherCallback
// when sub-workflows report back.
func (e *Engine) executeOrchestratorDispatcher(ctx context.Context, rn *run, node *models.Node, inputData map[string]any) (map[string]any, error) {
	cfg := node.Config()

	queryTemplate := models.ConfigString(cfg, "userQueryTemplate", "{{input.query}}")
	userQuery := strings.TrimSpace(e.resolve(rn, queryTemplate, inputData))
	if userQuery == "" {
		for _, key := range []string{"user_query", "message", "query", "text"} {
			if v, ok := inputData[key].(string); ok && v != "" {
				userQuery = v
				break
			}
		}
	}

	plan, err := e.createExecutionPlan(ctx, rn, cfg, userQuery)
	if err != nil {
		return nil, fmt.Errorf("dispatcher node: %w", err)
	}

	sess := &dispatch.Session{
		SessionID:        uuid.New().String(),
		DispatcherID:     node.ID,
		Plan:             plan,
		CurrentStep:      0,
		InitialQuery:     userQuery,
		ExecutionHistory: []dispatch.HistoryEntry{},
		IsAgentMode:      models.ConfigBool(cfg, "agentMode", false),
		DispatcherConfig: cfg,
		CreatedAt:        time.Now(),
	}
	e.sessions.Put(sess)
	e.log.Info("orchestrator session created", "session_id", sess.SessionID, "steps", len(plan))

	return e.launchPlanStep(ctx, sess, inputData, map[string]any{})
}

// createExecutionPlan asks the LLM for a JSON plan over availableWorkflows.
// Every workflow_id is validated; an unparsable or invalid plan falls back
// to a single step running the first available workflow.
func (e *Engine) createExecutionPlan(ctx context.Context, rn *run, cfg map[string]any, userQuery string) ([]dispatch.PlanStep, error) {
	available := models.ConfigMap(cfg, "availableWorkflows")
	if available == nil {
		available = models.ConfigMap(cfg, "available_workflows")
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no available workflows configured for planning")
	}

	authToken := models.ConfigString(cfg, "dispatcherAuthToken", "")

	var lines []string
	for _, id := range sortedKeys(available) {
		info, _ := available[id].(map[string]any)
		line := fmt.Sprintf("- %s: %s", id, models.ConfigString(info, "description", "no description"))
		if keywords := anyToStrings(info["keywords"]); len(keywords) > 0 {
			line += fmt.Sprintf(" (keywords: %s)", strings.Join(keywords, ", "))
		}
		lines = append(lines, line)
	}

	prompt := fmt.Sprintf(`The user asks: %q
Available workflows:
%s

Create a step-by-step execution plan as a JSON array:
[
    {"workflow_id": "workflow1", "description": "what this step does"},
    {"workflow_id": "workflow2", "description": "what this step does"}
]

Rules:
1. Use only workflow_id values from the list above
2. Order the steps logically
3. Reply with ONLY the JSON array, no extra text
4. A simple task may need a single workflow`, userQuery, strings.Join(lines, "\n"))

	fallback := func() []dispatch.PlanStep {
		first := sortedKeys(available)[0]
		e.log.Warn("falling back to single-step plan", "workflow_id", first)
		return []dispatch.PlanStep{{WorkflowID: first, Description: "Fallback workflow"}}
	}

	client := e.chatClient(rn)
	if err := client.GetToken(ctx, authToken, ""); err != nil {
		return nil, fmt.Errorf("planner authentication failed: %w", err)
	}

	chat, err := client.Chat(ctx,
		"You are a task planner. Analyse the user request and build the optimal execution plan from the available workflows.",
		prompt)
	if err != nil || !chat.Success {
		return nil, fmt.Errorf("planner request failed")
	}

	plan, err := parsePlan(chat.Response, available)
	if err != nil {
		e.log.Error("plan parsing failed", "error", err, "response", chat.Response)
		return fallback(), nil
	}
	if len(plan) == 0 {
		return fallback(), nil
	}

	e.log.Info("execution plan created", "steps", len(plan))
	return plan, nil
}

// parsePlan strips Markdown fences, decodes the JSON array, and checks every
// step against the available workflow set.
func parsePlan(response string, available map[string]any) ([]dispatch.PlanStep, error) {
	cleaned := template.StripCodeFences(strings.TrimSpace(response))

	var plan []dispatch.PlanStep
	if err := json.Unmarshal([]byte(cleaned), &plan); err != nil {
		return nil, fmt.Errorf("plan is not a JSON array: %w", err)
	}
	for _, step := range plan {
		if step.WorkflowID == "" {
			return nil, fmt.Errorf("plan step missing workflow_id")
		}
		if _, ok := available[step.WorkflowID]; !ok {
			return nil, fmt.Errorf("plan references unknown workflow %s", step.WorkflowID)
		}
	}
	return plan, nil
}

// HandleDispatcherCallback feeds a sub-workflow result back into its
// orchestrator session: record history, advance (or re-plan in agent mode),
// and either launch the next step or finish and delete the session.
func (e *Engine) HandleDispatcherCallback(ctx context.Context, sessionID string, stepResult map[string]any) (map[string]any, error) {
	sess, ok := e.sessions.Find(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	sess.Lock()
	defer sess.Unlock()

	var stepInfo dispatch.PlanStep
	if sess.CurrentStep < len(sess.Plan) {
		stepInfo = sess.Plan[sess.CurrentStep]
	}
	sess.ExecutionHistory = append(sess.ExecutionHistory, dispatch.HistoryEntry{
		StepInfo:  stepInfo,
		Result:    stepResult,
		Timestamp: time.Now(),
	})

	e.log.Info("dispatcher callback", "session_id", sessionID,
		"completed_workflow", stepInfo.WorkflowID, "step", sess.CurrentStep)

	if sess.IsAgentMode {
		newPlan, err := e.replan(ctx, sess)
		if err != nil {
			e.log.Warn("re-planning failed, finishing session", "session_id", sessionID, "error", err)
			sess.Plan = nil
			sess.CurrentStep = 0
		} else {
			sess.Plan = newPlan
			sess.CurrentStep = 0
		}
	} else {
		sess.CurrentStep++
	}

	if sess.CurrentStep >= len(sess.Plan) {
		e.log.Info("orchestrator plan completed", "session_id", sessionID, "steps", len(sess.ExecutionHistory))

		terminal := map[string]any{
			"success":           true,
			"message":           "Plan completed successfully",
			"session_id":        sessionID,
			"completed_steps":   len(sess.ExecutionHistory),
			"execution_history": historyToAny(sess.ExecutionHistory),
			"session_completed": true,
			"output": map[string]any{
				"text": fmt.Sprintf("Completed a plan of %d steps", len(sess.ExecutionHistory)),
				"json": historyToAny(sess.ExecutionHistory),
			},
		}
		e.sessions.Delete(sess.DispatcherID, sessionID)
		return terminal, nil
	}

	return e.launchPlanStep(ctx, sess, nil, stepResult)
}

// launchPlanStep executes the workflow of the session's current plan step.
// baseInput carries the triggering node inputs for step 0 and is nil on
// callback-driven steps.
func (e *Engine) launchPlanStep(ctx context.Context, sess *dispatch.Session, baseInput, lastStepResult map[string]any) (map[string]any, error) {
	step := sess.Plan[sess.CurrentStep]

	wf, err := e.store.Get(ctx, step.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("plan workflow '%s' not found", step.WorkflowID)
	}

	input := make(map[string]any, len(baseInput)+5)
	for k, v := range baseInput {
		input[k] = v
	}
	input["session_id"] = sess.SessionID
	input["initial_query"] = sess.InitialQuery
	input["execution_history"] = historyToAny(sess.ExecutionHistory)
	input["last_step_result"] = lastStepResult
	input["dispatcher_context"] = map[string]any{
		"session_id":    sess.SessionID,
		"plan":          planToAny(sess.Plan),
		"step":          sess.CurrentStep,
		"dispatcher_id": sess.DispatcherID,
	}

	e.log.Info("launching plan step", "session_id", sess.SessionID,
		"step", sess.CurrentStep, "workflow_id", step.WorkflowID)

	res := e.Execute(ctx, &models.WorkflowExecuteRequest{Nodes: wf.Nodes, Connections: wf.Connections}, input)

	result := map[string]any{
		"success":     res.Success,
		"workflow_id": step.WorkflowID,
		"session_id":  sess.SessionID,
		"result":      res.Result,
		"output": map[string]any{
			"text": fmt.Sprintf("Workflow %s %s", step.WorkflowID, statusWord(res.Success)),
			"json": res.Result,
		},
	}
	if !res.Success {
		result["error"] = res.Error
	}
	return result, nil
}

// replan asks the LLM for the remaining plan given the full execution
// history. An empty array signals completion.
func (e *Engine) replan(ctx context.Context, sess *dispatch.Session) ([]dispatch.PlanStep, error) {
	cfg := sess.DispatcherConfig
	available := models.ConfigMap(cfg, "availableWorkflows")
	if available == nil {
		available = models.ConfigMap(cfg, "available_workflows")
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no available workflows for re-planning")
	}

	var history []string
	for i, entry := range sess.ExecutionHistory {
		raw, _ := json.Marshal(entry.Result)
		summary := string(raw)
		if len(summary) > 500 {
			summary = summary[:500] + "..."
		}
		history = append(history, fmt.Sprintf("Step %d: executed workflow %s, result: %s",
			i+1, entry.StepInfo.WorkflowID, summary))
	}

	var tools []string
	for _, id := range sortedKeys(available) {
		info, _ := available[id].(map[string]any)
		tools = append(tools, fmt.Sprintf("- %s: %s", id, models.ConfigString(info, "description", "no description")))
	}

	prompt := fmt.Sprintf(`Initial user request: %q

Executed so far:
%s

Available workflows:
%s

Decide what remains to be done. Reply with ONLY a JSON array of the remaining
steps in the form [{"workflow_id": "...", "description": "..."}].
Reply with an empty array [] if the request is fully handled.`,
		sess.InitialQuery, strings.Join(history, "\n"), strings.Join(tools, "\n"))

	// Callbacks arrive outside any run, so re-planning uses its own client.
	client := e.chatFactory()
	if err := client.GetToken(ctx, models.ConfigString(cfg, "dispatcherAuthToken", ""), ""); err != nil {
		return nil, fmt.Errorf("re-planner authentication failed: %w", err)
	}

	chat, err := client.Chat(ctx,
		"You are a task planner revising an execution plan mid-flight. Return only the remaining steps as JSON.",
		prompt)
	if err != nil || !chat.Success {
		return nil, fmt.Errorf("re-planner request failed")
	}

	return parsePlan(chat.Response, available)
}

func statusWord(success bool) string {
	if success {
		return "completed successfully"
	}
	return "failed"
}

func planToAny(plan []dispatch.PlanStep) []any {
	out := make([]any, len(plan))
	for i, s := range plan {
		out[i] = map[string]any{"workflow_id": s.WorkflowID, "description": s.Description}
	}
	return out
}

func historyToAny(history []dispatch.HistoryEntry) []any {
	out := make([]any, len(history))
	for i, h := range history {
		out[i] = map[string]any{
			"step_info": map[string]any{
				"workflow_id": h.StepInfo.WorkflowID,
				"description": h.StepInfo.Description,
			},
			"result":    h.Result,
			"timestamp": h.Timestamp.Format(time.RFC3339),
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func anyToStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
