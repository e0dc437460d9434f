package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigaflow/gigaflow/common/config"
	"github.com/gigaflow/gigaflow/common/gigachat"
	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/repository"
	"github.com/gigaflow/gigaflow/core/dispatch"
)

// stubChat replays canned LLM responses in order, looping on the last one.
type stubChat struct {
	mu        sync.Mutex
	responses []string
	calls     int
	clears    int
}

func (s *stubChat) GetToken(ctx context.Context, authToken, scope string) error { return nil }

func (s *stubChat) Chat(ctx context.Context, system, user string) (*gigachat.ChatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return &gigachat.ChatResult{Success: false, Error: "no canned response"}, nil
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return &gigachat.ChatResult{Success: true, Response: s.responses[idx], ConversationLength: 2}, nil
}

func (s *stubChat) Embedding(ctx context.Context, text string) ([]float64, error) { return nil, nil }

func (s *stubChat) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func newTestEngine(t *testing.T, store repository.WorkflowStore, chat *stubChat) *Engine {
	t.Helper()
	if store == nil {
		store = repository.NewMemoryStore()
	}
	if chat == nil {
		chat = &stubChat{}
	}
	factory := func() gigachat.ChatClient { return chat }
	return New(store, factory, dispatch.NewSessionStore(), config.EngineConfig{}, logger.Discard())
}

func node(id, nodeType, label string, cfg map[string]any) models.Node {
	return models.Node{
		ID:   id,
		Type: nodeType,
		Data: map[string]any{"label": label, "config": cfg},
	}
}

func edge(source, target, label string) models.Connection {
	c := models.Connection{ID: source + "-" + target, Source: source, Target: target}
	if label != "" {
		c.Data = map[string]any{"label": label}
	}
	return c
}

// echoWorkflow stores a single-node workflow that returns its initial input.
func echoWorkflow(t *testing.T, store repository.WorkflowStore, id string) {
	t.Helper()
	err := store.Upsert(context.Background(), &models.Workflow{
		ID:    id,
		Name:  id,
		Nodes: []models.Node{node(id+"-echo", models.NodeWebhookTrigger, id+" echo", nil)},
	})
	require.NoError(t, err)
}

func TestLinearPipeline(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	chat := &stubChat{responses: []string{"world"}}
	e := newTestEngine(t, nil, chat)

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{
			node("A", models.NodeGigaChat, "A", map[string]any{
				"authToken":   "token",
				"userMessage": "Hello",
			}),
			node("B", models.NodeWebhook, "B", map[string]any{
				"url":          srv.URL + "/{{A.meta.id_node}}",
				"bodyTemplate": `{"t":"{{A.text}}"}`,
			}),
		},
		Connections: []models.Connection{edge("A", "B", "")},
	}

	res := e.Execute(context.Background(), req, nil)
	require.True(t, res.Success, "run failed: %s", res.Error)

	a := res.Result["A"].(map[string]any)
	assert.Equal(t, "world", a["text"])

	assert.Equal(t, "/A", gotPath)
	assert.Equal(t, map[string]any{"t": "world"}, gotBody)

	b := res.Result["B"].(map[string]any)
	meta := b["meta"].(map[string]any)
	assert.Equal(t, true, meta["success"])
}

func TestChatClientSharedWithinRun(t *testing.T) {
	var created atomic.Int32
	chat := &stubChat{responses: []string{"first", "second"}}
	factory := func() gigachat.ChatClient {
		created.Add(1)
		return chat
	}
	e := New(repository.NewMemoryStore(), factory, dispatch.NewSessionStore(), config.EngineConfig{}, logger.Discard())

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{
			node("A", models.NodeGigaChat, "A", map[string]any{
				"authToken":   "token",
				"userMessage": "one",
			}),
			node("B", models.NodeGigaChat, "B", map[string]any{
				"authToken":    "token",
				"userMessage":  "two",
				"clearHistory": true,
			}),
		},
		Connections: []models.Connection{edge("A", "B", "")},
	}

	res := e.Execute(context.Background(), req, nil)
	require.True(t, res.Success, res.Error)

	// Consecutive chat nodes talk through the same client, so the history
	// rolls between them and clearHistory on B reaches it.
	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, chat.clears)

	// A second run gets a client of its own.
	res = e.Execute(context.Background(), req, nil)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, int32(2), created.Load())
}

func TestConditionalGotoLoop(t *testing.T) {
	// Increment service: reads {"n": x}, answers {"n": x+1}.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		n, _ := body["n"].(float64)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"n":%d}`, int(n)+1)
	}))
	defer srv.Close()

	e := newTestEngine(t, nil, nil)

	req := &models.WorkflowExecuteRequest{
		StartNodeID: "check",
		Nodes: []models.Node{
			node("check", models.NodeIfElse, "check", map[string]any{
				"conditionType":     "less",
				"fieldPath":         "json.n",
				"compareValue":      "3",
				"maxGotoIterations": 5,
			}),
			node("inc", models.NodeWebhook, "inc", map[string]any{
				"url":          srv.URL,
				"bodyTemplate": `{"n": {{input.json.n}}}`,
			}),
			node("end", models.NodeWebhookTrigger, "end", nil),
		},
		Connections: []models.Connection{
			edge("check", "inc", "true:goto"),
			edge("inc", "check", "true"),
			edge("check", "end", "false"),
		},
	}

	res := e.Execute(context.Background(), req, map[string]any{"json": map[string]any{"n": 0.0}})
	require.True(t, res.Success, "run failed: %s", res.Error)

	end := res.Result["end"].(map[string]any)
	assert.Equal(t, true, end["success"])

	// Three increments happened before the condition flipped.
	final := end["output"].(map[string]any)["json"].(map[string]any)
	assert.Equal(t, 3.0, final["n"])
}

func TestGotoLimitAbortsRun(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	// Condition never flips: the goto edge cycles until the limit trips.
	req := &models.WorkflowExecuteRequest{
		StartNodeID: "check",
		Nodes: []models.Node{
			node("check", models.NodeIfElse, "check", map[string]any{
				"conditionType":     "not_equals",
				"fieldPath":         "kind",
				"compareValue":      "never-this",
				"maxGotoIterations": 2,
			}),
			node("again", models.NodeWebhookTrigger, "again", nil),
		},
		Connections: []models.Connection{
			edge("check", "again", "true:goto"),
			edge("again", "check", "true"),
		},
	}

	res := e.Execute(context.Background(), req, map[string]any{"kind": "loop"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "GOTO limit (2) exceeded")
	assert.Contains(t, res.Error, "check->again")
}

func TestLoopParallelBounded(t *testing.T) {
	var inFlight, maxInFlight int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		defer atomic.AddInt32(&inFlight, -1)

		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		v, _ := body["v"].(float64)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"result":%d}`, int(v)*10)
	}))
	defer srv.Close()

	store := repository.NewMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), &models.Workflow{
		ID:   "echo",
		Name: "echo",
		Nodes: []models.Node{
			node("times-ten", models.NodeWebhook, "times ten", map[string]any{
				"url":          srv.URL,
				"bodyTemplate": `{"v": {{input.item}}}`,
			}),
		},
	}))

	e := newTestEngine(t, store, nil)

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{
			node("start", models.NodeWebhookTrigger, "start", nil),
			node("fan", models.NodeLoop, "fan", map[string]any{
				"inputArrayPath": "output.items",
				"subWorkflowId":  "echo",
				"executionMode":  "parallel",
				"maxConcurrent":  2,
			}),
		},
		Connections: []models.Connection{edge("start", "fan", "")},
	}

	res := e.Execute(context.Background(), req, map[string]any{
		"items": []any{1.0, 2.0, 3.0, 4.0, 5.0},
	})
	require.True(t, res.Success, "run failed: %s", res.Error)

	fan := res.Result["fan"].(map[string]any)
	results := fan["results"].([]any)
	require.Len(t, results, 5)

	for i, r := range results {
		entry := r.(map[string]any)
		assert.Equal(t, i, entry["index"])
		sub := entry["result"].(map[string]any)["times-ten"].(map[string]any)
		value := sub["json"].(map[string]any)["result"]
		assert.Equal(t, float64((i+1)*10), value)
	}

	summary := fan["summary"].(map[string]any)
	assert.Equal(t, 5, summary["success_count"])
	assert.LessOrEqual(t, maxInFlight, int32(2))
}

func TestJoinWaitsForAllSources(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"branch":%q}`, r.URL.Path)
	}))
	defer srv.Close()

	e := newTestEngine(t, nil, nil)

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{
			node("start", models.NodeWebhookTrigger, "start", nil),
			node("left", models.NodeWebhook, "left", map[string]any{"url": srv.URL + "/left"}),
			node("right", models.NodeWebhook, "right", map[string]any{"url": srv.URL + "/right"}),
			node("merge", models.NodeJoin, "merge", map[string]any{"mergeStrategy": "merge_json"}),
		},
		Connections: []models.Connection{
			edge("start", "left", ""),
			edge("start", "right", ""),
			edge("left", "merge", ""),
			edge("right", "merge", ""),
		},
	}

	res := e.Execute(context.Background(), req, nil)
	require.True(t, res.Success, "run failed: %s", res.Error)

	merge := res.Result["merge"].(map[string]any)
	assert.Equal(t, true, merge["success"])

	joinResult := merge["join_result"].(map[string]any)
	sources := joinResult["sources"].(map[string]any)
	require.Len(t, sources, 2)
	assert.Contains(t, sources, "left")
	assert.Contains(t, sources, "right")
}

func TestJoinPromotesCommonFields(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	rn := &run{labelToID: map[string]string{}, pool: map[string]any{}}
	joinNode := node("merge", models.NodeJoin, "merge", map[string]any{"mergeStrategy": "merge_json"})

	result, err := e.executeJoin(context.Background(), rn, &joinNode, map[string]any{
		"inputs": map[string]any{
			"s1": map[string]any{"user": "alice", "color": "red"},
			"s2": map[string]any{"user": "alice", "color": "blue"},
		},
	})
	require.NoError(t, err)

	// Shared fields surface at the top level.
	assert.Equal(t, "alice", result["user"])

	sources := result["join_result"].(map[string]any)["sources"].(map[string]any)
	assert.Equal(t, map[string]any{"color": "red"}, sources["s1"])
	assert.Equal(t, map[string]any{"color": "blue"}, sources["s2"])
}

func TestRouterDispatcherKeywordMatch(t *testing.T) {
	store := repository.NewMemoryStore()
	echoWorkflow(t, store, "billing-wf")
	echoWorkflow(t, store, "fallback-wf")

	e := newTestEngine(t, store, nil)

	req := &models.WorkflowExecuteRequest{
		StartNodeID: "disp",
		Nodes: []models.Node{
			node("disp", models.NodeDispatcher, "disp", map[string]any{
				"dispatcher_type":   "router",
				"useAI":             false,
				"userQueryTemplate": "{{input.query}}",
				"routes": map[string]any{
					"billing": map[string]any{
						"workflow_id": "billing-wf",
						"keywords":    []any{"invoice", "pay"},
					},
					"default": map[string]any{"workflow_id": "fallback-wf"},
				},
			}),
		},
	}

	res := e.Execute(context.Background(), req, map[string]any{"query": "When is my invoice due?"})
	require.True(t, res.Success, "run failed: %s", res.Error)

	disp := res.Result["disp"].(map[string]any)
	assert.Equal(t, "billing", disp["dispatcher_category"])
	assert.Equal(t, "billing-wf", disp["executed_workflow_id"])

	// The sub-workflow saw the dispatcher_info envelope.
	sub := disp["billing-wf-echo"].(map[string]any)
	info := sub["output"].(map[string]any)["dispatcher_info"].(map[string]any)
	assert.Equal(t, "billing", info["category"])
	assert.Equal(t, "When is my invoice due?", info["original_query"])
}

func TestOrchestratorThreeStepPlan(t *testing.T) {
	store := repository.NewMemoryStore()
	echoWorkflow(t, store, "p1")
	echoWorkflow(t, store, "p2")
	echoWorkflow(t, store, "p3")

	chat := &stubChat{responses: []string{
		"```json\n[{\"workflow_id\":\"p1\",\"description\":\"one\"},{\"workflow_id\":\"p2\",\"description\":\"two\"},{\"workflow_id\":\"p3\",\"description\":\"three\"}]\n```",
	}}
	e := newTestEngine(t, store, chat)

	req := &models.WorkflowExecuteRequest{
		StartNodeID: "disp",
		Nodes: []models.Node{
			node("disp", models.NodeDispatcher, "disp", map[string]any{
				"dispatcher_type":   "orchestrator",
				"userQueryTemplate": "{{input.query}}",
				"availableWorkflows": map[string]any{
					"p1": map[string]any{"description": "first"},
					"p2": map[string]any{"description": "second"},
					"p3": map[string]any{"description": "third"},
				},
			}),
		},
	}

	res := e.Execute(context.Background(), req, map[string]any{"query": "run everything"})
	require.True(t, res.Success, "run failed: %s", res.Error)

	disp := res.Result["disp"].(map[string]any)
	assert.Equal(t, "p1", disp["workflow_id"])
	sessionID := disp["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, 1, e.Sessions().Count())

	ctx := context.Background()

	// P1 reports back: P2 launches and receives P1's result.
	p1Result := map[string]any{"answer": "from-p1"}
	step2, err := e.HandleDispatcherCallback(ctx, sessionID, p1Result)
	require.NoError(t, err)
	assert.Equal(t, "p2", step2["workflow_id"])

	p2Pool := step2["result"].(map[string]any)
	p2Echo := p2Pool["p2-echo"].(map[string]any)
	seen := p2Echo["output"].(map[string]any)["last_step_result"]
	assert.Equal(t, p1Result, seen)

	step3, err := e.HandleDispatcherCallback(ctx, sessionID, map[string]any{"answer": "from-p2"})
	require.NoError(t, err)
	assert.Equal(t, "p3", step3["workflow_id"])

	terminal, err := e.HandleDispatcherCallback(ctx, sessionID, map[string]any{"answer": "from-p3"})
	require.NoError(t, err)
	assert.Equal(t, true, terminal["session_completed"])
	assert.Equal(t, 3, terminal["completed_steps"])
	assert.Len(t, terminal["execution_history"], 3)

	// Terminal result guarantees session deletion.
	assert.Equal(t, 0, e.Sessions().Count())
}

func TestOrchestratorFallbackPlanOnGarbage(t *testing.T) {
	store := repository.NewMemoryStore()
	echoWorkflow(t, store, "only-wf")

	chat := &stubChat{responses: []string{"I cannot produce JSON, sorry."}}
	e := newTestEngine(t, store, chat)

	req := &models.WorkflowExecuteRequest{
		StartNodeID: "disp",
		Nodes: []models.Node{
			node("disp", models.NodeDispatcher, "disp", map[string]any{
				"dispatcher_type": "orchestrator",
				"availableWorkflows": map[string]any{
					"only-wf": map[string]any{"description": "the only one"},
				},
			}),
		},
	}

	res := e.Execute(context.Background(), req, map[string]any{"query": "anything"})
	require.True(t, res.Success, "run failed: %s", res.Error)

	disp := res.Result["disp"].(map[string]any)
	assert.Equal(t, "only-wf", disp["workflow_id"])
}

func TestCallbackUnknownSession(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	_, err := e.HandleDispatcherCallback(context.Background(), "no-such-session", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session no-such-session not found")
}

func TestDuplicateLabelsRejected(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{
			node("a", models.NodeWebhookTrigger, "same", nil),
			node("b", models.NodeWebhookTrigger, "same", nil),
		},
	}

	res := e.Execute(context.Background(), req, nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "duplicate node label")
}

func TestResultPoolWrittenOncePerNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, nil, nil)

	// Diamond: start fans out to two webhooks that both point at "tail".
	// tail must run once even though two edges reach it.
	var tailRuns int32
	tailSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tailRuns, 1)
		w.Write([]byte(`{}`))
	}))
	defer tailSrv.Close()

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{
			node("start", models.NodeWebhookTrigger, "start", nil),
			node("x", models.NodeWebhook, "x", map[string]any{"url": srv.URL}),
			node("y", models.NodeWebhook, "y", map[string]any{"url": srv.URL}),
			node("tail", models.NodeWebhook, "tail", map[string]any{"url": tailSrv.URL}),
		},
		Connections: []models.Connection{
			edge("start", "x", ""),
			edge("start", "y", ""),
			edge("x", "tail", ""),
			edge("y", "tail", ""),
		},
	}

	res := e.Execute(context.Background(), req, nil)
	require.True(t, res.Success, "run failed: %s", res.Error)
	assert.Equal(t, int32(1), tailRuns)
}

func TestExecuteNodeInIsolation(t *testing.T) {
	chat := &stubChat{responses: []string{"isolated answer"}}
	e := newTestEngine(t, nil, chat)

	res := e.ExecuteNode(context.Background(), models.NodeGigaChat, map[string]any{
		"id": "solo",
		"data": map[string]any{
			"config": map[string]any{"authToken": "t", "userMessage": "ping"},
		},
	}, nil)

	require.True(t, res.Success, "node failed: %s", res.Error)
	solo := res.Result["solo"].(map[string]any)
	assert.Equal(t, "isolated answer", solo["text"])
}

func TestNodeStatusBufferReadsAndClears(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{node("only", models.NodeWebhookTrigger, "only", nil)},
	}
	res := e.Execute(context.Background(), req, map[string]any{"k": "v"})
	require.True(t, res.Success)

	first := e.Status().Take([]string{"only", "missing"})
	require.Contains(t, first, "only")
	assert.NotContains(t, first, "missing")

	second := e.Status().Take([]string{"only"})
	assert.Empty(t, second)
}

func TestUnknownNodeTypeAborts(t *testing.T) {
	e := newTestEngine(t, nil, nil)

	req := &models.WorkflowExecuteRequest{
		Nodes: []models.Node{node("weird", "quantum", "weird", nil)},
	}
	res := e.Execute(context.Background(), req, nil)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "no executor for node type quantum")

	// Partial state is still inspectable.
	assert.NotNil(t, res.Logs)
}
