package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/cmd/engine/routes"
	"github.com/gigaflow/gigaflow/common/config"
	"github.com/gigaflow/gigaflow/common/logger"
	"github.com/gigaflow/gigaflow/common/models"
)

func newTestServer(t *testing.T) (*echo.Echo, *container.Container) {
	t.Helper()

	cfg := &config.Config{
		Service: config.ServiceConfig{
			Name:    "engine",
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Engine: config.EngineConfig{
			StoreType: "memory",
			QueueType: "memory",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c, err := container.NewContainer(ctx, cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Shutdown(ctx) })

	e := echo.New()
	routes.RegisterWorkflowRoutes(e, c)
	routes.RegisterExecutionRoutes(e, c)
	routes.RegisterTimerRoutes(e, c)
	routes.RegisterWebhookRoutes(e, c)
	routes.RegisterDispatcherRoutes(e, c)
	return e, c
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestWorkflowCRUD(t *testing.T) {
	e, _ := newTestServer(t)

	// Create: the id is the slug of the name (whitespace becomes underscores).
	rec := doJSON(e, http.MethodPost, "/api/v1/workflows",
		`{"name":"My First Flow!","nodes":[{"id":"n1","type":"webhook_trigger","data":{"label":"in"}}],"connections":[]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "my_first_flow", created["workflow_id"])
	assert.Equal(t, "My First Flow!", created["name"])

	// Duplicate name conflicts.
	rec = doJSON(e, http.MethodPost, "/api/v1/workflows", `{"name":"My First Flow"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Names that slugify to nothing are rejected.
	rec = doJSON(e, http.MethodPost, "/api/v1/workflows", `{"name":" !!! "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Fetch what was stored.
	rec = doJSON(e, http.MethodGet, "/api/v1/workflows/my_first_flow", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stored models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, models.StatusDraft, stored.Status)

	rec = doJSON(e, http.MethodGet, "/api/v1/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// List contains the new workflow.
	rec = doJSON(e, http.MethodGet, "/api/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "my_first_flow")

	// Replace the graph.
	rec = doJSON(e, http.MethodPut, "/api/v1/workflows/my_first_flow",
		`{"nodes":[{"id":"n2","type":"webhook_trigger","data":{"label":"other"}}],"connections":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"success":true`)

	rec = doJSON(e, http.MethodGet, "/api/v1/workflows/my_first_flow", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var updated models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Len(t, updated.Nodes, 1)
	assert.Equal(t, "n2", updated.Nodes[0].ID)

	// Delete.
	rec = doJSON(e, http.MethodDelete, "/api/v1/workflows/my_first_flow", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(e, http.MethodGet, "/api/v1/workflows/my_first_flow", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkflowJSONPatch(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/workflows",
		`{"name":"patchable","nodes":[{"id":"n1","type":"webhook_trigger","data":{"label":"in"}}],"connections":[]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodPatch, "/api/v1/workflows/patchable",
		`[{"op":"replace","path":"/name","value":"renamed"},{"op":"replace","path":"/nodes/0/data/label","value":"entry"}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var patched models.Workflow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patched))
	assert.Equal(t, "renamed", patched.Name)
	assert.Equal(t, "patchable", patched.ID)
	assert.Equal(t, "entry", patched.Nodes[0].Data["label"])

	// A malformed patch is a 400, a failing one a 422.
	rec = doJSON(e, http.MethodPatch, "/api/v1/workflows/patchable", `{"not":"a patch"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPatch, "/api/v1/workflows/patchable",
		`[{"op":"replace","path":"/does/not/exist","value":1}]`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestPublishLifecycleArmsTimer(t *testing.T) {
	e, c := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/workflows",
		`{"name":"scheduled","nodes":[{"id":"tick","type":"timer","data":{"label":"tick","config":{"interval":30}}}],"connections":[]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Draft: no timer yet.
	assert.Empty(t, c.Timers.List())

	rec = doJSON(e, http.MethodPost, "/api/v1/workflows/scheduled/publish", "")
	require.Equal(t, http.StatusOK, rec.Code)

	timers := c.Timers.List()
	require.Len(t, timers, 1)
	assert.Equal(t, "workflow_timer_scheduled", timers[0].TimerID)

	rec = doJSON(e, http.MethodGet, "/api/v1/timers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "workflow_timer_scheduled")

	rec = doJSON(e, http.MethodPost, "/api/v1/workflows/scheduled/unpublish", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, c.Timers.List())
}

func TestExecuteWorkflowInline(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/execute-workflow",
		`{"nodes":[{"id":"in","type":"webhook_trigger","data":{"label":"in"}}],"connections":[],"input_data":{"greeting":"hi"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var res models.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.True(t, res.Success)

	in := res.Result["in"].(map[string]any)
	assert.Equal(t, "hi", in["output"].(map[string]any)["greeting"])

	// The status buffer saw the node; the editor reads it with a bare array
	// of node ids, and reading clears it.
	rec = doJSON(e, http.MethodPost, "/api/v1/node-status", `["in"]`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "greeting")

	rec = doJSON(e, http.MethodPost, "/api/v1/node-status", `["in"]`)
	assert.Equal(t, `{"results":{}}`, strings.TrimSpace(rec.Body.String()))

	// The wrapped form is accepted too.
	rec = doJSON(e, http.MethodPost, "/api/v1/execute-workflow",
		`{"nodes":[{"id":"in","type":"webhook_trigger","data":{"label":"in"}}],"connections":[],"input_data":{"greeting":"again"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(e, http.MethodPost, "/api/v1/node-status", `{"node_ids":["in"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "again")

	rec = doJSON(e, http.MethodPost, "/api/v1/node-status", `"not a list"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookEndpoints(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/webhooks/create", `{"workflow_id":"wf1","name":"orders"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var info models.WebhookInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	require.NotEmpty(t, info.WebhookID)
	assert.Contains(t, info.URL, "/api/v1/webhooks/"+info.WebhookID)

	// The id is not wired to any workflow yet: triggering is a 404.
	rec = doJSON(e, http.MethodPost, "/api/v1/webhooks/"+info.WebhookID, `{"k":"v"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Embed the id in a draft workflow: still forbidden until published.
	rec = doJSON(e, http.MethodPost, "/api/v1/workflows",
		`{"name":"hooked","nodes":[{"id":"in","type":"webhook_trigger","data":{"label":"in","config":{"webhookId":"`+info.WebhookID+`"}}}],"connections":[]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/v1/webhooks/"+info.WebhookID, `{"k":"v"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Published: the call is accepted for asynchronous execution.
	rec = doJSON(e, http.MethodPost, "/api/v1/workflows/hooked/publish", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/v1/webhooks/"+info.WebhookID, `{"k":"v"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"workflow_id":"hooked"`)
}

func TestDispatcherCallbackUnknownSession(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/dispatcher/callback",
		`{"session_id":"ghost","step_result":{}}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/v1/dispatcher/callback", `{"step_result":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
