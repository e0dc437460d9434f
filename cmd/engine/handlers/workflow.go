package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/common/repository"
)

// WorkflowHandler covers workflow CRUD and the publish lifecycle.
type WorkflowHandler struct {
	c *container.Container
}

func NewWorkflowHandler(c *container.Container) *WorkflowHandler {
	return &WorkflowHandler{c: c}
}

var (
	whitespacePattern = regexp.MustCompile(`\s+`)
	slugPattern       = regexp.MustCompile(`[^a-z0-9_]`)
)

// slugify derives a stable workflow id from its name: lowercase, whitespace
// to underscores, everything else outside [a-z0-9_] dropped.
func slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = whitespacePattern.ReplaceAllString(slug, "_")
	return slugPattern.ReplaceAllString(slug, "")
}

// ListWorkflows returns workflow summaries, most recently updated first.
// GET /api/v1/workflows
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	summaries, err := h.c.Store.List(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"workflows": summaries})
}

// GetWorkflow returns the full graph of one workflow.
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	wf, err := h.c.Store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "workflow not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, wf)
}

// CreateWorkflow stores a new workflow under a slug of its name.
// POST /api/v1/workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	var req models.WorkflowSaveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	id := slugify(req.Name)
	if id == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "workflow name is required"})
	}

	ctx := c.Request().Context()
	if _, err := h.c.Store.Get(ctx, id); err == nil {
		return c.JSON(http.StatusConflict, echo.Map{"error": "workflow with this name already exists", "id": id})
	}

	wf := &models.Workflow{
		ID:          id,
		Name:        req.Name,
		Nodes:       req.Nodes,
		Connections: req.Connections,
		Status:      models.StatusDraft,
	}
	if err := h.c.Store.Upsert(ctx, wf); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	h.c.Logger.Info("workflow created", "workflow_id", id)
	return c.JSON(http.StatusCreated, echo.Map{"workflow_id": id, "name": wf.Name})
}

// UpdateWorkflow replaces the graph of an existing workflow.
// PUT /api/v1/workflows/:id
func (h *WorkflowHandler) UpdateWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	wf, err := h.c.Store.Get(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "workflow not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	var req models.WorkflowUpdateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}

	wf.Nodes = req.Nodes
	wf.Connections = req.Connections
	if err := h.c.Store.Upsert(ctx, wf); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}

// PatchWorkflow applies an RFC 6902 JSON Patch to the workflow document.
// PATCH /api/v1/workflows/:id
func (h *WorkflowHandler) PatchWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	wf, err := h.c.Store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "workflow not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "unreadable request body"})
	}

	patch, err := jsonpatch.DecodePatch(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid JSON patch: " + err.Error()})
	}

	doc, err := json.Marshal(wf)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "patch failed: " + err.Error()})
	}

	var updated models.Workflow
	if err := json.Unmarshal(patched, &updated); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "patched document is not a workflow: " + err.Error()})
	}

	// Identity and lifecycle are not patchable.
	updated.ID = wf.ID
	updated.Status = wf.Status
	updated.CreatedAt = wf.CreatedAt

	if err := h.c.Store.Upsert(ctx, &updated); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, &updated)
}

// DeleteWorkflow removes a workflow and its timer.
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := h.c.Store.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "workflow not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	h.c.Timers.Delete("workflow_timer_" + id)
	return c.NoContent(http.StatusNoContent)
}

// PublishWorkflow marks a workflow live and arms its triggers.
// POST /api/v1/workflows/:id/publish
func (h *WorkflowHandler) PublishWorkflow(c echo.Context) error {
	return h.setStatus(c, models.StatusPublished)
}

// UnpublishWorkflow takes a workflow offline and disarms its triggers.
// POST /api/v1/workflows/:id/unpublish
func (h *WorkflowHandler) UnpublishWorkflow(c echo.Context) error {
	return h.setStatus(c, models.StatusDraft)
}

func (h *WorkflowHandler) setStatus(c echo.Context, status string) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	if err := h.c.Store.SetStatus(ctx, id, status); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": "workflow not found"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}

	wf, err := h.c.Store.Get(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	if err := h.c.Timers.SyncWorkflow(ctx, wf); err != nil {
		h.c.Logger.Warn("timer reconciliation failed", "workflow_id", id, "error", err)
	}

	h.c.Logger.Info("workflow status changed", "workflow_id", id, "status", status)
	return c.JSON(http.StatusOK, echo.Map{"id": id, "status": status})
}
