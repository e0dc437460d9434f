package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/common/models"
	"github.com/gigaflow/gigaflow/core/webhooks"
)

// WebhookHandler mints webhook endpoints and receives their calls.
type WebhookHandler struct {
	c *container.Container
}

func NewWebhookHandler(c *container.Container) *WebhookHandler {
	return &WebhookHandler{c: c}
}

// CreateWebhook mints a new webhook id and public URL.
// POST /api/v1/webhooks/create
func (h *WebhookHandler) CreateWebhook(c echo.Context) error {
	var req models.WebhookCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	return c.JSON(http.StatusCreated, h.c.Webhooks.Create(&req))
}

// TriggerWebhook accepts an external call, enqueues the workflow run, and
// answers 202 without waiting for it.
// POST|GET /api/v1/webhooks/:id
func (h *WebhookHandler) TriggerWebhook(c echo.Context) error {
	webhookID := c.Param("id")

	var body any
	if c.Request().Body != nil {
		raw, err := io.ReadAll(c.Request().Body)
		if err == nil && len(raw) > 0 {
			if err := json.Unmarshal(raw, &body); err != nil {
				body = string(raw)
			}
		}
	}

	headers := map[string]any{}
	for name := range c.Request().Header {
		headers[name] = c.Request().Header.Get(name)
	}
	queryParams := map[string]any{}
	for name, values := range c.QueryParams() {
		if len(values) == 1 {
			queryParams[name] = values[0]
		} else {
			queryParams[name] = values
		}
	}

	payload := map[string]any{
		"body":         body,
		"headers":      headers,
		"query_params": queryParams,
	}

	event, err := h.c.Webhooks.Trigger(c.Request().Context(), webhookID, payload)
	if err != nil {
		switch {
		case errors.Is(err, webhooks.ErrNotFound):
			return c.JSON(http.StatusNotFound, echo.Map{"error": "webhook not found"})
		case errors.Is(err, webhooks.ErrNotPublished):
			return c.JSON(http.StatusForbidden, echo.Map{"error": "workflow is not published"})
		default:
			return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusAccepted, echo.Map{
		"status":      "accepted",
		"webhook_id":  event.WebhookID,
		"workflow_id": event.WorkflowID,
	})
}
