package handlers

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/common/models"
)

// DispatcherHandler receives sub-workflow results for orchestrator sessions.
type DispatcherHandler struct {
	c *container.Container
}

func NewDispatcherHandler(c *container.Container) *DispatcherHandler {
	return &DispatcherHandler{c: c}
}

// Callback advances an orchestrator session with a completed step result.
// POST /api/v1/dispatcher/callback
func (h *DispatcherHandler) Callback(c echo.Context) error {
	var req models.DispatcherCallbackRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "session_id is required"})
	}

	result, err := h.c.Engine.HandleDispatcherCallback(c.Request().Context(), req.SessionID, req.StepResult)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}
