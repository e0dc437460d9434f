package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/common/models"
)

// TimerHandler exposes the schedule manager.
type TimerHandler struct {
	c *container.Container
}

func NewTimerHandler(c *container.Container) *TimerHandler {
	return &TimerHandler{c: c}
}

// SetupTimer arms the timer described by a timer node of a published workflow.
// POST /api/v1/setup-timer
func (h *TimerHandler) SetupTimer(c echo.Context) error {
	var req models.SetupTimerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if req.WorkflowID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "workflow_id is required"})
	}

	info, err := h.c.Timers.Setup(c.Request().Context(), req.WorkflowID, &req.Node)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, info)
}

// ListTimers returns all registered timers.
// GET /api/v1/timers
func (h *TimerHandler) ListTimers(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"timers": h.c.Timers.List()})
}

// PauseTimer stops the schedule without removing it.
// POST /api/v1/timers/:id/pause
func (h *TimerHandler) PauseTimer(c echo.Context) error {
	if err := h.c.Timers.Pause(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"paused": c.Param("id")})
}

// ResumeTimer restarts a paused schedule.
// POST /api/v1/timers/:id/resume
func (h *TimerHandler) ResumeTimer(c echo.Context) error {
	if err := h.c.Timers.Resume(c.Param("id")); err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, echo.Map{"resumed": c.Param("id")})
}

// ExecuteTimerNow fires the timer's workflow immediately.
// POST /api/v1/timers/:id/execute-now
func (h *TimerHandler) ExecuteTimerNow(c echo.Context) error {
	result, err := h.c.Timers.ExecuteNow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

// DeleteTimer removes a schedule.
// DELETE /api/v1/timers/:id
func (h *TimerHandler) DeleteTimer(c echo.Context) error {
	h.c.Timers.Delete(c.Param("id"))
	return c.JSON(http.StatusOK, echo.Map{"deleted": c.Param("id")})
}
