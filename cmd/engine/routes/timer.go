package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/cmd/engine/handlers"
)

// RegisterTimerRoutes registers schedule management routes
func RegisterTimerRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewTimerHandler(c)

	e.POST("/api/v1/setup-timer", h.SetupTimer)

	timers := e.Group("/api/v1/timers")
	{
		timers.GET("", h.ListTimers)                // GET    /api/v1/timers
		timers.POST("/:id/pause", h.PauseTimer)     // POST   /api/v1/timers/workflow_timer_my_flow/pause
		timers.POST("/:id/resume", h.ResumeTimer)   // POST   /api/v1/timers/workflow_timer_my_flow/resume
		timers.POST("/:id/execute-now", h.ExecuteTimerNow)
		timers.DELETE("/:id", h.DeleteTimer)
	}
}
