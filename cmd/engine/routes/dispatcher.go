package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/cmd/engine/handlers"
)

// RegisterDispatcherRoutes registers the orchestrator callback route
func RegisterDispatcherRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewDispatcherHandler(c)

	e.POST("/api/v1/dispatcher/callback", h.Callback)
}
