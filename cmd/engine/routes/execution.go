package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/cmd/engine/handlers"
)

// RegisterExecutionRoutes registers workflow and node execution routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c)

	e.POST("/api/v1/execute-workflow", h.ExecuteWorkflow)
	e.POST("/api/v1/execute-node", h.ExecuteNode)
	e.POST("/api/v1/node-status", h.NodeStatus)
}
