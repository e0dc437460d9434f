package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/cmd/engine/handlers"
)

// RegisterWorkflowRoutes registers workflow CRUD and lifecycle routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c)

	wf := e.Group("/api/v1/workflows")
	{
		wf.GET("", h.ListWorkflows)              // GET    /api/v1/workflows
		wf.POST("", h.CreateWorkflow)            // POST   /api/v1/workflows
		wf.GET("/:id", h.GetWorkflow)            // GET    /api/v1/workflows/my-flow
		wf.PUT("/:id", h.UpdateWorkflow)         // PUT    /api/v1/workflows/my-flow
		wf.PATCH("/:id", h.PatchWorkflow)        // PATCH  /api/v1/workflows/my-flow
		wf.DELETE("/:id", h.DeleteWorkflow)      // DELETE /api/v1/workflows/my-flow
		wf.POST("/:id/publish", h.PublishWorkflow)     // POST /api/v1/workflows/my-flow/publish
		wf.POST("/:id/unpublish", h.UnpublishWorkflow) // POST /api/v1/workflows/my-flow/unpublish
	}
}
