package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/cmd/engine/handlers"
)

// RegisterWebhookRoutes registers webhook creation and trigger routes
func RegisterWebhookRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWebhookHandler(c)

	e.POST("/api/v1/webhooks/create", h.CreateWebhook)

	// Both verbs trigger: external systems differ in what they can send.
	e.POST("/api/v1/webhooks/:id", h.TriggerWebhook)
	e.GET("/api/v1/webhooks/:id", h.TriggerWebhook)
}
