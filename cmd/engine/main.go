package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gigaflow/gigaflow/cmd/engine/container"
	"github.com/gigaflow/gigaflow/cmd/engine/routes"
	"github.com/gigaflow/gigaflow/common/config"
	"github.com/gigaflow/gigaflow/common/logger"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	defer serviceContainer.Shutdown(ctx)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, serviceContainer)
	registerRoutes(e, serviceContainer)

	startServer(e, serviceContainer)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, c *container.Container) {
	e.GET("/health", func(ctx echo.Context) error {
		status := map[string]string{
			"status":  "ok",
			"service": c.Config.Service.Name,
			"store":   c.Config.Engine.StoreType,
		}
		if c.DB != nil {
			if err := c.DB.Health(ctx.Request().Context()); err != nil {
				status["status"] = "degraded"
				status["database"] = err.Error()
				return ctx.JSON(503, status)
			}
		}
		return ctx.JSON(200, status)
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, c *container.Container) {
	routes.RegisterWorkflowRoutes(e, c)
	routes.RegisterExecutionRoutes(e, c)
	routes.RegisterTimerRoutes(e, c)
	routes.RegisterWebhookRoutes(e, c)
	routes.RegisterDispatcherRoutes(e, c)
}

// startServer starts the Echo server on the configured port
func startServer(e *echo.Echo, c *container.Container) {
	port := c.Config.Service.Port
	c.Logger.Info("starting engine", "port", port)

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		c.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
