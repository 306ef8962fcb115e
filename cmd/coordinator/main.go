package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/vidforge/coordinator/cmd/coordinator/container"
	"github.com/vidforge/coordinator/cmd/coordinator/routes"
	"github.com/vidforge/coordinator/common/bootstrap"
	"github.com/vidforge/coordinator/common/config"
	"github.com/vidforge/coordinator/common/db"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("coordinator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Bootstrap common components (logger, DB, redis, cache, telemetry);
	// schema migrations run as the DB init hook before anything is served
	components, err := bootstrap.Setup(ctx, "coordinator",
		bootstrap.WithCustomConfig(cfg),
		bootstrap.WithDBInitHook(func(*db.DB) error {
			return db.RunMigrations(ctx, cfg.DatabaseURL())
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap coordinator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (singleton pattern - all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Background housekeeping: retention sweeps and stale-run flagging
	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go serviceContainer.Housekeeping.Run(sweepCtx)

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e, components)
	registerRoutes(e, serviceContainer)

	startServer(e, components)
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
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "coordinator",
		})
	})
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterLeaseRoutes(e, serviceContainer)
	routes.RegisterRunRoutes(e, serviceContainer)
	routes.RegisterEvidenceRoutes(e, serviceContainer)
	routes.RegisterIncidentRoutes(e, serviceContainer)
}

// startServer starts the Echo server and shuts it down on SIGINT/SIGTERM
func startServer(e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port

	go func() {
		components.Logger.Info("Starting coordinator", "port", port)
		if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
			components.Logger.Info("server stopped", "reason", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	sig := <-shutdown
	components.Logger.Info("shutdown signal received", "signal", sig.String())

	if err := e.Shutdown(context.Background()); err != nil {
		components.Logger.Error("graceful shutdown failed", "error", err)
	}
}
