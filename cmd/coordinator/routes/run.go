package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/cmd/coordinator/container"
	"github.com/vidforge/coordinator/cmd/coordinator/handlers"
	"github.com/vidforge/coordinator/cmd/coordinator/middleware"
)

// RegisterRunRoutes registers run lifecycle and audit routes
func RegisterRunRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRunHandler(c.Components, c.LeaseService, c.SnapshotService, c.EventRepo)
	auth := middleware.RequireServiceToken(c.Components.Config.Service.ServiceToken)

	runs := e.Group("/api/v1/runs")
	{
		// Reads are open; mutations need the service token
		runs.GET("/:run_id", h.GetRun)            // GET /api/v1/runs/{run_id}
		runs.GET("", h.ListRuns)                  // GET /api/v1/runs?status=pending
		runs.GET("/:run_id/events", h.ListEvents) // GET /api/v1/runs/{run_id}/events

		runs.POST("", h.CreateRun, auth)                              // POST /api/v1/runs
		runs.POST("/:run_id/complete", h.CompleteRun, auth)           // POST /api/v1/runs/{run_id}/complete
		runs.POST("/:run_id/request-approval", h.RequestApproval, auth) // POST /api/v1/runs/{run_id}/request-approval
		runs.POST("/:run_id/decision", h.Decide, auth)                // POST /api/v1/runs/{run_id}/decision
		runs.PATCH("/:run_id/snapshot", h.PatchSnapshot, auth)        // PATCH /api/v1/runs/{run_id}/snapshot
	}
}
