package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/cmd/coordinator/container"
	"github.com/vidforge/coordinator/cmd/coordinator/handlers"
	"github.com/vidforge/coordinator/cmd/coordinator/middleware"
)

// RegisterLeaseRoutes registers the lease operations workers call
func RegisterLeaseRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewLeaseHandler(c.Components, c.LeaseService)
	auth := middleware.RequireServiceToken(c.Components.Config.Service.ServiceToken)

	leases := e.Group("/api/v1/leases", auth)
	{
		leases.POST("/claim", h.ClaimNext)                     // POST /api/v1/leases/claim
		leases.POST("/:run_id/heartbeat", h.Heartbeat)         // POST /api/v1/leases/{run_id}/heartbeat
		leases.POST("/:run_id/release", h.Release)             // POST /api/v1/leases/{run_id}/release
		leases.POST("/:run_id/force-unlock", h.ForceUnlock)    // POST /api/v1/leases/{run_id}/force-unlock
		leases.POST("/:run_id/panic", h.ReportPanic)           // POST /api/v1/leases/{run_id}/panic
	}
}
