package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/cmd/coordinator/container"
	"github.com/vidforge/coordinator/cmd/coordinator/handlers"
)

// RegisterIncidentRoutes registers the read-only diagnostic views
func RegisterIncidentRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewIncidentHandler(c.Components, c.IncidentRepo, c.EventRepo)

	incidents := e.Group("/api/v1/incidents")
	{
		incidents.GET("/attention", h.Attention)     // GET /api/v1/incidents/attention
		incidents.GET("/runs/:run_id", h.Summary)    // GET /api/v1/incidents/runs/{run_id}
		incidents.GET("/events", h.RecentEvents)     // GET /api/v1/incidents/events?hours=24
	}
}
