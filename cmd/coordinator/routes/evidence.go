package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/cmd/coordinator/container"
	"github.com/vidforge/coordinator/cmd/coordinator/handlers"
	"github.com/vidforge/coordinator/cmd/coordinator/middleware"
)

// RegisterEvidenceRoutes registers evidence and fingerprint routes
func RegisterEvidenceRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewEvidenceHandler(c.Components, c.EvidenceService)
	auth := middleware.RequireServiceToken(c.Components.Config.Service.ServiceToken)

	evidence := e.Group("/api/v1/evidence")
	{
		evidence.GET("", h.ListForClaim)     // GET /api/v1/evidence?entity_id=...&claim_type=...
		evidence.POST("", h.Intake, auth)    // POST /api/v1/evidence
	}

	runs := e.Group("/api/v1/runs")
	{
		runs.GET("/:run_id/evidence", h.ListRunEvidence)   // GET /api/v1/runs/{run_id}/evidence
		runs.POST("/:run_id/evidence", h.LinkToRun, auth)  // POST /api/v1/runs/{run_id}/evidence
	}

	entities := e.Group("/api/v1/entities")
	{
		entities.GET("/:entity_id/fingerprint", h.GetFingerprint)            // GET /api/v1/entities/{entity_id}/fingerprint
		entities.POST("/:entity_id/fingerprint", h.ObserveFingerprint, auth) // POST /api/v1/entities/{entity_id}/fingerprint
	}
}
