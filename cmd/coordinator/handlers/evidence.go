package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/common/bootstrap"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/service"
)

// EvidenceHandler handles evidence intake, linking and fingerprints
type EvidenceHandler struct {
	components *bootstrap.Components
	evidence   *service.EvidenceService
}

// NewEvidenceHandler creates a new evidence handler
func NewEvidenceHandler(components *bootstrap.Components, evidence *service.EvidenceService) *EvidenceHandler {
	return &EvidenceHandler{
		components: components,
		evidence:   evidence,
	}
}

// Intake stores a new evidence item
// POST /api/v1/evidence
func (h *EvidenceHandler) Intake(c echo.Context) error {
	var req service.IntakeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	item, err := h.evidence.Intake(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, item)
}

// ListForClaim lists live evidence for an entity/claim pair
// GET /api/v1/evidence?entity_id=B0ABC&claim_type=battery_life&min_tier=4
func (h *EvidenceHandler) ListForClaim(c echo.Context) error {
	entityID := c.QueryParam("entity_id")
	claimType := c.QueryParam("claim_type")
	if entityID == "" || claimType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entity_id and claim_type are required")
	}

	minTier := models.TrustTierMin
	echo.QueryParamsBinder(c).Int("min_tier", &minTier)

	items, err := h.evidence.ListForClaim(c.Request().Context(), entityID, claimType, minTier)
	if err != nil {
		h.components.Logger.Error("failed to list evidence", "entity_id", entityID, "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// LinkToRun records that a run consulted an evidence item
// POST /api/v1/runs/:run_id/evidence
func (h *EvidenceHandler) LinkToRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req service.LinkRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.evidence.Link(c.Request().Context(), runID, req); err != nil {
		h.components.Logger.Error("failed to link evidence", "run_id", runID, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]string{"status": "linked"})
}

// ListRunEvidence lists the evidence a run consulted
// GET /api/v1/runs/:run_id/evidence
func (h *EvidenceHandler) ListRunEvidence(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	links, err := h.evidence.ListLinks(c.Request().Context(), runID)
	if err != nil {
		h.components.Logger.Error("failed to list run evidence", "run_id", runID, "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"links": links,
		"count": len(links),
	})
}

type observeFingerprintRequest struct {
	RunID   uuid.UUID `json:"run_id"`
	Brand   string    `json:"brand"`
	Model   string    `json:"model"`
	Variant string    `json:"variant"`
}

// ObserveFingerprint reports the currently observed identity of an entity
// POST /api/v1/entities/:entity_id/fingerprint
func (h *EvidenceHandler) ObserveFingerprint(c echo.Context) error {
	entityID := c.Param("entity_id")

	var req observeFingerprintRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	drifted, err := h.evidence.ObserveFingerprint(c.Request().Context(), req.RunID, &models.ProductFingerprint{
		EntityID: entityID,
		Brand:    req.Brand,
		Model:    req.Model,
		Variant:  req.Variant,
	})
	if err != nil {
		h.components.Logger.Error("fingerprint observe failed", "entity_id", entityID, "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{"drifted": drifted})
}

// GetFingerprint retrieves an entity's stored fingerprint
// GET /api/v1/entities/:entity_id/fingerprint
func (h *EvidenceHandler) GetFingerprint(c echo.Context) error {
	entityID := c.Param("entity_id")

	fp, err := h.evidence.GetFingerprint(c.Request().Context(), entityID)
	if err != nil {
		h.components.Logger.Error("fingerprint get failed", "entity_id", entityID, "error", err)
		return httpError(err)
	}
	if fp == nil {
		return echo.NewHTTPError(http.StatusNotFound, "fingerprint not found")
	}

	return c.JSON(http.StatusOK, fp)
}
