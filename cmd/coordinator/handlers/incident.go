package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/common/bootstrap"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
)

// IncidentHandler exposes the read-only diagnostic views
type IncidentHandler struct {
	components *bootstrap.Components
	incidents  *repository.IncidentRepository
	events     *repository.EventRepository
}

// NewIncidentHandler creates a new incident handler
func NewIncidentHandler(
	components *bootstrap.Components,
	incidents *repository.IncidentRepository,
	events *repository.EventRepository,
) *IncidentHandler {
	return &IncidentHandler{
		components: components,
		incidents:  incidents,
		events:     events,
	}
}

// Attention lists every open run needing an operator's eyes. Dashboards poll
// this aggressively, so responses are cached for a few seconds.
// GET /api/v1/incidents/attention?limit=50
func (h *IncidentHandler) Attention(c echo.Context) error {
	limit := 50
	echo.QueryParamsBinder(c).Int("limit", &limit)
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	ctx := c.Request().Context()
	cacheKey := fmt.Sprintf("incidents:attention:%d", limit)
	if h.components.Cache != nil {
		if cached, hit, _ := h.components.Cache.Get(ctx, cacheKey); hit {
			return c.JSONBlob(http.StatusOK, cached)
		}
	}

	summaries, err := h.incidents.Attention(ctx, limit)
	if err != nil {
		h.components.Logger.Error("failed to list attention runs", "error", err)
		return httpError(err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"runs":  summaries,
		"count": len(summaries),
	})
	if err != nil {
		return httpError(err)
	}
	if h.components.Cache != nil {
		_ = h.components.Cache.Set(ctx, cacheKey, body, 5*time.Second)
	}

	return c.JSONBlob(http.StatusOK, body)
}

// Summary returns the incident summary for one run
// GET /api/v1/incidents/runs/:run_id
func (h *IncidentHandler) Summary(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	summary, err := h.incidents.Summary(c.Request().Context(), runID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	return c.JSON(http.StatusOK, summary)
}

// RecentEvents returns cross-run events inside a lookback window
// GET /api/v1/incidents/events?hours=24&min_severity=warn&limit=200
func (h *IncidentHandler) RecentEvents(c echo.Context) error {
	hours := 24
	limit := 200
	echo.QueryParamsBinder(c).
		Int("hours", &hours).
		Int("limit", &limit)
	if hours <= 0 || hours > 24*14 {
		hours = 24
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	minSeverity := models.Severity(c.QueryParam("min_severity"))
	switch minSeverity {
	case models.SeverityDebug, models.SeverityInfo, models.SeverityWarn, models.SeverityCritical:
	default:
		minSeverity = models.SeverityWarn
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	events, err := h.events.ListSince(c.Request().Context(), since, minSeverity, limit)
	if err != nil {
		h.components.Logger.Error("failed to list recent events", "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
		"since":  since,
	})
}
