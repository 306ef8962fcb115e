package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/common/bootstrap"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/service"
)

// LeaseHandler exposes the lease operations workers call
type LeaseHandler struct {
	components *bootstrap.Components
	leases     *service.LeaseService
}

// NewLeaseHandler creates a new lease handler
func NewLeaseHandler(components *bootstrap.Components, leases *service.LeaseService) *LeaseHandler {
	return &LeaseHandler{
		components: components,
		leases:     leases,
	}
}

// ClaimNext hands the caller the best eligible run, or 204 when the backlog
// has nothing for it
// POST /api/v1/leases/claim
func (h *LeaseHandler) ClaimNext(c echo.Context) error {
	var req service.ClaimRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := h.leases.ClaimNext(c.Request().Context(), req)
	if err != nil {
		h.components.Logger.Error("claim failed", "worker_id", req.WorkerID, "error", err)
		return httpError(err)
	}
	if result == nil {
		return c.NoContent(http.StatusNoContent)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"run":             result.Run,
		"recovered":       result.Recovered,
		"taken_over_from": result.TakenOverFrom,
	})
}

type heartbeatRequest struct {
	WorkerID     string    `json:"worker_id"`
	LockToken    uuid.UUID `json:"lock_token"`
	LeaseMinutes int       `json:"lease_minutes"`
	LatencyMS    *int64    `json:"latency_ms,omitempty"`
}

// Heartbeat renews the caller's lease; 409 means the lease is gone and the
// worker must stop
// POST /api/v1/leases/:run_id/heartbeat
func (h *LeaseHandler) Heartbeat(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.leases.Heartbeat(c.Request().Context(), runID, req.WorkerID, req.LockToken, req.LeaseMinutes, req.LatencyMS); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "renewed"})
}

type releaseRequest struct {
	WorkerID  string    `json:"worker_id"`
	LockToken uuid.UUID `json:"lock_token"`
}

// Release returns a run to the backlog
// POST /api/v1/leases/:run_id/release
func (h *LeaseHandler) Release(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.leases.Release(c.Request().Context(), runID, req.WorkerID, req.LockToken); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "released"})
}

type forceUnlockRequest struct {
	OperatorID string `json:"operator_id"`
	Reason     string `json:"reason"`
	Force      bool   `json:"force"`
}

// ForceUnlock clears a lease on operator authority
// POST /api/v1/leases/:run_id/force-unlock
func (h *LeaseHandler) ForceUnlock(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req forceUnlockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if err := h.leases.ForceUnlock(c.Request().Context(), runID, req.OperatorID, req.Reason, req.Force); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "unlocked"})
}

type panicRequest struct {
	WorkerID  string    `json:"worker_id"`
	LockToken uuid.UUID `json:"lock_token"`
	Cause     string    `json:"cause"`
	Detail    string    `json:"detail"`
}

// ReportPanic records a worker panic against a run
// POST /api/v1/leases/:run_id/panic
func (h *LeaseHandler) ReportPanic(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req panicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = h.leases.ReportPanic(c.Request().Context(), runID, req.WorkerID, req.LockToken,
		models.PanicCause(req.Cause), req.Detail)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "recorded"})
}
