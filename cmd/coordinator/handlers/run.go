package handlers

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/vidforge/coordinator/common/bootstrap"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
	"github.com/vidforge/coordinator/cmd/coordinator/service"
)

// RunHandler handles run lifecycle and audit requests
type RunHandler struct {
	components *bootstrap.Components
	leases     *service.LeaseService
	snapshots  *service.SnapshotService
	events     *repository.EventRepository
}

// NewRunHandler creates a new run handler
func NewRunHandler(
	components *bootstrap.Components,
	leases *service.LeaseService,
	snapshots *service.SnapshotService,
	events *repository.EventRepository,
) *RunHandler {
	return &RunHandler{
		components: components,
		leases:     leases,
		snapshots:  snapshots,
		events:     events,
	}
}

type createRunRequest struct {
	EntityID string         `json:"entity_id"`
	TaskType string         `json:"task_type"`
	Snapshot map[string]any `json:"context_snapshot"`
}

// CreateRun enqueues a new run
// POST /api/v1/runs
func (h *RunHandler) CreateRun(c echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	run, err := h.leases.CreateRun(c.Request().Context(), req.EntityID, req.TaskType, req.Snapshot)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, run)
}

// GetRun retrieves a run
// GET /api/v1/runs/:run_id
func (h *RunHandler) GetRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	run, err := h.leases.GetRun(c.Request().Context(), runID)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, run)
}

// ListRuns lists runs by status
// GET /api/v1/runs?status=waiting_approval&limit=50
func (h *RunHandler) ListRuns(c echo.Context) error {
	status := models.RunStatus(c.QueryParam("status"))
	if status == "" {
		status = models.StatusPending
	}

	limit := 0
	echo.QueryParamsBinder(c).Int("limit", &limit)

	runs, err := h.leases.ListRuns(c.Request().Context(), status, limit)
	if err != nil {
		h.components.Logger.Error("failed to list runs", "status", status, "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

type completeRequest struct {
	WorkerID  string         `json:"worker_id"`
	LockToken uuid.UUID      `json:"lock_token"`
	Outcome   string         `json:"outcome"`
	Snapshot  map[string]any `json:"context_snapshot,omitempty"`
}

// CompleteRun moves an owned run to done or failed
// POST /api/v1/runs/:run_id/complete
func (h *RunHandler) CompleteRun(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	outcome := models.RunStatus(req.Outcome)
	if outcome != models.StatusDone && outcome != models.StatusFailed {
		return echo.NewHTTPError(http.StatusBadRequest, "outcome must be done or failed")
	}

	if err := h.leases.Complete(c.Request().Context(), runID, req.WorkerID, req.LockToken, outcome, req.Snapshot); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": string(outcome)})
}

type approvalRequest struct {
	WorkerID  string    `json:"worker_id"`
	LockToken uuid.UUID `json:"lock_token"`
}

// RequestApproval runs the circuit breaker before publication. The response
// tells the worker whether it may proceed or must wait for a human.
// POST /api/v1/runs/:run_id/request-approval
func (h *RunHandler) RequestApproval(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req approvalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	conflicts, gated, err := h.leases.RequestApproval(c.Request().Context(), runID, req.WorkerID, req.LockToken)
	if err != nil {
		h.components.Logger.Error("approval gate failed", "run_id", runID, "error", err)
		return httpError(err)
	}

	if gated {
		return c.JSON(http.StatusAccepted, map[string]interface{}{
			"status":    "waiting_approval",
			"conflicts": conflicts,
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "clear"})
}

type decisionRequest struct {
	Decision   string    `json:"decision"`
	Nonce      uuid.UUID `json:"approval_nonce"`
	OperatorID string    `json:"operator_id"`
	Note       string    `json:"note"`
}

// Decide resolves a gated run with a human verdict
// POST /api/v1/runs/:run_id/decision
func (h *RunHandler) Decide(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	var req decisionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	err = h.leases.Decide(c.Request().Context(), runID, service.Decision(req.Decision), req.Nonce, req.OperatorID, req.Note)
	if err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "decided"})
}

// PatchSnapshot merge-patches the run's context snapshot. The body is the
// RFC 7386 patch document itself; worker identity rides in headers.
// PATCH /api/v1/runs/:run_id/snapshot
func (h *RunHandler) PatchSnapshot(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	workerID := c.Request().Header.Get("X-Worker-ID")
	lockToken, err := uuid.Parse(c.Request().Header.Get("X-Lock-Token"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid X-Lock-Token header")
	}

	patch, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable request body")
	}

	if err := h.snapshots.Patch(c.Request().Context(), runID, workerID, lockToken, patch); err != nil {
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "patched"})
}

// ListEvents returns a run's audit trail, newest first
// GET /api/v1/runs/:run_id/events?limit=100
func (h *RunHandler) ListEvents(c echo.Context) error {
	runID, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run_id format")
	}

	limit := 100
	echo.QueryParamsBinder(c).Int("limit", &limit)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := h.events.ListByRun(c.Request().Context(), runID, limit)
	if err != nil {
		h.components.Logger.Error("failed to list events", "run_id", runID, "error", err)
		return httpError(err)
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}
