package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vidforge/coordinator/common/config"
	"github.com/vidforge/coordinator/common/logger"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
)

var decisionNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("coordinator/decision"))

// Decision is a human reviewer's verdict at the approval gate
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionRefetch Decision = "refetch"
	DecisionAbort   Decision = "abort"
)

// LeaseService owns every lease operation: claiming, renewal, release,
// manual unlock, lifecycle transitions and the approval boundary. All
// validation happens here; repositories assume clean inputs.
type LeaseService struct {
	runs     *repository.RunRepository
	filter   *TaskFilter
	breaker  *Breaker
	notifier *Notifier
	cfg      *config.Config
	log      *logger.Logger
}

// NewLeaseService creates a new lease service
func NewLeaseService(
	runs *repository.RunRepository,
	filter *TaskFilter,
	breaker *Breaker,
	notifier *Notifier,
	cfg *config.Config,
	log *logger.Logger,
) *LeaseService {
	return &LeaseService{
		runs:     runs,
		filter:   filter,
		breaker:  breaker,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
	}
}

// ClaimRequest carries claim_next inputs
type ClaimRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseMinutes int    `json:"lease_minutes"`
	TaskFilter   string `json:"task_filter,omitempty"`
	// EventID lets a retrying caller keep the claim's audit event idempotent;
	// zero means mint a fresh one
	EventID uuid.UUID `json:"event_id,omitempty"`
}

// ClaimNext validates the request and runs the two-phase claim. A nil result
// with nil error means the backlog has nothing eligible.
func (s *LeaseService) ClaimNext(ctx context.Context, req ClaimRequest) (*repository.ClaimResult, error) {
	workerID, err := s.validWorkerID(req.WorkerID)
	if err != nil {
		return nil, err
	}

	filter, err := s.filter.Compile(req.TaskFilter)
	if err != nil {
		return nil, err
	}

	eventID := req.EventID
	if eventID == uuid.Nil {
		eventID = uuid.New()
	}

	result, err := s.runs.ClaimNext(ctx, repository.ClaimParams{
		WorkerID:     workerID,
		LeaseMinutes: s.clampLease(req.LeaseMinutes),
		BatchSize:    s.cfg.Lease.ClaimBatchSize,
		Filter:       filter,
		EventID:      eventID,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	log := s.log.WithRunID(result.Run.RunID.String()).WithWorkerID(workerID)
	switch {
	case result.Recovered:
		log.Info("lease recovered", "lease_minutes", result.Run.LeaseMinutes)
	case result.TakenOverFrom != "" && result.TakenOverFrom != workerID:
		log.Warn("expired lease taken over", "previous_worker", result.TakenOverFrom)
	default:
		log.Info("lease claimed", "lease_minutes", result.Run.LeaseMinutes)
	}

	return result, nil
}

// Heartbeat renews a lease. ErrNotOwner tells the worker it has lost the run
// and must abandon in-flight work.
func (s *LeaseService) Heartbeat(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, leaseMinutes int, latencyMS *int64) error {
	workerID, err := s.validWorkerID(workerID)
	if err != nil {
		return err
	}

	ok, err := s.runs.Heartbeat(ctx, runID, workerID, lockToken, s.clampLease(leaseMinutes), latencyMS)
	if err != nil {
		return err
	}
	if !ok {
		s.log.WithRunID(runID.String()).WithWorkerID(workerID).Warn("heartbeat rejected, lease lost")
		return ErrNotOwner
	}
	return nil
}

// Release hands a run back to the backlog
func (s *LeaseService) Release(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) error {
	workerID, err := s.validWorkerID(workerID)
	if err != nil {
		return err
	}

	ok, err := s.runs.Release(ctx, runID, workerID, lockToken)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// ForceUnlock clears a lease on operator authority; see the repository for
// the refusal rules
func (s *LeaseService) ForceUnlock(ctx context.Context, runID uuid.UUID, operatorID, reason string, force bool) error {
	operatorID = strings.TrimSpace(operatorID)
	if len(operatorID) < s.cfg.Lease.MinWorkerIDChars {
		return ErrInvalidOperatorID
	}

	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrRunNotFound
		}
		return err
	}

	ok, err := s.runs.ForceUnlock(ctx, runID, operatorID, reason, force)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnlockRefused
	}

	s.log.WithRunID(runID.String()).Warn("lease manually cleared",
		"operator_id", operatorID,
		"previous_worker", run.WorkerID,
		"force", force,
	)
	return nil
}

// Complete moves an owned run to a terminal outcome. Ownership is verified
// against the live row; the status CAS then guards against a concurrent
// takeover between the read and the write. A run at the approval gate cannot
// be completed by its worker: only a human decision moves it out.
func (s *LeaseService) Complete(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, outcome models.RunStatus, snapshot map[string]any) error {
	if outcome != models.StatusDone && outcome != models.StatusFailed {
		return ErrStaleTransition
	}

	run, err := s.ownedRun(ctx, runID, workerID, lockToken)
	if err != nil {
		return err
	}
	if run.Status == models.StatusWaitingApproval {
		return ErrApprovalPending
	}

	ok, _, err := s.runs.CASTransition(ctx, repository.TransitionParams{
		RunID:          runID,
		ExpectedStatus: run.Status,
		NewStatus:      outcome,
		Snapshot:       snapshot,
		Event: models.Event{
			EventID:   uuid.New(),
			EventType: models.EventStatusTransition,
			Severity:  models.SeverityInfo,
			ReasonKey: "completed",
			Payload: map[string]any{
				"worker_id": workerID,
				"outcome":   outcome,
			},
		},
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleTransition
	}
	return nil
}

// RequestApproval runs the circuit breaker for an owned run. When the
// entity's high-trust evidence conflicts, the run lands at the approval gate
// and reviewers are notified; otherwise the worker may publish. gated reports
// whether the run now waits for a human.
//
// A run already at the gate stays there: a recovered worker asking again gets
// the parked answer, not an error, so its loop settles instead of spinning.
func (s *LeaseService) RequestApproval(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) (conflicts []Conflict, gated bool, err error) {
	run, err := s.ownedRun(ctx, runID, workerID, lockToken)
	if err != nil {
		return nil, false, err
	}

	if run.Status == models.StatusWaitingApproval {
		conflicts, err = s.breaker.Check(ctx, run.EntityID)
		if err != nil {
			return nil, true, err
		}
		return conflicts, true, nil
	}

	conflicts, _, err = s.breaker.Gate(ctx, run)
	if err != nil {
		return conflicts, len(conflicts) > 0, err
	}
	if len(conflicts) > 0 {
		s.notifier.ApprovalRequired(ctx, runID, run.EntityID, conflicts)
		return conflicts, true, nil
	}
	return nil, false, nil
}

// Decide resolves a gated run. The nonce must match the one minted when the
// run entered waiting_approval; a stale nonce means another decision already
// landed and this one is refused.
//
// The event id is derived from run, nonce and verdict, so a redelivered
// decision writes its event exactly once.
func (s *LeaseService) Decide(ctx context.Context, runID uuid.UUID, decision Decision, nonce uuid.UUID, operatorID, note string) error {
	operatorID = strings.TrimSpace(operatorID)
	if len(operatorID) < s.cfg.Lease.MinWorkerIDChars {
		return ErrInvalidOperatorID
	}

	var newStatus models.RunStatus
	severity := models.SeverityInfo
	switch decision {
	case DecisionApprove:
		newStatus = models.StatusApproved
	case DecisionRefetch:
		// Back to running: the waiting worker resumes and re-gathers evidence
		newStatus = models.StatusRunning
	case DecisionAbort:
		newStatus = models.StatusAborted
		severity = models.SeverityWarn
	default:
		return ErrInvalidDecision
	}

	eventID := uuid.NewSHA1(decisionNamespace, []byte(runID.String()+"|"+nonce.String()+"|"+string(decision)))

	ok, _, err := s.runs.CASTransition(ctx, repository.TransitionParams{
		RunID:          runID,
		ExpectedStatus: models.StatusWaitingApproval,
		ExpectedNonce:  &nonce,
		NewStatus:      newStatus,
		Event: models.Event{
			EventID:   eventID,
			EventType: models.EventHumanDecision,
			Severity:  severity,
			ReasonKey: string(decision),
			Payload: map[string]any{
				"operator_id": operatorID,
				"decision":    decision,
				"note":        note,
			},
		},
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleTransition
	}

	s.log.WithRunID(runID.String()).Info("human decision applied",
		"decision", decision,
		"operator_id", operatorID,
	)
	return nil
}

// ReportPanic records a worker panic against a run. The cause must come from
// the closed taxonomy; downstream detail rides in the payload. The event id
// is derived from run, worker and cause so crash-loop re-reports dedupe.
func (s *LeaseService) ReportPanic(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, cause models.PanicCause, detail string) error {
	workerID, err := s.validWorkerID(workerID)
	if err != nil {
		return err
	}
	if !cause.Valid() {
		return ErrInvalidPanicCause
	}

	eventID := uuid.NewSHA1(decisionNamespace, []byte("panic|"+runID.String()+"|"+workerID+"|"+string(cause)))

	owned, err := s.runs.MarkPanic(ctx, runID, workerID, lockToken, models.Event{
		EventID:   eventID,
		EventType: models.EventWorkerPanic,
		Severity:  models.SeverityCritical,
		ReasonKey: string(cause),
		Payload: map[string]any{
			"worker_id": workerID,
			"cause":     cause,
			"detail":    detail,
		},
	})
	if err != nil {
		return err
	}

	s.log.WithRunID(runID.String()).WithWorkerID(workerID).Error("worker panic reported",
		"cause", cause,
		"still_owner", owned,
	)
	s.notifier.WorkerPanic(ctx, runID, workerID, string(cause))
	return nil
}

// CreateRun enqueues a new run
func (s *LeaseService) CreateRun(ctx context.Context, entityID, taskType string, snapshot map[string]any) (*models.Run, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, errors.New("entity_id is required")
	}
	if taskType == "" {
		taskType = "video"
	}
	if snapshot == nil {
		snapshot = map[string]any{}
	}

	run := &models.Run{
		RunID:           uuid.New(),
		EntityID:        entityID,
		TaskType:        taskType,
		Status:          models.StatusPending,
		WorkerState:     models.WorkerIdle,
		ContextSnapshot: snapshot,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	s.log.WithRunID(run.RunID.String()).Info("run created",
		"entity_id", entityID,
		"task_type", taskType,
	)
	return run, nil
}

// GetRun retrieves one run
func (s *LeaseService) GetRun(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns retrieves runs by status
func (s *LeaseService) ListRuns(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.runs.ListByStatus(ctx, status, limit)
}

// ownedRun fetches a run and verifies the caller holds its lease
func (s *LeaseService) ownedRun(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) (*models.Run, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.WorkerID != workerID || run.LockToken == nil || *run.LockToken != lockToken {
		return nil, ErrNotOwner
	}
	return run, nil
}

func (s *LeaseService) validWorkerID(workerID string) (string, error) {
	workerID = strings.TrimSpace(workerID)
	if len(workerID) < s.cfg.Lease.MinWorkerIDChars {
		return "", ErrInvalidWorkerID
	}
	return workerID, nil
}

// clampLease bounds a requested lease duration; zero means the default
func (s *LeaseService) clampLease(minutes int) int {
	if minutes == 0 {
		return s.cfg.Lease.DefaultMinutes
	}
	if minutes < s.cfg.Lease.MinMinutes {
		return s.cfg.Lease.MinMinutes
	}
	if minutes > s.cfg.Lease.MaxMinutes {
		return s.cfg.Lease.MaxMinutes
	}
	return minutes
}
