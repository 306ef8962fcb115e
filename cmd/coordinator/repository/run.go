package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vidforge/coordinator/common/db"
	"github.com/vidforge/coordinator/common/models"
)

const runColumns = `run_id, entity_id, task_type, status, worker_id, lock_token,
	locked_at, lease_expires_at, lease_minutes, approval_nonce, worker_state,
	last_heartbeat_at, last_heartbeat_latency_ms, context_snapshot, created_at, updated_at`

// RunRepository handles database operations for runs, including every lease
// mutation. Each public method is one atomic transaction; exclusivity comes
// from the datastore's isolation plus the SKIP LOCKED claim read, not from
// in-process locking.
type RunRepository struct {
	db     *db.DB
	events *EventRepository
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB, events *EventRepository) *RunRepository {
	return &RunRepository{db: database, events: events}
}

// Create inserts a new run into the backlog
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO run (run_id, entity_id, task_type, status, context_snapshot)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.Exec(ctx, query,
		run.RunID,
		run.EntityID,
		run.TaskType,
		run.Status,
		run.ContextSnapshot,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM run WHERE run_id = $1`

	run, err := scanRun(r.db.QueryRow(ctx, query, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListByStatus retrieves runs in a given status, newest first
func (r *RunRepository) ListByStatus(ctx context.Context, status models.RunStatus, limit int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM run WHERE status = $1 ORDER BY created_at DESC LIMIT $2`

	rows, err := r.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ClaimParams are the inputs to ClaimNext after service-level validation
type ClaimParams struct {
	WorkerID     string
	LeaseMinutes int
	BatchSize    int
	// Filter decides whether a locked candidate is acceptable; nil accepts
	// all. Evaluated inside the claim transaction.
	Filter func(*models.Run) bool
	// EventID keys the audit event; retried claims reuse the same id.
	EventID uuid.UUID
}

// ClaimResult describes a successful claim
type ClaimResult struct {
	Run *models.Run
	// Recovered is true when the worker was handed back its own still-valid
	// lease rather than a fresh run.
	Recovered bool
	// TakenOverFrom names the previous owner when an expired lease was claimed.
	TakenOverFrom string
}

// ClaimNext implements the two-phase claim in a single transaction.
//
// Recovery phase: a worker that already holds an unexpired lease on an active
// run gets that run back with an extended lease. lock_token and locked_at do
// not change, which is what lets a restarted worker resume in-flight work.
//
// Fresh-claim phase: otherwise the best eligible run is selected with
// FOR UPDATE SKIP LOCKED so concurrent claimers skip rows another claim
// attempt holds. Runs past the approval gate come first, then oldest created.
//
// Returns (nil, nil) when no eligible run exists; that is a normal outcome.
func (r *RunRepository) ClaimNext(ctx context.Context, p ClaimParams) (*ClaimResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	// Phase 1: recovery
	recoverQuery := `
		SELECT ` + runColumns + `
		FROM run
		WHERE worker_id = $1
		  AND lease_expires_at > now()
		  AND status IN ('running', 'waiting_approval', 'approved')
		ORDER BY locked_at
		LIMIT 1
		FOR UPDATE
	`

	run, err := scanRun(tx.QueryRow(ctx, recoverQuery, p.WorkerID))
	if err == nil {
		extendQuery := `
			UPDATE run
			SET lease_expires_at = now() + make_interval(mins => $2),
			    lease_minutes = $2,
			    updated_at = now()
			WHERE run_id = $1
			RETURNING lease_expires_at
		`
		if err := tx.QueryRow(ctx, extendQuery, run.RunID, p.LeaseMinutes).Scan(&run.LeaseExpiresAt); err != nil {
			return nil, fmt.Errorf("extend recovered lease: %w", err)
		}
		run.LeaseMinutes = p.LeaseMinutes

		if err := r.events.insert(ctx, tx, models.Event{
			EventID:   p.EventID,
			RunID:     run.RunID,
			EventType: models.EventLeaseRecovered,
			Severity:  models.SeverityInfo,
			ReasonKey: "self_reclaim",
			Payload: map[string]any{
				"worker_id":     p.WorkerID,
				"lease_minutes": p.LeaseMinutes,
			},
		}); err != nil {
			return nil, err
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("commit recovery: %w", err)
		}
		return &ClaimResult{Run: run, Recovered: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("recovery select: %w", err)
	}

	// Phase 2: fresh claim
	candidateQuery := `
		SELECT ` + runColumns + `
		FROM run
		WHERE status IN ('pending', 'approved', 'running')
		  AND (worker_id = '' OR lease_expires_at IS NULL OR lease_expires_at <= now())
		ORDER BY CASE WHEN status = 'approved' THEN 0 ELSE 1 END, created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, candidateQuery, p.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("candidate select: %w", err)
	}
	candidates, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}

	var chosen *models.Run
	for _, cand := range candidates {
		if p.Filter == nil || p.Filter(cand) {
			chosen = cand
			break
		}
	}
	if chosen == nil {
		// Nothing eligible right now; expected, not an error
		return nil, tx.Commit(ctx)
	}

	previousWorker := chosen.WorkerID
	newToken := uuid.New()

	assignQuery := `
		UPDATE run
		SET worker_id = $2,
		    lock_token = $3,
		    locked_at = now(),
		    lease_expires_at = now() + make_interval(mins => $4),
		    lease_minutes = $4,
		    status = 'running',
		    worker_state = 'active',
		    approval_nonce = NULL,
		    updated_at = now()
		WHERE run_id = $1
		RETURNING locked_at, lease_expires_at
	`
	if err := tx.QueryRow(ctx, assignQuery, chosen.RunID, p.WorkerID, newToken, p.LeaseMinutes).
		Scan(&chosen.LockedAt, &chosen.LeaseExpiresAt); err != nil {
		return nil, fmt.Errorf("assign lease: %w", err)
	}

	chosen.WorkerID = p.WorkerID
	chosen.LockToken = &newToken
	chosen.LeaseMinutes = p.LeaseMinutes
	chosen.Status = models.StatusRunning
	chosen.WorkerState = models.WorkerActive
	chosen.ApprovalNonce = nil

	event := models.Event{
		EventID:   p.EventID,
		RunID:     chosen.RunID,
		EventType: models.EventLeaseClaimed,
		Severity:  models.SeverityInfo,
		ReasonKey: "fresh_claim",
		Payload: map[string]any{
			"worker_id":     p.WorkerID,
			"lease_minutes": p.LeaseMinutes,
		},
	}
	if previousWorker != "" && previousWorker != p.WorkerID {
		// Claiming over an expired lease; keep the dead owner on record
		event.EventType = models.EventLeaseTakeover
		event.Severity = models.SeverityWarn
		event.ReasonKey = "lease_expired"
		event.Payload["previous_worker_id"] = previousWorker
	}
	if err := r.events.insert(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	return &ClaimResult{Run: chosen, TakenOverFrom: previousWorker}, nil
}

// Heartbeat extends the lease iff worker_id and lock_token still match and
// the run is in an active or gated state. A false return means the caller
// lost ownership and must stop executing.
func (r *RunRepository) Heartbeat(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, leaseMinutes int, latencyMS *int64) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin heartbeat: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE run
		SET lease_expires_at = now() + make_interval(mins => $4),
		    lease_minutes = $4,
		    last_heartbeat_at = now(),
		    last_heartbeat_latency_ms = $5,
		    updated_at = now()
		WHERE run_id = $1
		  AND worker_id = $2
		  AND lock_token = $3
		  AND status IN ('running', 'waiting_approval', 'approved')
	`

	tag, err := tx.Exec(ctx, query, runID, workerID, lockToken, leaseMinutes, latencyMS)
	if err != nil {
		return false, fmt.Errorf("heartbeat update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if err := r.events.insert(ctx, tx, models.Event{
		EventID:   uuid.New(),
		RunID:     runID,
		EventType: models.EventLeaseRenewed,
		Severity:  models.SeverityDebug,
		ReasonKey: "heartbeat",
		Payload: map[string]any{
			"worker_id":     workerID,
			"lease_minutes": leaseMinutes,
		},
	}); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// Release clears ownership fields, guarded by the same token match. The token
// column is left in place; it rotates on the next fresh claim.
func (r *RunRepository) Release(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE run
		SET worker_id = '',
		    locked_at = NULL,
		    lease_expires_at = NULL,
		    worker_state = 'idle',
		    updated_at = now()
		WHERE run_id = $1
		  AND worker_id = $2
		  AND lock_token = $3
	`

	tag, err := tx.Exec(ctx, query, runID, workerID, lockToken)
	if err != nil {
		return false, fmt.Errorf("release update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if err := r.events.insert(ctx, tx, models.Event{
		EventID:   uuid.New(),
		RunID:     runID,
		EventType: models.EventLeaseReleased,
		Severity:  models.SeverityInfo,
		ReasonKey: "released",
		Payload:   map[string]any{"worker_id": workerID},
	}); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// ForceUnlock clears a lease on operator authority. Without force it only
// succeeds when the lease is already expired or the run sits at the approval
// gate. A successful unlock always writes an event carrying the entire
// previous lock state; a refused one writes nothing.
func (r *RunRepository) ForceUnlock(ctx context.Context, runID uuid.UUID, operatorID, reason string, force bool) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin force unlock: %w", err)
	}
	defer tx.Rollback(ctx)

	run, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM run WHERE run_id = $1 FOR UPDATE`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("force unlock select: %w", err)
	}

	now := time.Now()
	if !force && run.Leased(now) && run.Status != models.StatusWaitingApproval {
		return false, nil
	}

	query := `
		UPDATE run
		SET worker_id = '',
		    locked_at = NULL,
		    lease_expires_at = NULL,
		    worker_state = 'idle',
		    updated_at = now()
		WHERE run_id = $1
	`
	if _, err := tx.Exec(ctx, query, runID); err != nil {
		return false, fmt.Errorf("force unlock update: %w", err)
	}

	severity := models.SeverityWarn
	if force {
		severity = models.SeverityCritical
	}

	// Full previous lock snapshot: the record that answers "who held this
	// and why did it die" after the fact.
	previous := map[string]any{
		"worker_id":         run.WorkerID,
		"status":            run.Status,
		"worker_state":      run.WorkerState,
		"locked_at":         run.LockedAt,
		"lease_expires_at":  run.LeaseExpiresAt,
		"last_heartbeat_at": run.LastHeartbeatAt,
	}
	if run.LockToken != nil {
		previous["lock_token"] = run.LockToken.String()
	}

	if err := r.events.insert(ctx, tx, models.Event{
		EventID:   uuid.New(),
		RunID:     runID,
		EventType: models.EventManualUnlock,
		Severity:  severity,
		ReasonKey: "manual_unlock",
		Payload: map[string]any{
			"operator_id":    operatorID,
			"reason":         reason,
			"force":          force,
			"previous_state": previous,
		},
	}); err != nil {
		return false, err
	}

	return true, tx.Commit(ctx)
}

// TransitionParams describe an optimistic-concurrency status change
type TransitionParams struct {
	RunID          uuid.UUID
	ExpectedStatus models.RunStatus
	// ExpectedNonce must match the stored approval nonce when leaving
	// waiting_approval; nil skips the check (entering the gate).
	ExpectedNonce *uuid.UUID
	NewStatus     models.RunStatus
	// Snapshot replaces context_snapshot when non-nil
	Snapshot map[string]any
	Event    models.Event
}

// CASTransition applies a compare-and-swap lifecycle change. Entering
// waiting_approval mints a fresh approval nonce (returned); every other
// target status clears it. Terminal targets also clear ownership.
func (r *RunRepository) CASTransition(ctx context.Context, p TransitionParams) (bool, *uuid.UUID, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE run
		SET status = $3,
		    approval_nonce = CASE WHEN $3 = 'waiting_approval' THEN gen_random_uuid() ELSE NULL END,
		    context_snapshot = COALESCE($5, context_snapshot),
		    worker_state = CASE
		        WHEN $3 = 'waiting_approval' THEN 'waiting'
		        WHEN $3 IN ('done', 'failed', 'aborted') THEN 'idle'
		        ELSE worker_state
		    END,
		    worker_id = CASE WHEN $3 IN ('done', 'failed', 'aborted') THEN '' ELSE worker_id END,
		    locked_at = CASE WHEN $3 IN ('done', 'failed', 'aborted') THEN NULL ELSE locked_at END,
		    lease_expires_at = CASE WHEN $3 IN ('done', 'failed', 'aborted') THEN NULL ELSE lease_expires_at END,
		    updated_at = now()
		WHERE run_id = $1
		  AND status = $2
		  AND ($4::uuid IS NULL OR approval_nonce = $4)
		RETURNING approval_nonce
	`

	var snapshotArg any
	if p.Snapshot != nil {
		snapshotArg = p.Snapshot
	}

	var newNonce *uuid.UUID
	err = tx.QueryRow(ctx, query, p.RunID, p.ExpectedStatus, p.NewStatus, p.ExpectedNonce, snapshotArg).Scan(&newNonce)
	if errors.Is(err, pgx.ErrNoRows) {
		// Guard failed: stale status or stale nonce
		return false, nil, tx.Commit(ctx)
	}
	if err != nil {
		return false, nil, fmt.Errorf("transition update: %w", err)
	}

	event := p.Event
	event.RunID = p.RunID
	if event.EventType == "" {
		event.EventType = models.EventStatusTransition
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	if err := r.events.insert(ctx, tx, event); err != nil {
		return false, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("commit transition: %w", err)
	}
	return true, newNonce, nil
}

// ApplySnapshotPatch rewrites context_snapshot under the owner's token.
// The apply callback receives the current snapshot JSON and returns the
// replacement; it runs inside the row lock.
func (r *RunRepository) ApplySnapshotPatch(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, apply func([]byte) ([]byte, error)) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin snapshot patch: %w", err)
	}
	defer tx.Rollback(ctx)

	var current []byte
	query := `
		SELECT context_snapshot
		FROM run
		WHERE run_id = $1 AND worker_id = $2 AND lock_token = $3
		FOR UPDATE
	`
	err = tx.QueryRow(ctx, query, runID, workerID, lockToken).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("snapshot select: %w", err)
	}

	updated, err := apply(current)
	if err != nil {
		return false, fmt.Errorf("apply snapshot patch: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE run SET context_snapshot = $2, updated_at = now() WHERE run_id = $1`,
		runID, updated); err != nil {
		return false, fmt.Errorf("snapshot update: %w", err)
	}

	return true, tx.Commit(ctx)
}

// MarkPanic records a worker panic. worker_state flips to panic only when the
// caller still owns the run; the event is written either way so the incident
// views see panics from workers that already lost their lease.
func (r *RunRepository) MarkPanic(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, event models.Event) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin mark panic: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE run
		SET worker_state = 'panic', updated_at = now()
		WHERE run_id = $1 AND worker_id = $2 AND lock_token = $3
	`, runID, workerID, lockToken)
	if err != nil {
		return false, fmt.Errorf("mark panic update: %w", err)
	}

	event.RunID = runID
	if err := r.events.insert(ctx, tx, event); err != nil {
		return false, err
	}

	return tag.RowsAffected() > 0, tx.Commit(ctx)
}

// scanRun scans a single run row
func scanRun(row pgx.Row) (*models.Run, error) {
	run := &models.Run{}
	err := row.Scan(
		&run.RunID,
		&run.EntityID,
		&run.TaskType,
		&run.Status,
		&run.WorkerID,
		&run.LockToken,
		&run.LockedAt,
		&run.LeaseExpiresAt,
		&run.LeaseMinutes,
		&run.ApprovalNonce,
		&run.WorkerState,
		&run.LastHeartbeatAt,
		&run.LastHeartbeatLatencyMS,
		&run.ContextSnapshot,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func collectRuns(rows pgx.Rows) ([]*models.Run, error) {
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}
