//go:build integration

package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidforge/coordinator/common/config"
	"github.com/vidforge/coordinator/common/db"
	"github.com/vidforge/coordinator/common/logger"
	"github.com/vidforge/coordinator/common/models"
)

// These tests need a real Postgres (POSTGRES_* env vars, see config).
// Run with: go test -tags integration ./cmd/coordinator/repository/...

func setupRepos(t *testing.T) (*RunRepository, *EventRepository, *db.DB) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load("repository-test")
	require.NoError(t, err)
	log := logger.New("error", "text")

	database, err := db.New(ctx, cfg, log)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(database.Close)

	require.NoError(t, db.RunMigrations(ctx, cfg.DatabaseURL()))

	events := NewEventRepository(database)
	return NewRunRepository(database, events), events, database
}

func createTestRun(t *testing.T, runs *RunRepository) *models.Run {
	t.Helper()
	run := &models.Run{
		RunID:           uuid.New(),
		EntityID:        "B0" + uuid.New().String()[:8],
		TaskType:        "video",
		Status:          models.StatusPending,
		ContextSnapshot: map[string]any{},
	}
	require.NoError(t, runs.Create(context.Background(), run))
	return run
}

func casEvent(reason string) models.Event {
	return models.Event{
		EventID:   uuid.New(),
		EventType: models.EventStatusTransition,
		Severity:  models.SeverityInfo,
		ReasonKey: reason,
	}
}

func claimParams(workerID string) ClaimParams {
	return ClaimParams{
		WorkerID:     workerID,
		LeaseMinutes: 5,
		BatchSize:    10,
		EventID:      uuid.New(),
	}
}

// expireLease backdates a run's lease so takeover paths can be tested
// without waiting out real minutes
func expireLease(t *testing.T, database *db.DB, runID uuid.UUID) {
	t.Helper()
	_, err := database.Exec(context.Background(),
		`UPDATE run SET lease_expires_at = now() - interval '1 minute' WHERE run_id = $1`, runID)
	require.NoError(t, err)
}

func TestClaimMutualExclusion(t *testing.T) {
	runs, _, _ := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p1 := claimParams("worker-a")
	p1.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	first, err := runs.ClaimNext(ctx, p1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, run.RunID, first.Run.RunID)
	assert.Equal(t, models.StatusRunning, first.Run.Status)
	require.NotNil(t, first.Run.LockToken)

	// A second worker must not get the same run while the lease is live
	p2 := claimParams("worker-b")
	p2.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	second, err := runs.ClaimNext(ctx, p2)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestClaimRecoveryKeepsToken(t *testing.T) {
	runs, _, _ := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p := claimParams("worker-recover")
	p.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	first, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, first)
	originalToken := *first.Run.LockToken

	// The same worker claiming again gets its own run back, same token
	again, err := runs.ClaimNext(ctx, claimParams("worker-recover"))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.True(t, again.Recovered)
	assert.Equal(t, first.Run.RunID, again.Run.RunID)
	assert.Equal(t, originalToken, *again.Run.LockToken, "recovery must not rotate the token")
}

func TestClaimTakeoverRotatesToken(t *testing.T) {
	runs, events, database := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p := claimParams("worker-dead")
	p.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	first, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, first)
	deadToken := *first.Run.LockToken

	expireLease(t, database, run.RunID)

	p2 := claimParams("worker-alive")
	p2.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	takeover, err := runs.ClaimNext(ctx, p2)
	require.NoError(t, err)
	require.NotNil(t, takeover)
	assert.Equal(t, "worker-dead", takeover.TakenOverFrom)
	assert.NotEqual(t, deadToken, *takeover.Run.LockToken, "ownership transfer must rotate the token")

	// The dead worker's heartbeat must now bounce
	ok, err := runs.Heartbeat(ctx, run.RunID, "worker-dead", deadToken, 5, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	// And the audit trail records the takeover
	trail, err := events.ListByRun(ctx, run.RunID, 50)
	require.NoError(t, err)
	types := make([]string, 0, len(trail))
	for _, e := range trail {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.EventLeaseTakeover)
}

func TestReleaseThenReclaim(t *testing.T) {
	runs, _, _ := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p := claimParams("worker-rel")
	p.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	first, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)
	token := *first.Run.LockToken

	ok, err := runs.Release(ctx, run.RunID, "worker-rel", token)
	require.NoError(t, err)
	require.True(t, ok)

	// Double release is a no-op refusal, not an error
	ok, err = runs.Release(ctx, run.RunID, "worker-rel", token)
	require.NoError(t, err)
	assert.False(t, ok)

	p2 := claimParams("worker-next")
	p2.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	second, err := runs.ClaimNext(ctx, p2)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, token, *second.Run.LockToken)
}

func TestForceUnlockRefusesHealthyLease(t *testing.T) {
	runs, events, _ := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p := claimParams("worker-healthy")
	p.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	_, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)

	before, err := events.ListByRun(ctx, run.RunID, 50)
	require.NoError(t, err)

	// Healthy lease, no force: refused, and no event written
	ok, err := runs.ForceUnlock(ctx, run.RunID, "op-1", "mistake", false)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := events.ListByRun(ctx, run.RunID, 50)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "a refused unlock must leave no trace")

	// force=true succeeds and records the previous holder
	ok, err = runs.ForceUnlock(ctx, run.RunID, "op-1", "worker wedged", true)
	require.NoError(t, err)
	require.True(t, ok)

	after, err = events.ListByRun(ctx, run.RunID, 50)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.Equal(t, models.EventManualUnlock, after[0].EventType)
	assert.Equal(t, models.SeverityCritical, after[0].Severity)

	prev, _ := after[0].Payload["previous_state"].(map[string]any)
	require.NotNil(t, prev)
	assert.Equal(t, "worker-healthy", prev["worker_id"])
}

func TestForceUnlockExpiredLeaseWithoutForce(t *testing.T) {
	runs, _, database := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p := claimParams("worker-exp")
	p.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	_, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)

	expireLease(t, database, run.RunID)

	ok, err := runs.ForceUnlock(ctx, run.RunID, "op-2", "cleanup", false)
	require.NoError(t, err)
	assert.True(t, ok, "expired leases are clearable without force")
}

func TestCASTransitionNonceGuard(t *testing.T) {
	runs, _, _ := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p := claimParams("worker-cas")
	p.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	_, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)

	// Gate the run: a nonce is minted
	ok, nonce, err := runs.CASTransition(ctx, TransitionParams{
		RunID:          run.RunID,
		ExpectedStatus: models.StatusRunning,
		NewStatus:      models.StatusWaitingApproval,
		Event:          casEvent("gated"),
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, nonce)

	// A decision with the wrong nonce is refused
	wrong := uuid.New()
	ok, _, err = runs.CASTransition(ctx, TransitionParams{
		RunID:          run.RunID,
		ExpectedStatus: models.StatusWaitingApproval,
		ExpectedNonce:  &wrong,
		NewStatus:      models.StatusApproved,
		Event:          casEvent("approve"),
	})
	require.NoError(t, err)
	assert.False(t, ok)

	// The right nonce lands, and a second identical decision is stale
	ok, _, err = runs.CASTransition(ctx, TransitionParams{
		RunID:          run.RunID,
		ExpectedStatus: models.StatusWaitingApproval,
		ExpectedNonce:  nonce,
		NewStatus:      models.StatusApproved,
		Event:          casEvent("approve"),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = runs.CASTransition(ctx, TransitionParams{
		RunID:          run.RunID,
		ExpectedStatus: models.StatusWaitingApproval,
		ExpectedNonce:  nonce,
		NewStatus:      models.StatusApproved,
		Event:          casEvent("approve"),
	})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventAppendIdempotent(t *testing.T) {
	runs, events, _ := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	event := models.Event{
		EventID:   uuid.New(),
		RunID:     run.RunID,
		EventType: models.EventWorkerPanic,
		Severity:  models.SeverityCritical,
		ReasonKey: "lost_lock",
		Payload:   map[string]any{"worker_id": "worker-x"},
	}

	require.NoError(t, events.Append(ctx, event))
	require.NoError(t, events.Append(ctx, event))
	require.NoError(t, events.Append(ctx, event))

	trail, err := events.ListByRun(ctx, run.RunID, 50)
	require.NoError(t, err)

	count := 0
	for _, e := range trail {
		if e.EventID == event.EventID {
			count++
		}
	}
	assert.Equal(t, 1, count, "redelivered events must collapse to one row")
}

func TestApprovedRunsClaimFirst(t *testing.T) {
	runs, _, database := setupRepos(t)
	ctx := context.Background()

	pendingRun := createTestRun(t, runs)
	approvedRun := createTestRun(t, runs)

	_, err := database.Exec(ctx,
		`UPDATE run SET status = 'approved' WHERE run_id = $1`, approvedRun.RunID)
	require.NoError(t, err)

	mine := map[uuid.UUID]bool{pendingRun.RunID: true, approvedRun.RunID: true}
	p := claimParams("worker-prio")
	p.Filter = func(r *models.Run) bool { return mine[r.RunID] }

	claimed, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, approvedRun.RunID, claimed.Run.RunID,
		"runs cleared by a human go before the untouched backlog")
}

func TestStaleRunsIncludeNeverHeartbeated(t *testing.T) {
	runs, _, database := setupRepos(t)
	ctx := context.Background()
	run := createTestRun(t, runs)

	p := claimParams("worker-" + uuid.New().String()[:8])
	p.Filter = func(r *models.Run) bool { return r.RunID == run.RunID }
	claimed, err := runs.ClaimNext(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Claimed, then silence: no heartbeat ever arrives. Push the claim past
	// twice the lease so staleness must be measured from locked_at.
	_, err = database.Exec(ctx,
		`UPDATE run SET locked_at = now() - interval '1 hour', lease_expires_at = now() - interval '55 minutes' WHERE run_id = $1`,
		run.RunID)
	require.NoError(t, err)

	incidents := NewIncidentRepository(database)
	stale, err := incidents.StaleRuns(ctx, 500)
	require.NoError(t, err)

	var found *IncidentSummary
	for _, s := range stale {
		if s.RunID == run.RunID {
			found = s
		}
	}
	require.NotNil(t, found, "a worker that died before its first heartbeat must surface")
	assert.True(t, found.Stale)
	assert.Nil(t, found.LastHeartbeatAt)
}
