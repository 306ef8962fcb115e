//go:build integration

package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidforge/coordinator/common/config"
	"github.com/vidforge/coordinator/common/db"
	"github.com/vidforge/coordinator/common/logger"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
)

// These tests need a real Postgres (POSTGRES_* env vars, see config).
// Run with: go test -tags integration ./cmd/coordinator/service/...

func setupGateServices(t *testing.T) (*LeaseService, *EvidenceService) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load("service-test")
	require.NoError(t, err)
	// Shared test database; a small batch could be eaten by leftover runs
	cfg.Lease.ClaimBatchSize = 500
	log := logger.New("error", "text")

	database, err := db.New(ctx, cfg, log)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(database.Close)
	require.NoError(t, db.RunMigrations(ctx, cfg.DatabaseURL()))

	events := repository.NewEventRepository(database)
	runs := repository.NewRunRepository(database, events)
	evidence := repository.NewEvidenceRepository(database)
	fingerprints := repository.NewFingerprintRepository(database)

	breaker := NewBreaker(evidence, runs, log)
	leases := NewLeaseService(runs, NewTaskFilter(), breaker, NewNotifier(nil, log), cfg, log)
	return leases, NewEvidenceService(evidence, fingerprints, events, log)
}

// gateTestRun creates a run with conflicting tier-4 evidence, claims it and
// drives it to waiting_approval through the gate
func gateTestRun(t *testing.T, leases *LeaseService, evidence *EvidenceService) (*models.Run, string, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	entityID := "B0" + uuid.New().String()[:8]
	workerID := "worker-" + uuid.New().String()[:8]

	run, err := leases.CreateRun(ctx, entityID, "video", map[string]any{"completed_stage": "render"})
	require.NoError(t, err)

	for _, src := range []struct {
		name  string
		hours string
	}{
		{"manufacturer_spec", "10"},
		{"lab_teardown", "12"},
	} {
		_, err := evidence.Intake(ctx, IntakeRequest{
			EntityID:   entityID,
			ClaimType:  "battery_life",
			TrustTier:  4,
			Confidence: 0.9,
			Value:      map[string]any{"value": src.hours},
			SourceName: src.name,
		})
		require.NoError(t, err)
	}

	claim, err := leases.ClaimNext(ctx, ClaimRequest{
		WorkerID:   workerID,
		TaskFilter: `entity_id == "` + entityID + `"`,
	})
	require.NoError(t, err)
	require.NotNil(t, claim, "the created run must be claimable")
	require.Equal(t, run.RunID, claim.Run.RunID)
	token := *claim.Run.LockToken

	conflicts, gated, err := leases.RequestApproval(ctx, run.RunID, workerID, token)
	require.NoError(t, err)
	require.True(t, gated)
	require.Len(t, conflicts, 1)

	return claim.Run, workerID, token
}

func TestGatedRunCannotComplete(t *testing.T) {
	leases, evidence := setupGateServices(t)
	ctx := context.Background()
	run, workerID, token := gateTestRun(t, leases, evidence)

	// The worker still holds its lease, but the gate belongs to a human now
	err := leases.Complete(ctx, run.RunID, workerID, token, models.StatusDone, nil)
	assert.ErrorIs(t, err, ErrApprovalPending)

	got, err := leases.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingApproval, got.Status)
	assert.NotNil(t, got.ApprovalNonce, "the nonce must survive the refused completion")
}

func TestGatingCapturesConflictsInSnapshot(t *testing.T) {
	leases, evidence := setupGateServices(t)
	ctx := context.Background()
	run, _, _ := gateTestRun(t, leases, evidence)

	got, err := leases.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Contains(t, got.ContextSnapshot, "evidence_conflicts")
	assert.Equal(t, "render", got.ContextSnapshot["completed_stage"],
		"the worker's progress must survive the gate")
}

func TestRequestApprovalParkedWhileGated(t *testing.T) {
	leases, evidence := setupGateServices(t)
	ctx := context.Background()
	run, workerID, token := gateTestRun(t, leases, evidence)

	// A recovered worker asking again gets the parked answer, not an error
	conflicts, gated, err := leases.RequestApproval(ctx, run.RunID, workerID, token)
	require.NoError(t, err)
	assert.True(t, gated)
	assert.Len(t, conflicts, 1)

	got, err := leases.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaitingApproval, got.Status)
}

func TestApprovedGatedRunResumesThroughDecision(t *testing.T) {
	leases, evidence := setupGateServices(t)
	ctx := context.Background()
	run, workerID, token := gateTestRun(t, leases, evidence)

	got, err := leases.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.NotNil(t, got.ApprovalNonce)

	err = leases.Decide(ctx, run.RunID, DecisionRefetch, *got.ApprovalNonce, "op-reviewer", "spot checked")
	require.NoError(t, err)

	// Back under the worker's lease; completion is allowed again
	err = leases.Complete(ctx, run.RunID, workerID, token, models.StatusDone,
		map[string]any{"published_at": time.Now().UTC().Format(time.RFC3339)})
	require.NoError(t, err)

	final, err := leases.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, final.Status)
}
