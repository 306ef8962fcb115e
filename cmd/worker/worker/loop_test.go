package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidforge/coordinator/common/clients"
	"github.com/vidforge/coordinator/common/models"
)

type fakeCoordinator struct {
	mu sync.Mutex

	heartbeatErr  error
	gated         bool
	releaseCalls  int
	completeWith  []models.RunStatus
	panicCauses   []models.PanicCause
	approvalCalls int
}

func (f *fakeCoordinator) ClaimNext(ctx context.Context, workerID string, leaseMinutes int, taskFilter string) (*clients.Claim, error) {
	return nil, nil
}

func (f *fakeCoordinator) Heartbeat(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, leaseMinutes int, latencyMS *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeatErr
}

func (f *fakeCoordinator) Release(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	return nil
}

func (f *fakeCoordinator) Complete(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, outcome models.RunStatus, snapshot map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeWith = append(f.completeWith, outcome)
	return nil
}

func (f *fakeCoordinator) RequestApproval(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvalCalls++
	return f.gated, nil
}

func (f *fakeCoordinator) PatchSnapshot(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, patch []byte) error {
	return nil
}

func (f *fakeCoordinator) ReportPanic(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, cause models.PanicCause, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.panicCauses = append(f.panicCauses, cause)
	return nil
}

func (f *fakeCoordinator) snapshot() fakeCoordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCoordinator{
		releaseCalls:  f.releaseCalls,
		completeWith:  append([]models.RunStatus(nil), f.completeWith...),
		panicCauses:   append([]models.PanicCause(nil), f.panicCauses...),
		approvalCalls: f.approvalCalls,
	}
}

type funcExecutor func(ctx context.Context, run *models.Run) (*StageResult, error)

func (f funcExecutor) Execute(ctx context.Context, run *models.Run) (*StageResult, error) {
	return f(ctx, run)
}

type nopLogger struct{}

func (nopLogger) Info(msg string, kv ...interface{})  {}
func (nopLogger) Error(msg string, kv ...interface{}) {}
func (nopLogger) Warn(msg string, kv ...interface{})  {}
func (nopLogger) Debug(msg string, kv ...interface{}) {}

func testClaim() *clients.Claim {
	token := uuid.New()
	return &clients.Claim{
		Run: &models.Run{
			RunID:     uuid.New(),
			EntityID:  "B0TEST",
			TaskType:  "video",
			Status:    models.StatusRunning,
			LockToken: &token,
		},
	}
}

func testLoop(coord Coordinator, exec StageExecutor) *Loop {
	return NewLoop(coord, exec, Options{
		WorkerID:          "worker-test",
		LeaseMinutes:      5,
		HeartbeatEvery:    10 * time.Millisecond,
		HeartbeatFailures: 3,
	}, nopLogger{})
}

func TestExecuteClaimCompletesRun(t *testing.T) {
	coord := &fakeCoordinator{}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		return &StageResult{Snapshot: map[string]any{"done": true}}, nil
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	require.Len(t, got.completeWith, 1)
	assert.Equal(t, models.StatusDone, got.completeWith[0])
	assert.Empty(t, got.panicCauses)
}

func TestExecuteClaimFailedResult(t *testing.T) {
	coord := &fakeCoordinator{}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		return &StageResult{Failed: true, Detail: "render timeout"}, nil
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	require.Len(t, got.completeWith, 1)
	assert.Equal(t, models.StatusFailed, got.completeWith[0])
}

func TestExecuteClaimExecutorError(t *testing.T) {
	coord := &fakeCoordinator{}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		return nil, errors.New("downstream exploded")
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	require.Len(t, got.completeWith, 1)
	assert.Equal(t, models.StatusFailed, got.completeWith[0])
}

func TestExecuteClaimLostLockAbandonsRun(t *testing.T) {
	coord := &fakeCoordinator{heartbeatErr: clients.ErrLeaseLost}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		// Block until the heartbeat goroutine cancels us
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	require.Len(t, got.panicCauses, 1)
	assert.Equal(t, models.PanicLostLock, got.panicCauses[0])
	assert.Empty(t, got.completeWith, "an abandoned run must not be completed")
}

func TestExecuteClaimHeartbeatUncertain(t *testing.T) {
	coord := &fakeCoordinator{heartbeatErr: errors.New("connection refused")}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	require.Len(t, got.panicCauses, 1)
	assert.Equal(t, models.PanicHeartbeatUncertain, got.panicCauses[0])
	assert.Empty(t, got.completeWith)
}

func TestExecuteClaimGatedReleases(t *testing.T) {
	coord := &fakeCoordinator{gated: true}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		return &StageResult{NeedsApproval: true}, nil
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	assert.Equal(t, 1, got.approvalCalls)
	assert.Equal(t, 1, got.releaseCalls)
	assert.Empty(t, got.completeWith, "a gated run belongs to the reviewer now")
}

func TestExecuteClaimApprovalClearCompletes(t *testing.T) {
	coord := &fakeCoordinator{gated: false}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		return &StageResult{NeedsApproval: true}, nil
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	assert.Equal(t, 1, got.approvalCalls)
	require.Len(t, got.completeWith, 1)
	assert.Equal(t, models.StatusDone, got.completeWith[0])
}

func TestExecuteClaimExecutorPanicIsIntegrityFailure(t *testing.T) {
	coord := &fakeCoordinator{}
	loop := testLoop(coord, funcExecutor(func(ctx context.Context, run *models.Run) (*StageResult, error) {
		panic("corrupted stage state")
	}))

	loop.executeClaim(context.Background(), testClaim())

	got := coord.snapshot()
	require.NotEmpty(t, got.panicCauses)
	assert.Equal(t, models.PanicIntegrityFailure, got.panicCauses[0])
}
