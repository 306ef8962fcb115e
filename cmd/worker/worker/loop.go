package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/coordinator/common/clients"
	"github.com/vidforge/coordinator/common/models"
)

// Coordinator is the subset of the coordinator client the loop needs.
// Narrowed to an interface so tests can drive the loop against a fake.
type Coordinator interface {
	ClaimNext(ctx context.Context, workerID string, leaseMinutes int, taskFilter string) (*clients.Claim, error)
	Heartbeat(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, leaseMinutes int, latencyMS *int64) error
	Release(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) error
	Complete(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, outcome models.RunStatus, snapshot map[string]any) error
	RequestApproval(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID) (bool, error)
	PatchSnapshot(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, patch []byte) error
	ReportPanic(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, cause models.PanicCause, detail string) error
}

// StageResult is what an executor hands back for an owned run
type StageResult struct {
	// Snapshot replaces the run's context snapshot on completion
	Snapshot map[string]any
	// NeedsApproval asks the loop to run the publication gate before done
	NeedsApproval bool
	// Failed marks the run failed instead of done
	Failed bool
	Detail string
}

// StageExecutor runs the domain stages for one claimed run. The loop owns all
// lease mechanics; the executor only does the work and must return promptly
// once ctx is cancelled, because cancellation means the lease is gone.
type StageExecutor interface {
	Execute(ctx context.Context, run *models.Run) (*StageResult, error)
}

// Logger is the minimal logging surface the loop needs
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Options tune the loop
type Options struct {
	WorkerID     string
	LeaseMinutes int
	TaskFilter   string
	// PollInterval is the sleep between empty claims
	PollInterval time.Duration
	// HeartbeatEvery must be well under the lease duration
	HeartbeatEvery time.Duration
	// HeartbeatFailures is how many consecutive transport failures are
	// tolerated before the worker declares heartbeat_uncertain and stops
	HeartbeatFailures int
}

// Loop is the claim-execute-heartbeat-release cycle for one worker process
type Loop struct {
	coord    Coordinator
	executor StageExecutor
	opts     Options
	log      Logger
}

// NewLoop creates a worker loop
func NewLoop(coord Coordinator, executor StageExecutor, opts Options, log Logger) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = 2 * time.Minute
	}
	if opts.HeartbeatFailures <= 0 {
		opts.HeartbeatFailures = 3
	}
	return &Loop{coord: coord, executor: executor, opts: opts, log: log}
}

// Run claims and executes runs until the context is cancelled
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("worker loop starting",
		"worker_id", l.opts.WorkerID,
		"lease_minutes", l.opts.LeaseMinutes,
		"heartbeat_every", l.opts.HeartbeatEvery,
	)

	for {
		select {
		case <-ctx.Done():
			l.log.Info("worker loop stopping")
			return nil
		default:
		}

		claim, err := l.coord.ClaimNext(ctx, l.opts.WorkerID, l.opts.LeaseMinutes, l.opts.TaskFilter)
		if err != nil {
			l.log.Error("claim failed", "error", err)
			l.sleep(ctx, l.opts.PollInterval)
			continue
		}
		if claim == nil {
			l.sleep(ctx, l.opts.PollInterval)
			continue
		}

		l.executeClaim(ctx, claim)
	}
}

// executeClaim drives one claimed run to an outcome. The heartbeat goroutine
// renews the lease; if it reports the lease lost, execution is cancelled and
// the run abandoned without touching its state.
func (l *Loop) executeClaim(ctx context.Context, claim *clients.Claim) {
	run := claim.Run
	token := *run.LockToken

	l.log.Info("executing run",
		"run_id", run.RunID,
		"entity_id", run.EntityID,
		"recovered", claim.Recovered,
	)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan models.PanicCause, 1)
	go l.heartbeatLoop(execCtx, run, token, cancel, lost)

	result, err := l.executeSafely(execCtx, run)

	select {
	case cause := <-lost:
		// The lease is gone or unprovable. Report and walk away; another
		// worker may already own this run.
		detail := fmt.Sprintf("heartbeat terminated execution: %s", cause)
		if err := l.coord.ReportPanic(ctx, run.RunID, l.opts.WorkerID, token, cause, detail); err != nil {
			l.log.Error("panic report failed", "run_id", run.RunID, "error", err)
		}
		return
	default:
	}
	cancel()

	switch {
	case err != nil:
		l.log.Error("stage execution failed", "run_id", run.RunID, "error", err)
		snapshot := map[string]any{"last_error": err.Error()}
		if cerr := l.coord.Complete(ctx, run.RunID, l.opts.WorkerID, token, models.StatusFailed, snapshot); cerr != nil {
			l.log.Error("failed to mark run failed", "run_id", run.RunID, "error", cerr)
		}

	case result.Failed:
		if cerr := l.coord.Complete(ctx, run.RunID, l.opts.WorkerID, token, models.StatusFailed, result.Snapshot); cerr != nil {
			l.log.Error("failed to mark run failed", "run_id", run.RunID, "error", cerr)
		}

	case result.NeedsApproval:
		gated, gerr := l.coord.RequestApproval(ctx, run.RunID, l.opts.WorkerID, token)
		if gerr != nil {
			l.log.Error("approval gate failed", "run_id", run.RunID, "error", gerr)
			return
		}
		if gated {
			// A human owns the run now. Release so the post-decision claim
			// can go to any worker.
			l.log.Warn("run gated for approval", "run_id", run.RunID)
			if rerr := l.coord.Release(ctx, run.RunID, l.opts.WorkerID, token); rerr != nil && !errors.Is(rerr, clients.ErrLeaseLost) {
				l.log.Error("release after gating failed", "run_id", run.RunID, "error", rerr)
			}
			return
		}
		fallthrough

	default:
		if cerr := l.coord.Complete(ctx, run.RunID, l.opts.WorkerID, token, models.StatusDone, result.Snapshot); cerr != nil {
			l.log.Error("failed to mark run done", "run_id", run.RunID, "error", cerr)
			return
		}
		l.log.Info("run completed", "run_id", run.RunID)
	}
}

// executeSafely shields the loop from executor panics; a panicking stage is
// an integrity failure, not a worker crash
func (l *Loop) executeSafely(ctx context.Context, run *models.Run) (result *StageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("stage executor panicked", "run_id", run.RunID, "panic", r)
			token := *run.LockToken
			_ = l.coord.ReportPanic(context.WithoutCancel(ctx), run.RunID, l.opts.WorkerID, token,
				models.PanicIntegrityFailure, fmt.Sprintf("executor panic: %v", r))
			result = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	result, err = l.executor.Execute(ctx, run)
	if err == nil && result == nil {
		result = &StageResult{}
	}
	return result, err
}

// heartbeatLoop renews the lease until execution ends. On a definite 409 it
// cancels execution with lost_lock; after too many consecutive transport
// failures it cancels with heartbeat_uncertain, because a worker that cannot
// prove ownership must assume it has none.
func (l *Loop) heartbeatLoop(ctx context.Context, run *models.Run, token uuid.UUID, cancel context.CancelFunc, lost chan<- models.PanicCause) {
	ticker := time.NewTicker(l.opts.HeartbeatEvery)
	defer ticker.Stop()

	failures := 0
	var lastLatency *int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := l.coord.Heartbeat(ctx, run.RunID, l.opts.WorkerID, token, l.opts.LeaseMinutes, lastLatency)
			elapsed := time.Since(start).Milliseconds()
			lastLatency = &elapsed

			switch {
			case err == nil:
				failures = 0
			case errors.Is(err, clients.ErrLeaseLost):
				l.log.Warn("lease lost mid-execution", "run_id", run.RunID)
				lost <- models.PanicLostLock
				cancel()
				return
			case errors.Is(err, context.Canceled):
				return
			default:
				failures++
				l.log.Warn("heartbeat failed", "run_id", run.RunID, "failures", failures, "error", err)
				if failures >= l.opts.HeartbeatFailures {
					lost <- models.PanicHeartbeatUncertain
					cancel()
					return
				}
			}
		}
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
