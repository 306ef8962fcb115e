package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/coordinator/common/config"
	"github.com/vidforge/coordinator/common/logger"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
)

var staleNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("coordinator/stale"))

// Housekeeping runs the periodic sweeps: event retention, expired evidence
// cleanup, and flagging runs whose workers went quiet. It never reassigns or
// unlocks anything itself; takeover happens lazily at claim time and unlock
// stays a human call.
type Housekeeping struct {
	events    *repository.EventRepository
	evidence  *repository.EvidenceRepository
	incidents *repository.IncidentRepository
	cfg       *config.Config
	log       *logger.Logger
}

// NewHousekeeping creates the housekeeping sweeper
func NewHousekeeping(
	events *repository.EventRepository,
	evidence *repository.EvidenceRepository,
	incidents *repository.IncidentRepository,
	cfg *config.Config,
	log *logger.Logger,
) *Housekeeping {
	return &Housekeeping{
		events:    events,
		evidence:  evidence,
		incidents: incidents,
		cfg:       cfg,
		log:       log,
	}
}

// Run loops until the context is cancelled, sweeping on the configured
// interval. Call in a goroutine from main.
func (h *Housekeeping) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Housekeeping.Interval)
	defer ticker.Stop()

	h.log.Info("housekeeping started", "interval", h.cfg.Housekeeping.Interval)

	for {
		select {
		case <-ctx.Done():
			h.log.Info("housekeeping stopped")
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of every sweep. Each is independent; one failing does
// not stop the others.
func (h *Housekeeping) Sweep(ctx context.Context) {
	h.sweepEvents(ctx)
	h.sweepEvidence(ctx)
	h.flagStaleRuns(ctx)
}

func (h *Housekeeping) sweepEvents(ctx context.Context) {
	cutoff := time.Now().Add(-h.cfg.Housekeeping.EventRetention)
	removed, err := h.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		h.log.Error("event retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		h.log.Info("event retention sweep", "removed", removed, "cutoff", cutoff)
	}
}

func (h *Housekeeping) sweepEvidence(ctx context.Context) {
	removed, err := h.evidence.DeleteExpiredUnreferenced(ctx, time.Now())
	if err != nil {
		h.log.Error("evidence sweep failed", "error", err)
		return
	}
	if removed > 0 {
		h.log.Info("evidence sweep", "removed", removed)
	}
}

// flagStaleRuns writes a heartbeat_lost event for each run whose worker has
// gone quiet. The event id is derived from the run and the start of the
// silence (last heartbeat, or the claim when none ever arrived), so a run
// stuck across many sweeps is flagged once per silence, not once per sweep.
func (h *Housekeeping) flagStaleRuns(ctx context.Context) {
	stale, err := h.incidents.StaleRuns(ctx, 200)
	if err != nil {
		h.log.Error("stale run scan failed", "error", err)
		return
	}

	for _, run := range stale {
		silenceStart := run.LastHeartbeatAt
		if silenceStart == nil {
			silenceStart = run.LockedAt
		}

		seed := run.RunID.String()
		if silenceStart != nil {
			seed += "|" + silenceStart.UTC().Format(time.RFC3339Nano)
		}

		err := h.events.Append(ctx, models.Event{
			EventID:   uuid.NewSHA1(staleNamespace, []byte(seed)),
			RunID:     run.RunID,
			EventType: models.EventHeartbeatLost,
			Severity:  models.SeverityWarn,
			ReasonKey: "heartbeat_silence",
			Payload: map[string]any{
				"worker_id":         run.WorkerID,
				"last_heartbeat_at": run.LastHeartbeatAt,
				"lease_minutes":     run.LeaseMinutes,
			},
		})
		if err != nil {
			h.log.Error("failed to flag stale run", "run_id", run.RunID, "error", err)
			continue
		}

		h.log.WithRunID(run.RunID.String()).Warn("worker gone quiet",
			"worker_id", run.WorkerID,
			"last_heartbeat_at", run.LastHeartbeatAt,
		)
	}
}
