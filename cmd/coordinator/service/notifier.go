package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/coordinator/common/logger"
	rediscommon "github.com/vidforge/coordinator/common/redis"
)

// Pub/sub channels for external listeners (review dashboards, pagers)
const (
	ChannelApprovalRequired = "coordinator:approval_required"
	ChannelWorkerPanic      = "coordinator:worker_panic"
)

// Notifier publishes coordination incidents to redis pub/sub. Best effort:
// the database event log is the durable record, the fanout only shortens the
// time to a human noticing. A nil redis client disables it.
type Notifier struct {
	redis *rediscommon.Client
	log   *logger.Logger
}

// NewNotifier creates a new notifier; redis may be nil
func NewNotifier(redis *rediscommon.Client, log *logger.Logger) *Notifier {
	return &Notifier{redis: redis, log: log}
}

// ApprovalRequired announces that a run hit the approval gate
func (n *Notifier) ApprovalRequired(ctx context.Context, runID uuid.UUID, entityID string, conflicts []Conflict) {
	n.publish(ctx, ChannelApprovalRequired, map[string]any{
		"run_id":      runID,
		"entity_id":   entityID,
		"conflicts":   conflicts,
		"notified_at": time.Now().UTC(),
	})
}

// WorkerPanic announces a worker panic against a run
func (n *Notifier) WorkerPanic(ctx context.Context, runID uuid.UUID, workerID, cause string) {
	n.publish(ctx, ChannelWorkerPanic, map[string]any{
		"run_id":      runID,
		"worker_id":   workerID,
		"cause":       cause,
		"notified_at": time.Now().UTC(),
	})
}

func (n *Notifier) publish(ctx context.Context, channel string, payload map[string]any) {
	if n.redis == nil {
		return
	}

	message, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("failed to marshal notification", "channel", channel, "error", err)
		return
	}

	if err := n.redis.PublishEvent(ctx, channel, string(message)); err != nil {
		// Logged by the client; never fail the calling operation
		n.log.Warn("notification dropped", "channel", channel)
	}
}
