package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks how much attention an event deserves
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// Event types written by the coordinator
const (
	EventLeaseClaimed      = "lease_claimed"
	EventLeaseRecovered    = "lease_recovered"
	EventLeaseRenewed      = "lease_renewed"
	EventLeaseTakeover     = "lease_takeover"
	EventLeaseReleased     = "lease_released"
	EventManualUnlock      = "manual_unlock"
	EventHeartbeatLost     = "heartbeat_lost"
	EventWorkerPanic       = "worker_panic"
	EventConflictDetected  = "conflict_detected"
	EventFingerprintDrift  = "fingerprint_drift"
	EventHumanDecision     = "human_decision"
	EventStatusTransition  = "status_transition"
)

// PanicCause is the closed set of coordination-level reasons a worker stops.
// Domain-specific downstream causes are carried opaquely in the event payload.
type PanicCause string

const (
	// Heartbeat or any coordinator call returned a token mismatch.
	PanicLostLock PanicCause = "lost_lock"
	// The datastore is unreachable; the worker cannot prove it still owns
	// the lease.
	PanicHeartbeatUncertain PanicCause = "heartbeat_uncertain"
	// A downstream collaborator stopped responding within its timeout.
	PanicDependencyFrozen PanicCause = "dependency_frozen"
	// The circuit breaker reported an unresolved high-trust conflict.
	PanicIntegrityFailure PanicCause = "integrity_failure"
)

// Valid reports whether the cause is one the coordinator understands
func (c PanicCause) Valid() bool {
	switch c {
	case PanicLostLock, PanicHeartbeatUncertain, PanicDependencyFrozen, PanicIntegrityFailure:
		return true
	}
	return false
}

// Event is one append-only audit record. Maps to: run_event table.
// EventID is globally unique; a second insert with the same EventID is a no-op,
// which is what makes at-least-once delivery safe.
type Event struct {
	ID         int64          `db:"id" json:"id"`
	EventID    uuid.UUID      `db:"event_id" json:"event_id"`
	RunID      uuid.UUID      `db:"run_id" json:"run_id"`
	EventType  string         `db:"event_type" json:"event_type"`
	Severity   Severity       `db:"severity" json:"severity"`
	ReasonKey  string         `db:"reason_key" json:"reason_key"`
	Payload    map[string]any `db:"payload" json:"payload"`
	OccurredAt time.Time      `db:"occurred_at" json:"occurred_at"`
}
