package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle status of a run
type RunStatus string

const (
	StatusPending         RunStatus = "pending"
	StatusRunning         RunStatus = "running"
	StatusWaitingApproval RunStatus = "waiting_approval"
	StatusApproved        RunStatus = "approved"
	StatusDone            RunStatus = "done"
	StatusFailed          RunStatus = "failed"
	StatusAborted         RunStatus = "aborted"
)

// Terminal reports whether no further transitions are possible
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// WorkerState is the worker-reported execution state of a run
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerActive  WorkerState = "active"
	WorkerWaiting WorkerState = "waiting"
	WorkerPanic   WorkerState = "panic"
)

// Run represents one unit of work pulled from the shared backlog.
// Maps to: run table.
//
// Only the lease queue and the approval boundary mutate lifecycle/lease
// fields; stage executors mutate only ContextSnapshot.
type Run struct {
	RunID    uuid.UUID `db:"run_id" json:"run_id"`
	EntityID string    `db:"entity_id" json:"entity_id"`
	TaskType string    `db:"task_type" json:"task_type"`
	Status   RunStatus `db:"status" json:"status"`

	// Lease ownership. Active iff WorkerID != "" and LeaseExpiresAt > now.
	// LockToken changes only when WorkerID changes to a different value,
	// never on renewal or self-reclaim.
	WorkerID       string     `db:"worker_id" json:"worker_id"`
	LockToken      *uuid.UUID `db:"lock_token" json:"lock_token,omitempty"`
	LockedAt       *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	LeaseExpiresAt *time.Time `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	LeaseMinutes   int        `db:"lease_minutes" json:"lease_minutes"`

	// Set only while Status == waiting_approval; guards stale approvals.
	ApprovalNonce *uuid.UUID `db:"approval_nonce" json:"approval_nonce,omitempty"`

	WorkerState            WorkerState `db:"worker_state" json:"worker_state"`
	LastHeartbeatAt        *time.Time  `db:"last_heartbeat_at" json:"last_heartbeat_at,omitempty"`
	LastHeartbeatLatencyMS *int64      `db:"last_heartbeat_latency_ms" json:"last_heartbeat_latency_ms,omitempty"`

	// Opaque structured data describing where execution left off
	ContextSnapshot map[string]any `db:"context_snapshot" json:"context_snapshot"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Leased reports whether the run holds an active lease as of now
func (r *Run) Leased(now time.Time) bool {
	return r.WorkerID != "" && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now)
}
