package service

import "errors"

// Sentinel errors mapped to HTTP statuses by the handlers
var (
	// ErrInvalidWorkerID is returned when a worker id is too short after
	// trimming; anonymous lease holders are not attributable in the event log
	ErrInvalidWorkerID = errors.New("worker_id must have at least 3 non-space characters")

	// ErrInvalidOperatorID mirrors the worker id rule for human operators
	ErrInvalidOperatorID = errors.New("operator_id must have at least 3 non-space characters")

	// ErrInvalidPanicCause is returned for a cause outside the closed taxonomy
	ErrInvalidPanicCause = errors.New("unknown panic cause")

	// ErrInvalidDecision is returned for a decision other than approve, refetch, abort
	ErrInvalidDecision = errors.New("decision must be approve, refetch or abort")

	// ErrRunNotFound is returned when the run does not exist
	ErrRunNotFound = errors.New("run not found")

	// ErrNotOwner is returned when worker_id/lock_token do not match the
	// current lease; the caller must stop treating the run as its own
	ErrNotOwner = errors.New("lease not held by caller")

	// ErrStaleTransition is returned when a compare-and-swap guard failed:
	// the run's status or approval nonce moved on
	ErrStaleTransition = errors.New("run state changed, transition refused")

	// ErrApprovalPending is returned when a worker tries to complete a run
	// sitting at the approval gate; only a human decision moves it
	ErrApprovalPending = errors.New("run is waiting for human approval")

	// ErrUnlockRefused is returned when force_unlock finds a healthy lease
	// and force was not set
	ErrUnlockRefused = errors.New("lease is healthy, refusing unlock without force")
)
