package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRunStatusTerminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusWaitingApproval, false},
		{StatusApproved, false},
		{StatusDone, true},
		{StatusFailed, true},
		{StatusAborted, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestPanicCauseValid(t *testing.T) {
	for _, cause := range []PanicCause{PanicLostLock, PanicHeartbeatUncertain, PanicDependencyFrozen, PanicIntegrityFailure} {
		if !cause.Valid() {
			t.Errorf("Valid(%s) = false, want true", cause)
		}
	}

	for _, cause := range []PanicCause{"", "lostlock", "out_of_memory", "LOST_LOCK"} {
		if cause.Valid() {
			t.Errorf("Valid(%s) = true, want false", cause)
		}
	}
}

func TestRunLeased(t *testing.T) {
	now := time.Now()
	future := now.Add(5 * time.Minute)
	past := now.Add(-5 * time.Minute)

	tests := []struct {
		name     string
		workerID string
		expires  *time.Time
		leased   bool
	}{
		{"active lease", "worker-1", &future, true},
		{"expired lease", "worker-1", &past, false},
		{"no worker", "", &future, false},
		{"no expiry", "worker-1", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &Run{WorkerID: tt.workerID, LeaseExpiresAt: tt.expires}
			if got := run.Leased(now); got != tt.leased {
				t.Errorf("Leased() = %v, want %v", got, tt.leased)
			}
		})
	}
}

func TestHashValue(t *testing.T) {
	a := HashValue(map[string]any{"hours": 10})
	b := HashValue(map[string]any{"hours": 10})
	c := HashValue(map[string]any{"hours": 12})

	if a != b {
		t.Errorf("equal values hashed differently: %s vs %s", a, b)
	}
	if a == c {
		t.Errorf("different values hashed identically: %s", a)
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintComputeHash(t *testing.T) {
	a := ProductFingerprint{Brand: "Acme", Model: "X-100", Variant: "Black"}
	b := ProductFingerprint{Brand: "  acme ", Model: "x-100", Variant: "BLACK "}
	c := ProductFingerprint{Brand: "Acme", Model: "X-200", Variant: "Black"}

	if a.ComputeHash() != b.ComputeHash() {
		t.Error("case and whitespace variants should hash identically")
	}
	if a.ComputeHash() == c.ComputeHash() {
		t.Error("different models should hash differently")
	}
}

func TestEventIdempotencyKeyStability(t *testing.T) {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte("test"))
	a := uuid.NewSHA1(ns, []byte("run|nonce|approve"))
	b := uuid.NewSHA1(ns, []byte("run|nonce|approve"))
	if a != b {
		t.Error("derived event ids must be stable across retries")
	}
}
