package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/vidforge/coordinator/common/config"
	"github.com/vidforge/coordinator/common/logger"
)

func testLeaseService() *LeaseService {
	cfg := &config.Config{}
	cfg.Lease.DefaultMinutes = 10
	cfg.Lease.MinMinutes = 1
	cfg.Lease.MaxMinutes = 30
	cfg.Lease.ClaimBatchSize = 10
	cfg.Lease.MinWorkerIDChars = 3

	log := logger.New("error", "text")
	return NewLeaseService(nil, NewTaskFilter(), nil, NewNotifier(nil, log), cfg, log)
}

func TestClampLease(t *testing.T) {
	s := testLeaseService()

	tests := []struct {
		requested int
		want      int
	}{
		{0, 10},  // zero takes the default
		{1, 1},   // lower bound inclusive
		{30, 30}, // upper bound inclusive
		{-5, 1},  // below minimum clamps up
		{45, 30}, // above maximum clamps down
		{15, 15}, // in range passes through
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, s.clampLease(tt.requested), "clampLease(%d)", tt.requested)
	}
}

func TestValidWorkerID(t *testing.T) {
	s := testLeaseService()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"valid", "worker-7", "worker-7", false},
		{"trims whitespace", "  worker-7  ", "worker-7", false},
		{"exactly minimum", "abc", "abc", false},
		{"too short", "ab", "", true},
		{"whitespace only", "    ", "", true},
		{"whitespace padding does not count", " ab ", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.validWorkerID(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidWorkerID)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecisionValidation(t *testing.T) {
	s := testLeaseService()

	// An unknown verdict is rejected before any state is touched, which is
	// why a nil repository is safe here
	err := s.Decide(context.Background(), uuid.New(), Decision("escalate"), uuid.New(), "op-1", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)

	err = s.Decide(context.Background(), uuid.New(), DecisionApprove, uuid.New(), "x", "")
	assert.ErrorIs(t, err, ErrInvalidOperatorID)
}
