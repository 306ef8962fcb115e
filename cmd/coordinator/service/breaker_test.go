package service

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidforge/coordinator/common/models"
)

func item(tier int, source string, value any, fetchedAgo time.Duration) *models.EvidenceItem {
	return &models.EvidenceItem{
		EvidenceID: uuid.New(),
		EntityID:   "B0TEST",
		ClaimType:  "battery_life",
		TrustTier:  tier,
		Value:      value,
		ValueHash:  models.HashValue(value),
		SourceName: source,
		FetchedAt:  time.Now().Add(-fetchedAgo),
	}
}

func TestDetectConflictAgreementIsClean(t *testing.T) {
	items := []*models.EvidenceItem{
		item(5, "manufacturer", map[string]any{"hours": 10.0}, time.Hour),
		item(4, "lab_review", map[string]any{"hours": 10.0}, 2*time.Hour),
	}

	assert.Nil(t, detectConflict("battery_life", items))
}

func TestDetectConflictSingleItemIsClean(t *testing.T) {
	items := []*models.EvidenceItem{
		item(5, "manufacturer", map[string]any{"hours": 10.0}, time.Hour),
	}

	assert.Nil(t, detectConflict("battery_life", items))
}

func TestDetectConflictDisagreementTrips(t *testing.T) {
	items := []*models.EvidenceItem{
		item(5, "manufacturer", map[string]any{"hours": 10.0}, time.Hour),
		item(4, "lab_review", map[string]any{"hours": 6.0}, 2*time.Hour),
	}

	conflict := detectConflict("battery_life", items)
	require.NotNil(t, conflict)
	assert.Equal(t, "battery_life", conflict.ClaimType)
	assert.Equal(t, 2, conflict.DistinctValues)
	assert.Len(t, conflict.Items, 2)
}

func TestDetectConflictCorrectionExemption(t *testing.T) {
	// The same source re-reported the claim: its newer statement replaces
	// the older one, so there is no disagreement left
	items := []*models.EvidenceItem{
		item(5, "manufacturer", map[string]any{"hours": 12.0}, time.Hour),
		item(5, "manufacturer", map[string]any{"hours": 10.0}, 24*time.Hour),
	}

	assert.Nil(t, detectConflict("battery_life", items))
}

func TestDetectConflictSupersetExemption(t *testing.T) {
	// Newest value contains everything the older one said plus more;
	// the older item is a subset reading, not a conflict
	items := []*models.EvidenceItem{
		item(5, "manufacturer", map[string]any{"hours": 10.0, "conditions": "mixed use"}, time.Hour),
		item(4, "retailer", map[string]any{"hours": 10.0}, 6*time.Hour),
	}

	assert.Nil(t, detectConflict("battery_life", items))
}

func TestDetectConflictContradictingSupersetStillTrips(t *testing.T) {
	// The newer value is bigger but contradicts the older key, so the
	// superset exemption must not apply
	items := []*models.EvidenceItem{
		item(5, "manufacturer", map[string]any{"hours": 12.0, "conditions": "mixed use"}, time.Hour),
		item(4, "retailer", map[string]any{"hours": 10.0}, 6*time.Hour),
	}

	conflict := detectConflict("battery_life", items)
	require.NotNil(t, conflict)
	assert.Equal(t, 2, conflict.DistinctValues)
}

func TestDetectConflictThirdPartyStillTrips(t *testing.T) {
	// A correction between two items does not absolve a third source that
	// still disagrees with the newest value
	items := []*models.EvidenceItem{
		item(5, "manufacturer", map[string]any{"hours": 12.0}, time.Hour),
		item(5, "manufacturer", map[string]any{"hours": 10.0}, 24*time.Hour),
		item(4, "lab_review", map[string]any{"hours": 6.0}, 12*time.Hour),
	}

	conflict := detectConflict("battery_life", items)
	require.NotNil(t, conflict)
}

func TestValueSuperset(t *testing.T) {
	tests := []struct {
		name   string
		newer  any
		older  any
		expect bool
	}{
		{
			"strict superset",
			map[string]any{"a": 1.0, "b": 2.0},
			map[string]any{"a": 1.0},
			true,
		},
		{
			"equal maps are not strict supersets",
			map[string]any{"a": 1.0},
			map[string]any{"a": 1.0},
			false,
		},
		{
			"contradicting key",
			map[string]any{"a": 2.0, "b": 2.0},
			map[string]any{"a": 1.0},
			false,
		},
		{
			"non-object values",
			"ten hours",
			"six hours",
			false,
		},
		{
			"empty older map",
			map[string]any{"a": 1.0},
			map[string]any{},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, valueSuperset(tt.newer, tt.older))
		})
	}
}

func TestConflictEventIDDeterministic(t *testing.T) {
	runID := uuid.New()
	conflicts := []Conflict{{
		ClaimType: "battery_life",
		Items: []ConflictItem{
			{ValueHash: "aaa"},
			{ValueHash: "bbb"},
		},
	}}

	a := conflictEventID(runID, conflicts)
	b := conflictEventID(runID, conflicts)
	assert.Equal(t, a, b, "same conflict must produce the same event id")

	other := conflictEventID(uuid.New(), conflicts)
	assert.NotEqual(t, a, other)
}

func TestDisplayValueExtractsNamedFields(t *testing.T) {
	assert.Equal(t, "10 hours", displayValue(map[string]any{"value": "10 hours", "unit": "h"}))
	assert.Equal(t, "42", displayValue(42.0))

	long := make(map[string]any)
	long["text"] = string(make([]byte, 500))
	assert.LessOrEqual(t, len(displayValue("x"+string(make([]byte, 300)))), 120)
}
