package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Trust tiers rank how authoritative an evidence source is.
// Tiers 4-5 are the only ones gating publication.
const (
	TrustTierMin    = 1
	TrustTierMax    = 5
	TrustTierGating = 4
)

// EvidenceItem is one distinct fact collected about an entity.
// Immutable once written: a changed fact is a new item, not an edit.
// Maps to: evidence_item table.
type EvidenceItem struct {
	EvidenceID uuid.UUID  `db:"evidence_id" json:"evidence_id"`
	EntityID   string     `db:"entity_id" json:"entity_id"`
	ClaimType  string     `db:"claim_type" json:"claim_type"`
	TrustTier  int        `db:"trust_tier" json:"trust_tier"`
	Confidence float32    `db:"confidence" json:"confidence"`
	Value      any        `db:"value" json:"value"`
	ValueHash  string     `db:"value_hash" json:"value_hash"`
	SourceName string     `db:"source_name" json:"source_name"`
	SourceURL  string     `db:"source_url" json:"source_url"`
	SourceType string     `db:"source_type" json:"source_type"`
	FetchedAt  time.Time  `db:"fetched_at" json:"fetched_at"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
}

// RunEvidenceLink records which evidence a specific run consulted and the
// score it computed at that time. Maps to: run_evidence table.
type RunEvidenceLink struct {
	RunID            uuid.UUID `db:"run_id" json:"run_id"`
	EvidenceID       uuid.UUID `db:"evidence_id" json:"evidence_id"`
	ScoreAtRunTime   float32   `db:"score_at_run_time" json:"score_at_run_time"`
	FreshnessSeconds int64     `db:"freshness_at_run_time" json:"freshness_at_run_time"`
	ClaimTypeUsedFor string    `db:"claim_type_used_for" json:"claim_type_used_for"`
	ManualOverride   bool      `db:"manual_override" json:"manual_override"`
	OverrideReason   string    `db:"override_reason" json:"override_reason"`
	LinkedAt         time.Time `db:"linked_at" json:"linked_at"`
}

// HashValue computes the canonical value hash used for fast equality and
// conflict checks. JSON-marshals the value so semantically equal values hash
// identically regardless of Go representation.
func HashValue(value any) string {
	data, err := json.Marshal(value)
	if err != nil {
		// Unmarshalable values cannot collide with real ones
		data = []byte("unhashable")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
