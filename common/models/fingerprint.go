package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ProductFingerprint tracks the identifying attributes of an entity so silent
// identity drift (a listing's title or model number changing underneath a run)
// is detected. One row per entity. Maps to: product_fingerprint table.
type ProductFingerprint struct {
	EntityID    string    `db:"entity_id" json:"entity_id"`
	Brand       string    `db:"brand" json:"brand"`
	Model       string    `db:"model" json:"model"`
	Variant     string    `db:"variant" json:"variant"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ComputeHash returns the content hash over the identifying fields
func (f *ProductFingerprint) ComputeHash() string {
	parts := []string{
		strings.TrimSpace(strings.ToLower(f.Brand)),
		strings.TrimSpace(strings.ToLower(f.Model)),
		strings.TrimSpace(strings.ToLower(f.Variant)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
