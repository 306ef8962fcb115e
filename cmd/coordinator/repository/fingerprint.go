package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vidforge/coordinator/common/db"
	"github.com/vidforge/coordinator/common/models"
)

// FingerprintRepository tracks one identity fingerprint per entity
type FingerprintRepository struct {
	db *db.DB
}

// NewFingerprintRepository creates a new fingerprint repository
func NewFingerprintRepository(database *db.DB) *FingerprintRepository {
	return &FingerprintRepository{db: database}
}

// Get retrieves the stored fingerprint for an entity, or nil when the entity
// has never been observed
func (r *FingerprintRepository) Get(ctx context.Context, entityID string) (*models.ProductFingerprint, error) {
	query := `
		SELECT entity_id, brand, model, variant, content_hash, updated_at
		FROM product_fingerprint
		WHERE entity_id = $1
	`

	fp := &models.ProductFingerprint{}
	err := r.db.QueryRow(ctx, query, entityID).Scan(
		&fp.EntityID,
		&fp.Brand,
		&fp.Model,
		&fp.Variant,
		&fp.ContentHash,
		&fp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fingerprint: %w", err)
	}
	return fp, nil
}

// Observe upserts the fingerprint and reports drift: the previous hash is
// returned when the stored identity differed from the observed one. First
// observation is never drift.
func (r *FingerprintRepository) Observe(ctx context.Context, fp *models.ProductFingerprint) (previousHash string, drifted bool, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", false, fmt.Errorf("begin fingerprint observe: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored string
	err = tx.QueryRow(ctx,
		`SELECT content_hash FROM product_fingerprint WHERE entity_id = $1 FOR UPDATE`,
		fp.EntityID,
	).Scan(&stored)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, `
			INSERT INTO product_fingerprint (entity_id, brand, model, variant, content_hash)
			VALUES ($1, $2, $3, $4, $5)
		`, fp.EntityID, fp.Brand, fp.Model, fp.Variant, fp.ContentHash)
		if err != nil {
			return "", false, fmt.Errorf("insert fingerprint: %w", err)
		}

	case err != nil:
		return "", false, fmt.Errorf("fingerprint select: %w", err)

	default:
		drifted = stored != fp.ContentHash
		previousHash = stored
		_, err = tx.Exec(ctx, `
			UPDATE product_fingerprint
			SET brand = $2, model = $3, variant = $4, content_hash = $5, updated_at = now()
			WHERE entity_id = $1
		`, fp.EntityID, fp.Brand, fp.Model, fp.Variant, fp.ContentHash)
		if err != nil {
			return "", false, fmt.Errorf("update fingerprint: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit fingerprint observe: %w", err)
	}
	return previousHash, drifted, nil
}
