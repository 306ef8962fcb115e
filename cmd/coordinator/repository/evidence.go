package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vidforge/coordinator/common/db"
	"github.com/vidforge/coordinator/common/models"
)

const evidenceColumns = `evidence_id, entity_id, claim_type, trust_tier, confidence,
	value, value_hash, source_name, source_url, source_type, fetched_at, expires_at`

// EvidenceRepository handles the immutable evidence store and the per-run
// evidence links
type EvidenceRepository struct {
	db *db.DB
}

// NewEvidenceRepository creates a new evidence repository
func NewEvidenceRepository(database *db.DB) *EvidenceRepository {
	return &EvidenceRepository{db: database}
}

// Insert writes a new evidence item. Items are never updated in place; a
// changed fact arrives as a fresh row with its own fetched_at.
func (r *EvidenceRepository) Insert(ctx context.Context, item *models.EvidenceItem) error {
	query := `
		INSERT INTO evidence_item
			(evidence_id, entity_id, claim_type, trust_tier, confidence,
			 value, value_hash, source_name, source_url, source_type, fetched_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.Exec(ctx, query,
		item.EvidenceID,
		item.EntityID,
		item.ClaimType,
		item.TrustTier,
		item.Confidence,
		item.Value,
		item.ValueHash,
		item.SourceName,
		item.SourceURL,
		item.SourceType,
		item.FetchedAt,
		item.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evidence: %w", err)
	}

	return nil
}

// GetByID retrieves a single evidence item
func (r *EvidenceRepository) GetByID(ctx context.Context, evidenceID uuid.UUID) (*models.EvidenceItem, error) {
	query := `SELECT ` + evidenceColumns + ` FROM evidence_item WHERE evidence_id = $1`

	item, err := scanEvidence(r.db.QueryRow(ctx, query, evidenceID))
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}
	return item, nil
}

// ListForClaim retrieves the live evidence for one entity/claim pair at or
// above a minimum tier, newest fetch first. Expired items are excluded; the
// breaker never reasons over stale facts.
func (r *EvidenceRepository) ListForClaim(ctx context.Context, entityID, claimType string, minTier int) ([]*models.EvidenceItem, error) {
	query := `
		SELECT ` + evidenceColumns + `
		FROM evidence_item
		WHERE entity_id = $1
		  AND claim_type = $2
		  AND trust_tier >= $3
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY fetched_at DESC
	`

	rows, err := r.db.Query(ctx, query, entityID, claimType, minTier)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}

	return collectEvidence(rows)
}

// DistinctClaimTypes returns the claim types with live gating-tier evidence
// for an entity
func (r *EvidenceRepository) DistinctClaimTypes(ctx context.Context, entityID string, minTier int) ([]string, error) {
	query := `
		SELECT DISTINCT claim_type
		FROM evidence_item
		WHERE entity_id = $1
		  AND trust_tier >= $2
		  AND (expires_at IS NULL OR expires_at > now())
		ORDER BY claim_type
	`

	rows, err := r.db.Query(ctx, query, entityID, minTier)
	if err != nil {
		return nil, fmt.Errorf("failed to list claim types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var ct string
		if err := rows.Scan(&ct); err != nil {
			return nil, fmt.Errorf("failed to scan claim type: %w", err)
		}
		types = append(types, ct)
	}
	return types, rows.Err()
}

// Link records that a run consulted an evidence item, with the score computed
// at that moment. Re-linking the same pair refreshes the score rather than
// erroring, since stages may re-read evidence across lease recoveries.
func (r *EvidenceRepository) Link(ctx context.Context, link *models.RunEvidenceLink) error {
	query := `
		INSERT INTO run_evidence
			(run_id, evidence_id, score_at_run_time, freshness_at_run_time,
			 claim_type_used_for, manual_override, override_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, evidence_id) DO UPDATE
		SET score_at_run_time = EXCLUDED.score_at_run_time,
		    freshness_at_run_time = EXCLUDED.freshness_at_run_time,
		    claim_type_used_for = EXCLUDED.claim_type_used_for,
		    manual_override = EXCLUDED.manual_override,
		    override_reason = EXCLUDED.override_reason,
		    linked_at = now()
	`

	_, err := r.db.Exec(ctx, query,
		link.RunID,
		link.EvidenceID,
		link.ScoreAtRunTime,
		link.FreshnessSeconds,
		link.ClaimTypeUsedFor,
		link.ManualOverride,
		link.OverrideReason,
	)
	if err != nil {
		return fmt.Errorf("failed to link evidence: %w", err)
	}

	return nil
}

// ListLinks retrieves the evidence links for a run
func (r *EvidenceRepository) ListLinks(ctx context.Context, runID uuid.UUID) ([]*models.RunEvidenceLink, error) {
	query := `
		SELECT run_id, evidence_id, score_at_run_time, freshness_at_run_time,
		       claim_type_used_for, manual_override, override_reason, linked_at
		FROM run_evidence
		WHERE run_id = $1
		ORDER BY linked_at
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence links: %w", err)
	}
	defer rows.Close()

	var links []*models.RunEvidenceLink
	for rows.Next() {
		link := &models.RunEvidenceLink{}
		err := rows.Scan(
			&link.RunID,
			&link.EvidenceID,
			&link.ScoreAtRunTime,
			&link.FreshnessSeconds,
			&link.ClaimTypeUsedFor,
			&link.ManualOverride,
			&link.OverrideReason,
			&link.LinkedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evidence link: %w", err)
		}
		links = append(links, link)
	}

	return links, rows.Err()
}

// DeleteExpiredUnreferenced removes expired evidence no run links to. The
// RESTRICT constraint makes referenced rows undeletable, so the NOT EXISTS
// guard keeps the sweep from aborting on them.
func (r *EvidenceRepository) DeleteExpiredUnreferenced(ctx context.Context, asOf time.Time) (int64, error) {
	query := `
		DELETE FROM evidence_item e
		WHERE e.expires_at IS NOT NULL
		  AND e.expires_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM run_evidence re WHERE re.evidence_id = e.evidence_id
		  )
	`

	tag, err := r.db.Exec(ctx, query, asOf)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep evidence: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanEvidence(row pgx.Row) (*models.EvidenceItem, error) {
	item := &models.EvidenceItem{}
	err := row.Scan(
		&item.EvidenceID,
		&item.EntityID,
		&item.ClaimType,
		&item.TrustTier,
		&item.Confidence,
		&item.Value,
		&item.ValueHash,
		&item.SourceName,
		&item.SourceURL,
		&item.SourceType,
		&item.FetchedAt,
		&item.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func collectEvidence(rows pgx.Rows) ([]*models.EvidenceItem, error) {
	defer rows.Close()

	var items []*models.EvidenceItem
	for rows.Next() {
		item, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		items = append(items, item)
	}

	return items, rows.Err()
}
