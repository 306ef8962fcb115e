package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/coordinator/common/logger"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
)

var driftNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("coordinator/drift"))

// EvidenceService handles evidence intake, run-evidence linking and
// fingerprint observation
type EvidenceService struct {
	evidence     *repository.EvidenceRepository
	fingerprints *repository.FingerprintRepository
	events       *repository.EventRepository
	log          *logger.Logger
}

// NewEvidenceService creates a new evidence service
func NewEvidenceService(
	evidence *repository.EvidenceRepository,
	fingerprints *repository.FingerprintRepository,
	events *repository.EventRepository,
	log *logger.Logger,
) *EvidenceService {
	return &EvidenceService{
		evidence:     evidence,
		fingerprints: fingerprints,
		events:       events,
		log:          log,
	}
}

// IntakeRequest carries a new evidence item
type IntakeRequest struct {
	EntityID   string     `json:"entity_id"`
	ClaimType  string     `json:"claim_type"`
	TrustTier  int        `json:"trust_tier"`
	Confidence float32    `json:"confidence"`
	Value      any        `json:"value"`
	SourceName string     `json:"source_name"`
	SourceURL  string     `json:"source_url"`
	SourceType string     `json:"source_type"`
	FetchedAt  *time.Time `json:"fetched_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Intake stores a new immutable evidence item. The value hash is always
// computed server-side; callers cannot forge equality.
func (s *EvidenceService) Intake(ctx context.Context, req IntakeRequest) (*models.EvidenceItem, error) {
	req.EntityID = strings.TrimSpace(req.EntityID)
	if req.EntityID == "" || req.ClaimType == "" {
		return nil, fmt.Errorf("entity_id and claim_type are required")
	}
	if req.TrustTier < models.TrustTierMin || req.TrustTier > models.TrustTierMax {
		return nil, fmt.Errorf("trust_tier must be between %d and %d", models.TrustTierMin, models.TrustTierMax)
	}
	if req.SourceName == "" {
		return nil, fmt.Errorf("source_name is required")
	}

	fetchedAt := time.Now().UTC()
	if req.FetchedAt != nil {
		fetchedAt = *req.FetchedAt
	}

	item := &models.EvidenceItem{
		EvidenceID: uuid.New(),
		EntityID:   req.EntityID,
		ClaimType:  req.ClaimType,
		TrustTier:  req.TrustTier,
		Confidence: req.Confidence,
		Value:      req.Value,
		ValueHash:  models.HashValue(req.Value),
		SourceName: req.SourceName,
		SourceURL:  req.SourceURL,
		SourceType: req.SourceType,
		FetchedAt:  fetchedAt,
		ExpiresAt:  req.ExpiresAt,
	}

	if err := s.evidence.Insert(ctx, item); err != nil {
		return nil, err
	}

	s.log.Debug("evidence stored",
		"entity_id", item.EntityID,
		"claim_type", item.ClaimType,
		"trust_tier", item.TrustTier,
		"source", item.SourceName,
	)
	return item, nil
}

// ListForClaim returns the live evidence for an entity/claim pair at or above
// minTier, newest first
func (s *EvidenceService) ListForClaim(ctx context.Context, entityID, claimType string, minTier int) ([]*models.EvidenceItem, error) {
	if minTier < models.TrustTierMin {
		minTier = models.TrustTierMin
	}
	return s.evidence.ListForClaim(ctx, entityID, claimType, minTier)
}

// LinkRequest records that a run consulted an evidence item
type LinkRequest struct {
	EvidenceID       uuid.UUID `json:"evidence_id"`
	ScoreAtRunTime   float32   `json:"score_at_run_time"`
	ClaimTypeUsedFor string    `json:"claim_type_used_for"`
	ManualOverride   bool      `json:"manual_override"`
	OverrideReason   string    `json:"override_reason"`
}

// Link ties an evidence item to a run, capturing the score and the item's
// age at that moment. A manual override needs a reason.
func (s *EvidenceService) Link(ctx context.Context, runID uuid.UUID, req LinkRequest) error {
	if req.ManualOverride && strings.TrimSpace(req.OverrideReason) == "" {
		return fmt.Errorf("override_reason is required for manual overrides")
	}

	item, err := s.evidence.GetByID(ctx, req.EvidenceID)
	if err != nil {
		return err
	}

	return s.evidence.Link(ctx, &models.RunEvidenceLink{
		RunID:            runID,
		EvidenceID:       req.EvidenceID,
		ScoreAtRunTime:   req.ScoreAtRunTime,
		FreshnessSeconds: int64(time.Since(item.FetchedAt).Seconds()),
		ClaimTypeUsedFor: req.ClaimTypeUsedFor,
		ManualOverride:   req.ManualOverride,
		OverrideReason:   req.OverrideReason,
	})
}

// ListLinks returns a run's evidence links
func (s *EvidenceService) ListLinks(ctx context.Context, runID uuid.UUID) ([]*models.RunEvidenceLink, error) {
	return s.evidence.ListLinks(ctx, runID)
}

// ObserveFingerprint upserts the entity's identity fingerprint and, when it
// drifted mid-run, writes a warn event against the observing run. Drift does
// not stop the run; it leaves a mark a reviewer will see.
func (s *EvidenceService) ObserveFingerprint(ctx context.Context, runID uuid.UUID, fp *models.ProductFingerprint) (bool, error) {
	fp.ContentHash = fp.ComputeHash()

	previousHash, drifted, err := s.fingerprints.Observe(ctx, fp)
	if err != nil {
		return false, err
	}
	if !drifted {
		return false, nil
	}

	// Deterministic on the hash pair: re-observing the same drift is one event
	eventID := uuid.NewSHA1(driftNamespace, []byte(runID.String()+"|"+previousHash+"|"+fp.ContentHash))
	err = s.events.Append(ctx, models.Event{
		EventID:   eventID,
		RunID:     runID,
		EventType: models.EventFingerprintDrift,
		Severity:  models.SeverityWarn,
		ReasonKey: "identity_drift",
		Payload: map[string]any{
			"entity_id":     fp.EntityID,
			"previous_hash": previousHash,
			"current_hash":  fp.ContentHash,
			"brand":         fp.Brand,
			"model":         fp.Model,
			"variant":       fp.Variant,
		},
	})
	if err != nil {
		return true, err
	}

	s.log.WithRunID(runID.String()).Warn("fingerprint drift observed",
		"entity_id", fp.EntityID,
	)
	return true, nil
}

// GetFingerprint returns the stored fingerprint for an entity, or nil
func (s *EvidenceService) GetFingerprint(ctx context.Context, entityID string) (*models.ProductFingerprint, error) {
	return s.fingerprints.Get(ctx, entityID)
}
