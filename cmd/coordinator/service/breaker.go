package service

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/vidforge/coordinator/common/logger"
	"github.com/vidforge/coordinator/common/models"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
)

// conflictNamespace keys deterministic conflict event ids, so re-running the
// breaker over the same unresolved conflict never double-logs.
var conflictNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("coordinator/conflict"))

// Conflict describes one claim type whose high-trust evidence disagrees
type Conflict struct {
	ClaimType      string         `json:"claim_type"`
	DistinctValues int            `json:"distinct_values"`
	Items          []ConflictItem `json:"items"`
}

// ConflictItem is the reviewer-facing snapshot of one disagreeing item
type ConflictItem struct {
	EvidenceID uuid.UUID `json:"evidence_id"`
	TrustTier  int       `json:"trust_tier"`
	SourceName string    `json:"source_name"`
	FetchedAt  time.Time `json:"fetched_at"`
	ValueHash  string    `json:"value_hash"`
	Display    string    `json:"display"`
}

// Breaker is the integrity circuit breaker: when evidence at the gating trust
// tiers disagrees about an entity, the run is forced to the approval gate
// instead of letting a scoring heuristic pick a side.
type Breaker struct {
	evidence *repository.EvidenceRepository
	runs     *repository.RunRepository
	log      *logger.Logger
}

// NewBreaker creates a new circuit breaker
func NewBreaker(evidence *repository.EvidenceRepository, runs *repository.RunRepository, log *logger.Logger) *Breaker {
	return &Breaker{evidence: evidence, runs: runs, log: log}
}

// Check inspects every claim type with gating-tier evidence for the entity
// and returns the unresolved conflicts. Empty result means safe to proceed.
func (b *Breaker) Check(ctx context.Context, entityID string) ([]Conflict, error) {
	claimTypes, err := b.evidence.DistinctClaimTypes(ctx, entityID, models.TrustTierGating)
	if err != nil {
		return nil, err
	}

	var conflicts []Conflict
	for _, claimType := range claimTypes {
		items, err := b.evidence.ListForClaim(ctx, entityID, claimType, models.TrustTierGating)
		if err != nil {
			return nil, err
		}

		if conflict := detectConflict(claimType, items); conflict != nil {
			conflicts = append(conflicts, *conflict)
		}
	}

	return conflicts, nil
}

// Gate runs the breaker for a run's entity and, on conflict, transitions the
// run to waiting_approval under its worker token's current status. Returns
// the conflicts (nil when the run may proceed) and the minted approval nonce.
//
// The conflict event id is derived from the run and the conflicting hashes,
// so a worker retrying the gate after a crash reuses the same event.
func (b *Breaker) Gate(ctx context.Context, run *models.Run) ([]Conflict, *uuid.UUID, error) {
	conflicts, err := b.Check(ctx, run.EntityID)
	if err != nil {
		return nil, nil, err
	}
	if len(conflicts) == 0 {
		return nil, nil, nil
	}

	b.log.WithRunID(run.RunID.String()).Warn("integrity conflict, gating run",
		"entity_id", run.EntityID,
		"conflicts", len(conflicts),
	)

	// The reviewer works from the run record, not the event stream; the
	// competing evidence goes into the snapshot alongside the worker's state
	snapshot := make(map[string]any, len(run.ContextSnapshot)+1)
	for k, v := range run.ContextSnapshot {
		snapshot[k] = v
	}
	snapshot["evidence_conflicts"] = conflicts

	ok, nonce, err := b.runs.CASTransition(ctx, repository.TransitionParams{
		RunID:          run.RunID,
		ExpectedStatus: models.StatusRunning,
		NewStatus:      models.StatusWaitingApproval,
		Snapshot:       snapshot,
		Event: models.Event{
			EventID:   conflictEventID(run.RunID, conflicts),
			EventType: models.EventConflictDetected,
			Severity:  models.SeverityCritical,
			ReasonKey: "evidence_conflict",
			Payload: map[string]any{
				"entity_id": run.EntityID,
				"conflicts": conflicts,
			},
		},
	})
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		// Run moved out of running underneath us; the caller re-reads state
		return conflicts, nil, fmt.Errorf("run %s no longer running, cannot gate", run.RunID)
	}

	return conflicts, nonce, nil
}

// detectConflict reports whether the items (newest first) disagree after the
// supersession exemptions are applied
func detectConflict(claimType string, items []*models.EvidenceItem) *Conflict {
	if len(items) < 2 {
		return nil
	}

	newest := items[0]
	live := []*models.EvidenceItem{newest}
	for _, item := range items[1:] {
		if superseded(newest, item) {
			continue
		}
		live = append(live, item)
	}

	hashes := make(map[string][]*models.EvidenceItem)
	for _, item := range live {
		hashes[item.ValueHash] = append(hashes[item.ValueHash], item)
	}
	if len(hashes) < 2 {
		return nil
	}

	conflict := &Conflict{
		ClaimType:      claimType,
		DistinctValues: len(hashes),
	}
	for _, item := range live {
		conflict.Items = append(conflict.Items, ConflictItem{
			EvidenceID: item.EvidenceID,
			TrustTier:  item.TrustTier,
			SourceName: item.SourceName,
			FetchedAt:  item.FetchedAt,
			ValueHash:  item.ValueHash,
			Display:    displayValue(item.Value),
		})
	}
	return conflict
}

// superseded reports whether an older item no longer counts against the
// newest one. Two exemptions:
//
//   - correction: the same source re-reported the claim; its newer statement
//     replaces the older one outright
//   - superset: the newer value contains everything the older value said,
//     so the older item is a subset reading, not a disagreement
func superseded(newest, older *models.EvidenceItem) bool {
	if newest.ValueHash == older.ValueHash {
		return false
	}
	if newest.SourceName != "" && newest.SourceName == older.SourceName {
		return true
	}
	return valueSuperset(newest.Value, older.Value)
}

// valueSuperset reports whether newer, as a JSON object, contains every
// key/value pair of older. Non-object values are never supersets.
func valueSuperset(newer, older any) bool {
	newMap, ok := asMap(newer)
	if !ok {
		return false
	}
	oldMap, ok := asMap(older)
	if !ok {
		return false
	}
	if len(oldMap) == 0 || len(newMap) <= len(oldMap) {
		return false
	}

	for k, v := range oldMap {
		nv, present := newMap[k]
		if !present || !reflect.DeepEqual(nv, v) {
			return false
		}
	}
	return true
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// displayValue extracts a short human-readable rendering of an evidence value
// for the reviewer snapshot
func displayValue(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return ""
	}

	parsed := gjson.ParseBytes(raw)
	if parsed.IsObject() {
		for _, field := range []string{"name", "title", "value", "text"} {
			if r := parsed.Get(field); r.Exists() {
				return r.String()
			}
		}
	}

	display := parsed.String()
	if len(display) > 120 {
		display = display[:120]
	}
	return display
}

func conflictEventID(runID uuid.UUID, conflicts []Conflict) uuid.UUID {
	var parts []string
	for _, c := range conflicts {
		for _, item := range c.Items {
			parts = append(parts, c.ClaimType+":"+item.ValueHash)
		}
	}
	sort.Strings(parts)
	return uuid.NewSHA1(conflictNamespace, []byte(runID.String()+"|"+strings.Join(parts, ",")))
}
