package service

import (
	"context"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"github.com/vidforge/coordinator/common/logger"
	"github.com/vidforge/coordinator/cmd/coordinator/repository"
)

// SnapshotService applies RFC 7386 merge patches to a run's context snapshot.
// Workers checkpoint progress this way between stages: send only the fields
// that changed, null out the ones to drop.
type SnapshotService struct {
	runs *repository.RunRepository
	log  *logger.Logger
}

// NewSnapshotService creates a new snapshot service
func NewSnapshotService(runs *repository.RunRepository, log *logger.Logger) *SnapshotService {
	return &SnapshotService{runs: runs, log: log}
}

// Patch merges the given patch into the run's snapshot under the owner's
// token. The merge runs inside the row lock so concurrent patches from a
// recovered worker serialize instead of clobbering.
func (s *SnapshotService) Patch(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, patch []byte) error {
	if len(patch) == 0 {
		return fmt.Errorf("empty snapshot patch")
	}

	ok, err := s.runs.ApplySnapshotPatch(ctx, runID, workerID, lockToken, func(current []byte) ([]byte, error) {
		return mergeSnapshot(current, patch)
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}

	s.log.WithRunID(runID.String()).Debug("snapshot patched", "worker_id", workerID)
	return nil
}

// mergeSnapshot applies an RFC 7386 merge patch to the stored snapshot JSON
func mergeSnapshot(current, patch []byte) ([]byte, error) {
	if len(current) == 0 {
		current = []byte(`{}`)
	}
	merged, err := jsonpatch.MergePatch(current, patch)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	return merged, nil
}
