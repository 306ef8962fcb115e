package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vidforge/coordinator/common/models"
)

// StageFunc performs one pipeline stage. It receives the snapshot as the run
// currently knows it and returns the fields to merge back.
type StageFunc func(ctx context.Context, run *models.Run, snapshot map[string]any) (map[string]any, error)

// Checkpointer persists progress between stages
type Checkpointer interface {
	PatchSnapshot(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, patch []byte) error
}

// PipelineExecutor walks a run through an ordered list of named stages,
// checkpointing the snapshot after each. A restarted worker that recovers its
// lease resumes from the last checkpointed stage instead of stage one.
type PipelineExecutor struct {
	stages   []string
	handlers map[string]StageFunc
	coord    Checkpointer
	workerID string
	log      Logger
}

// NewPipelineExecutor creates a pipeline executor. Stage order is fixed;
// handlers missing a stage fail that run rather than silently skipping.
func NewPipelineExecutor(stages []string, handlers map[string]StageFunc, coord Checkpointer, workerID string, log Logger) *PipelineExecutor {
	return &PipelineExecutor{
		stages:   stages,
		handlers: handlers,
		coord:    coord,
		workerID: workerID,
		log:      log,
	}
}

// Execute runs the remaining stages for the run
func (p *PipelineExecutor) Execute(ctx context.Context, run *models.Run) (*StageResult, error) {
	snapshot := run.ContextSnapshot
	if snapshot == nil {
		snapshot = map[string]any{}
	}

	for _, stage := range p.remainingStages(snapshot) {
		handler, ok := p.handlers[stage]
		if !ok {
			return nil, fmt.Errorf("no handler for stage %q", stage)
		}

		p.log.Info("running stage", "run_id", run.RunID, "stage", stage)
		updates, err := handler(ctx, run, snapshot)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", stage, err)
		}

		if updates == nil {
			updates = map[string]any{}
		}
		updates["completed_stage"] = stage
		updates["checkpointed_at"] = time.Now().UTC().Format(time.RFC3339)

		for k, v := range updates {
			snapshot[k] = v
		}

		patch, err := json.Marshal(updates)
		if err != nil {
			return nil, fmt.Errorf("marshal checkpoint for stage %s: %w", stage, err)
		}
		if err := p.coord.PatchSnapshot(ctx, run.RunID, p.workerID, *run.LockToken, patch); err != nil {
			return nil, fmt.Errorf("checkpoint stage %s: %w", stage, err)
		}
	}

	// All stages done; publication still has to pass the approval gate
	return &StageResult{
		Snapshot:      snapshot,
		NeedsApproval: true,
	}, nil
}

// remainingStages skips everything at or before the snapshot's checkpoint
func (p *PipelineExecutor) remainingStages(snapshot map[string]any) []string {
	completed, _ := snapshot["completed_stage"].(string)
	if completed == "" {
		return p.stages
	}

	for i, stage := range p.stages {
		if stage == completed {
			return p.stages[i+1:]
		}
	}
	// Unknown checkpoint: run everything rather than guess
	return p.stages
}
