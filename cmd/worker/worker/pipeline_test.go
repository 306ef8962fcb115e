package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidforge/coordinator/common/models"
)

type recordingCheckpointer struct {
	mu      sync.Mutex
	patches []map[string]any
}

func (r *recordingCheckpointer) PatchSnapshot(ctx context.Context, runID uuid.UUID, workerID string, lockToken uuid.UUID, patch []byte) error {
	var decoded map[string]any
	if err := json.Unmarshal(patch, &decoded); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, decoded)
	return nil
}

func pipelineRun(snapshot map[string]any) *models.Run {
	token := uuid.New()
	return &models.Run{
		RunID:           uuid.New(),
		EntityID:        "B0TEST",
		LockToken:       &token,
		ContextSnapshot: snapshot,
	}
}

func markingHandlers(visited *[]string) map[string]StageFunc {
	handler := func(name string) StageFunc {
		return func(ctx context.Context, run *models.Run, snapshot map[string]any) (map[string]any, error) {
			*visited = append(*visited, name)
			return map[string]any{name + "_done": true}, nil
		}
	}
	return map[string]StageFunc{
		"research": handler("research"),
		"script":   handler("script"),
		"render":   handler("render"),
	}
}

func TestPipelineRunsAllStagesInOrder(t *testing.T) {
	var visited []string
	cp := &recordingCheckpointer{}
	exec := NewPipelineExecutor(
		[]string{"research", "script", "render"},
		markingHandlers(&visited),
		cp, "worker-test", nopLogger{},
	)

	result, err := exec.Execute(context.Background(), pipelineRun(nil))
	require.NoError(t, err)

	assert.Equal(t, []string{"research", "script", "render"}, visited)
	assert.True(t, result.NeedsApproval, "publication always passes the gate")
	assert.Len(t, cp.patches, 3, "one checkpoint per stage")
	assert.Equal(t, "render", cp.patches[2]["completed_stage"])
}

func TestPipelineResumesFromCheckpoint(t *testing.T) {
	var visited []string
	cp := &recordingCheckpointer{}
	exec := NewPipelineExecutor(
		[]string{"research", "script", "render"},
		markingHandlers(&visited),
		cp, "worker-test", nopLogger{},
	)

	// A recovered lease hands back the snapshot the crashed worker left
	result, err := exec.Execute(context.Background(), pipelineRun(map[string]any{
		"completed_stage": "script",
		"research_done":   true,
		"script_done":     true,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"render"}, visited, "completed stages must not rerun")
	assert.True(t, result.Snapshot["research_done"].(bool), "earlier progress is preserved")
}

func TestPipelineUnknownCheckpointRestarts(t *testing.T) {
	var visited []string
	cp := &recordingCheckpointer{}
	exec := NewPipelineExecutor(
		[]string{"research", "script"},
		markingHandlers(&visited),
		cp, "worker-test", nopLogger{},
	)

	_, err := exec.Execute(context.Background(), pipelineRun(map[string]any{
		"completed_stage": "no_such_stage",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"research", "script"}, visited)
}

func TestPipelineMissingHandlerFails(t *testing.T) {
	exec := NewPipelineExecutor(
		[]string{"research", "mystery"},
		map[string]StageFunc{
			"research": func(ctx context.Context, run *models.Run, snapshot map[string]any) (map[string]any, error) {
				return nil, nil
			},
		},
		&recordingCheckpointer{}, "worker-test", nopLogger{},
	)

	_, err := exec.Execute(context.Background(), pipelineRun(nil))
	assert.ErrorContains(t, err, "mystery")
}
