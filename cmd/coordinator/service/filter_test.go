package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vidforge/coordinator/common/models"
)

func TestTaskFilterEmptyExpression(t *testing.T) {
	f := NewTaskFilter()

	pred, err := f.Compile("")
	require.NoError(t, err)
	assert.Nil(t, pred, "empty expression means accept everything")
}

func TestTaskFilterMatchesTaskType(t *testing.T) {
	f := NewTaskFilter()

	pred, err := f.Compile(`task_type == "video"`)
	require.NoError(t, err)
	require.NotNil(t, pred)

	assert.True(t, pred(&models.Run{TaskType: "video"}))
	assert.False(t, pred(&models.Run{TaskType: "audio"}))
}

func TestTaskFilterSnapshotAccess(t *testing.T) {
	f := NewTaskFilter()

	pred, err := f.Compile(`"priority" in snapshot && snapshot.priority == "high"`)
	require.NoError(t, err)

	assert.True(t, pred(&models.Run{
		ContextSnapshot: map[string]any{"priority": "high"},
	}))
	assert.False(t, pred(&models.Run{
		ContextSnapshot: map[string]any{"priority": "low"},
	}))
	assert.False(t, pred(&models.Run{ContextSnapshot: map[string]any{}}))
}

func TestTaskFilterInvalidExpression(t *testing.T) {
	f := NewTaskFilter()

	_, err := f.Compile(`task_type ==`)
	assert.Error(t, err)

	// Non-boolean results reject rather than error at claim time
	pred, err := f.Compile(`task_type`)
	require.NoError(t, err)
	assert.False(t, pred(&models.Run{TaskType: "video"}))
}

func TestTaskFilterCachesPrograms(t *testing.T) {
	f := NewTaskFilter()

	_, err := f.Compile(`task_type == "video"`)
	require.NoError(t, err)
	_, err = f.Compile(`task_type == "video"`)
	require.NoError(t, err)
	_, err = f.Compile(`status == "pending"`)
	require.NoError(t, err)

	assert.Equal(t, 2, f.CacheSize())
}
