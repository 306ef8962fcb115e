package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSnapshotAddsAndOverwrites(t *testing.T) {
	current := []byte(`{"stage":"research","notes":"draft"}`)
	patch := []byte(`{"stage":"script","script_len":1200}`)

	merged, err := mergeSnapshot(current, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"script","notes":"draft","script_len":1200}`, string(merged))
}

func TestMergeSnapshotNullRemovesField(t *testing.T) {
	current := []byte(`{"stage":"render","retry_hint":"gpu-2"}`)
	patch := []byte(`{"retry_hint":null}`)

	merged, err := mergeSnapshot(current, patch)
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"render"}`, string(merged))
}

func TestMergeSnapshotEmptyCurrent(t *testing.T) {
	merged, err := mergeSnapshot(nil, []byte(`{"stage":"research"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"research"}`, string(merged))
}

func TestMergeSnapshotInvalidPatch(t *testing.T) {
	_, err := mergeSnapshot([]byte(`{}`), []byte(`{not json`))
	assert.Error(t, err)
}
