package run

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/metalagman/sonda/internal/redact"
)

func TestArtifacts_WriteJSONRedacts(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "runs", "r1")
	arts, err := NewArtifacts(dir, redact.New(nil, nil))
	require.NoError(t, err)

	value := map[string]any{
		"username": "ada",
		"password": "hunter22",
	}
	require.NoError(t, arts.WriteJSON("plan.json", value))

	data, err := os.ReadFile(filepath.Join(dir, "plan.json"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "hunter22")
	require.Contains(t, string(data), "ada")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, redact.Marker("hunter22"), decoded["password"])
}

func TestArtifacts_WriteJSONLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	arts, err := NewArtifacts(dir, redact.New(nil, nil))
	require.NoError(t, err)
	require.NoError(t, arts.WriteJSON("verdict-1.json", map[string]string{"status": "success"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		require.False(t, strings.Contains(entry.Name(), ".tmp-"), entry.Name())
	}
}

func TestArtifacts_Screenshot(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	arts, err := NewArtifacts(dir, redact.New(nil, nil))
	require.NoError(t, err)
	require.NoError(t, arts.Screenshot("s3", []byte{0x89, 'P', 'N', 'G'}))

	data, err := os.ReadFile(filepath.Join(dir, "screenshots", "s3.png"))
	require.NoError(t, err)
	require.Len(t, data, 4)
}
