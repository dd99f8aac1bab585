package state

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomjamescn/yawe/pkg/config"
	"github.com/tomjamescn/yawe/pkg/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("workflow:\n  tasks: []\n"), 0o600))

	cfg := &config.Config{Path: configPath}
	cfg.Logger.LogDir = filepath.Join(dir, "logs")

	return NewManager(cfg, slog.Default())
}

func testSpecs() []models.TaskSpec {
	return []models.TaskSpec{
		{Name: "extract", Type: "command"},
		{Name: "load", Type: "command"},
		{Name: "mystery"},
	}
}

func TestCreateState(t *testing.T) {
	m := newTestManager(t)

	state := m.CreateState(testSpecs(), models.Settings{})

	assert.Equal(t, models.StateVersion, state.Version)
	assert.Equal(t, models.WorkflowStatusRunning, state.Metadata.WorkflowStatus)
	assert.True(t, state.Metadata.StopOnFirstError)
	assert.Equal(t, 3, state.Metadata.TotalTasks)
	assert.Len(t, state.Metadata.ConfigHash, 8)
	assert.NotEmpty(t, state.Metadata.RunID)
	assert.False(t, state.Metadata.StartTime.IsZero())

	require.Len(t, state.Tasks, 3)
	for _, task := range state.Tasks {
		assert.Equal(t, models.TaskStatusPending, task.Status)
		assert.True(t, task.StartTime.IsZero())
		assert.Empty(t, task.Message)
		assert.NotNil(t, task.ExportedContext)
	}

	// A spec without a type tag still produces a well-formed task record.
	assert.Equal(t, "unknown", state.Tasks[2].Type)
	assert.NotNil(t, state.WorkflowContext)
}

func TestSaveStateWritesSnapshotFile(t *testing.T) {
	m := newTestManager(t)
	state := m.CreateState(testSpecs(), models.Settings{})

	require.NoError(t, m.SaveState(state))

	expected := filepath.Join(m.Dir(), "workflow_state_"+state.Metadata.ConfigHash+"_"+state.Metadata.RunID+".json")
	data, err := os.ReadFile(expected)
	require.NoError(t, err)

	var reloaded models.WorkflowState
	require.NoError(t, json.Unmarshal(data, &reloaded))
	assert.Equal(t, state.Metadata.RunID, reloaded.Metadata.RunID)
	assert.False(t, reloaded.Metadata.LastUpdate.IsZero())

	// No temp files may survive the atomic rename.
	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.Contains(entry.Name(), ".tmp"), "leftover temp file %s", entry.Name())
	}
}

func TestSaveStateOverwritesSameRun(t *testing.T) {
	m := newTestManager(t)
	state := m.CreateState(testSpecs(), models.Settings{})

	require.NoError(t, m.SaveState(state))

	state.Tasks[0].Status = models.TaskStatusSuccess
	require.NoError(t, m.SaveState(state))

	matches, err := filepath.Glob(filepath.Join(m.Dir(), snapshotGlob))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	reloaded, err := m.readState(matches[0])
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSuccess, reloaded.Tasks[0].Status)
}

// writeSnapshot drops a snapshot file directly into the state directory with
// a controlled status and last_update.
func writeSnapshot(t *testing.T, m *Manager, runID string, status models.WorkflowStatus, lastUpdate time.Time) string {
	t.Helper()

	state := m.CreateState(testSpecs(), models.Settings{})
	state.Metadata.RunID = runID
	state.Metadata.WorkflowStatus = status
	state.Metadata.LastUpdate = models.Timestamp{Time: lastUpdate}

	data, err := json.MarshalIndent(state, "", "  ")
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(m.Dir(), 0o750))
	path := m.snapshotPath(state)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func TestLoadLatestFailedStatePicksNewest(t *testing.T) {
	m := newTestManager(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)

	writeSnapshot(t, m, "20240301_100000", models.WorkflowStatusFailed, base)
	writeSnapshot(t, m, "20240301_110000", models.WorkflowStatusInterrupted, base.Add(time.Hour))
	writeSnapshot(t, m, "20240301_120000", models.WorkflowStatusSuccess, base.Add(2*time.Hour))

	state, err := m.LoadLatestFailedState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "20240301_110000", state.Metadata.RunID)
}

func TestLoadLatestFailedStateSkipsCorruptFiles(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, os.MkdirAll(m.Dir(), 0o750))
	corrupt := filepath.Join(m.Dir(), "workflow_state_deadbeef_20240301_090000.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{truncated"), 0o600))

	writeSnapshot(t, m, "20240301_100000", models.WorkflowStatusFailed, time.Now())

	state, err := m.LoadLatestFailedState()
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, "20240301_100000", state.Metadata.RunID)
}

func TestLoadLatestFailedStateNothingResumable(t *testing.T) {
	m := newTestManager(t)

	writeSnapshot(t, m, "20240301_100000", models.WorkflowStatusSuccess, time.Now())

	state, err := m.LoadLatestFailedState()
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestValidateState(t *testing.T) {
	m := newTestManager(t)

	valid := m.CreateState(testSpecs(), models.Settings{})
	valid.Metadata.WorkflowStatus = models.WorkflowStatusFailed

	t.Run("valid snapshot passes", func(t *testing.T) {
		assert.NoError(t, m.ValidateState(valid, false))
	})

	t.Run("version mismatch is fatal even with force", func(t *testing.T) {
		state := *valid
		state.Version = "0.9"

		err := m.ValidateState(&state, true)
		require.Error(t, err)

		var versionErr *VersionError
		require.ErrorAs(t, err, &versionErr)
		assert.Equal(t, "0.9", versionErr.Found)
	})

	t.Run("incomplete metadata", func(t *testing.T) {
		state := *valid
		state.Metadata.RunID = ""
		assert.ErrorIs(t, m.ValidateState(&state, false), ErrIncompleteMetadata)
	})

	t.Run("config drift names both hashes", func(t *testing.T) {
		state := *valid
		state.Metadata.ConfigHash = "11111111"

		err := m.ValidateState(&state, false)
		require.Error(t, err)

		var driftErr *DriftError
		require.ErrorAs(t, err, &driftErr)
		assert.Equal(t, "11111111", driftErr.StateHash)
		assert.Contains(t, err.Error(), driftErr.CurrentHash)
	})

	t.Run("force bypasses drift only", func(t *testing.T) {
		state := *valid
		state.Metadata.ConfigHash = "11111111"
		assert.NoError(t, m.ValidateState(&state, true))
	})
}

func TestCleanupOldStates(t *testing.T) {
	m := newTestManager(t)
	old := time.Now().Add(-48 * time.Hour)

	oldSuccess := writeSnapshot(t, m, "20240101_100000", models.WorkflowStatusSuccess, old)
	oldFailed := writeSnapshot(t, m, "20240101_110000", models.WorkflowStatusFailed, old)
	freshSuccess := writeSnapshot(t, m, "20240301_100000", models.WorkflowStatusSuccess, time.Now())

	require.NoError(t, os.Chtimes(oldSuccess, old, old))
	require.NoError(t, os.Chtimes(oldFailed, old, old))

	removed, err := m.CleanupOldStates(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, oldSuccess)
	assert.FileExists(t, oldFailed, "resumable snapshots are never cleaned up")
	assert.FileExists(t, freshSuccess)
}

func TestConfigHash(t *testing.T) {
	m := newTestManager(t)

	hash := m.ConfigHash()
	assert.Len(t, hash, 8)
	assert.Equal(t, hash, m.ConfigHash(), "fingerprint is stable")

	missing := NewManager(&config.Config{Path: filepath.Join(t.TempDir(), "gone.yaml")}, slog.Default())
	assert.Equal(t, fallbackHash, missing.ConfigHash())
}
