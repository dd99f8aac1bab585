// Package state persists workflow run snapshots and owns the cross-process
// run lock. Snapshots are plain JSON files named
// workflow_state_<config_hash>_<run_id>.json inside <log_dir>/.workflow_state.
package state

import (
	"crypto/md5" //nolint:gosec // content fingerprint, not a security property
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/tomjamescn/yawe/pkg/config"
	"github.com/tomjamescn/yawe/pkg/models"
)

const (
	stateDirName = ".workflow_state"
	lockFileName = ".lock"
	snapshotGlob = "workflow_state_*.json"
	runIDLayout  = "20060102_150405"

	// fallbackHash stands in when the config file cannot be read for
	// fingerprinting; it still produces a usable snapshot filename.
	fallbackHash = "00000000"
)

// Manager owns the snapshot directory of one workflow configuration.
type Manager struct {
	logger     *slog.Logger
	configPath string
	dir        string
	fileLock   *flock.Flock
}

func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	dir := filepath.Join(cfg.Logger.LogDir, stateDirName)

	return &Manager{
		logger:     logger,
		configPath: cfg.Path,
		dir:        dir,
		fileLock:   flock.New(filepath.Join(dir, lockFileName)),
	}
}

// Dir returns the snapshot directory.
func (m *Manager) Dir() string {
	return m.dir
}

// ConfigHash returns the first 8 hex characters of the MD5 of the config
// file contents. On read failure it logs a warning and returns the fallback
// fingerprint.
func (m *Manager) ConfigHash() string {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		m.logger.Warn("Failed to read config file for fingerprinting", "path", m.configPath, "error", err)
		return fallbackHash
	}

	sum := md5.Sum(data) //nolint:gosec

	return hex.EncodeToString(sum[:])[:8]
}

// CreateState builds a fresh snapshot for the given task list: every task
// pending with empty message and exported context, metadata bound to the
// current config file and a new run ID.
func (m *Manager) CreateState(specs []models.TaskSpec, settings models.Settings) *models.WorkflowState {
	now := models.Now()

	tasks := make([]models.TaskState, 0, len(specs))

	for _, spec := range specs {
		taskType := spec.Type
		if taskType == "" {
			taskType = "unknown"
		}

		tasks = append(tasks, models.TaskState{
			Name:            spec.Name,
			Type:            taskType,
			Status:          models.TaskStatusPending,
			Message:         "",
			ExportedContext: map[string]any{},
		})
	}

	return &models.WorkflowState{
		Version: models.StateVersion,
		Metadata: models.Metadata{
			ConfigFile:       m.configPath,
			ConfigHash:       m.ConfigHash(),
			RunID:            time.Now().Format(runIDLayout),
			StartTime:        now,
			LastUpdate:       now,
			WorkflowStatus:   models.WorkflowStatusRunning,
			StopOnFirstError: settings.StopsOnFirstError(),
			TotalTasks:       len(specs),
		},
		Tasks:           tasks,
		WorkflowContext: models.WorkflowContext{},
	}
}

// SaveState writes the snapshot atomically: the JSON lands in a temp file in
// the state directory which is fsynced and renamed over the target, so a
// crash leaves either the previous snapshot or the new one, never a torn
// file. Callers treat failures as warnings; a save failure never aborts a run.
func (m *Manager) SaveState(state *models.WorkflowState) error {
	state.Metadata.LastUpdate = models.Now()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", m.dir, err)
	}

	path := m.snapshotPath(state)
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", path, err)
	}

	m.logger.Debug("Saved workflow state", "path", path, "status", state.Metadata.WorkflowStatus)

	return nil
}

// LoadLatestFailedState returns the most recent resumable snapshot (workflow
// status failed or interrupted) by last_update. Unreadable files are skipped
// with a warning. Returns (nil, nil) when nothing is resumable.
func (m *Manager) LoadLatestFailedState() (*models.WorkflowState, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, snapshotGlob))
	if err != nil {
		return nil, fmt.Errorf("failed to scan state directory %s: %w", m.dir, err)
	}

	var latest *models.WorkflowState

	for _, path := range paths {
		state, err := m.readState(path)
		if err != nil {
			m.logger.Warn("Skipping unreadable state file", "path", path, "error", err)
			continue
		}

		if !state.Metadata.WorkflowStatus.Resumable() {
			continue
		}

		if latest == nil || state.Metadata.LastUpdate.After(latest.Metadata.LastUpdate.Time) {
			latest = state
		}
	}

	return latest, nil
}

// ValidateState checks that a loaded snapshot can drive a resume. Version
// mismatches are fatal even with force; force bypasses the config drift
// check only.
func (m *Manager) ValidateState(state *models.WorkflowState, force bool) error {
	if state.Version != models.StateVersion {
		return &VersionError{Found: state.Version, Want: models.StateVersion}
	}

	meta := state.Metadata
	if meta.ConfigHash == "" || meta.RunID == "" || meta.StartTime.IsZero() {
		return ErrIncompleteMetadata
	}

	if force {
		m.logger.Warn("Config drift check skipped (force)")
		return nil
	}

	current := m.ConfigHash()
	if current != meta.ConfigHash {
		return &DriftError{StateHash: meta.ConfigHash, CurrentHash: current}
	}

	return nil
}

// CleanupOldStates removes snapshots of successful runs whose file is older
// than the cutoff. Failed and interrupted snapshots are kept regardless of
// age so they stay resumable. Per-file errors are logged and skipped.
func (m *Manager) CleanupOldStates(olderThan time.Duration) (int, error) {
	paths, err := filepath.Glob(filepath.Join(m.dir, snapshotGlob))
	if err != nil {
		return 0, fmt.Errorf("failed to scan state directory %s: %w", m.dir, err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0

	for _, path := range paths {
		state, err := m.readState(path)
		if err != nil {
			m.logger.Warn("Skipping unreadable state file", "path", path, "error", err)
			continue
		}

		if state.Metadata.WorkflowStatus != models.WorkflowStatusSuccess {
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			m.logger.Warn("Failed to stat state file", "path", path, "error", err)
			continue
		}

		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.Remove(path); err != nil {
			m.logger.Warn("Failed to remove state file", "path", path, "error", err)
			continue
		}

		m.logger.Info("Removed old state file", "path", path)

		removed++
	}

	return removed, nil
}

func (m *Manager) snapshotPath(state *models.WorkflowState) string {
	name := fmt.Sprintf("workflow_state_%s_%s.json", state.Metadata.ConfigHash, state.Metadata.RunID)
	return filepath.Join(m.dir, name)
}

func (m *Manager) readState(path string) (*models.WorkflowState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var state models.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	return &state, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		_ = tmp.Close()

		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}

	if err := tmp.Chmod(perm); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	committed = true

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}
