package state

import (
	"fmt"
	"os"
	"strconv"
)

// AcquireLock takes the cross-process run lock without blocking. On success
// the holder PID is written into the lock file for operator forensics; the
// lock itself is advisory and dies with the process, so a crashed run never
// leaves a stale lock behind.
func (m *Manager) AcquireLock() (bool, error) {
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return false, fmt.Errorf("failed to create state directory %s: %w", m.dir, err)
	}

	locked, err := m.fileLock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock %s: %w", m.fileLock.Path(), err)
	}

	if !locked {
		return false, nil
	}

	if err := os.WriteFile(m.fileLock.Path(), []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		m.logger.Warn("Failed to record PID in lock file", "path", m.fileLock.Path(), "error", err)
	}

	m.logger.Debug("Acquired run lock", "path", m.fileLock.Path(), "pid", os.Getpid())

	return true, nil
}

// ReleaseLock drops the run lock and removes the lock file. Safe to call
// repeatedly and on managers that never acquired the lock; runs on every
// exit path.
func (m *Manager) ReleaseLock() {
	if m.fileLock == nil || !m.fileLock.Locked() {
		return
	}

	if err := m.fileLock.Unlock(); err != nil {
		m.logger.Warn("Failed to release run lock", "path", m.fileLock.Path(), "error", err)
		return
	}

	if err := os.Remove(m.fileLock.Path()); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove lock file", "path", m.fileLock.Path(), "error", err)
	}

	m.logger.Debug("Released run lock", "path", m.fileLock.Path())
}

// LockPath returns the lock file location, for operator-facing messages.
func (m *Manager) LockPath() string {
	return m.fileLock.Path()
}
