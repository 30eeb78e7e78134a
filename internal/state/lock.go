package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stowrs-to-s3/stowrs-infra/internal/logging"
)

// staleLockAge is how old a lock file must be before another process may
// break it.
const staleLockAge = 10 * time.Minute

// ErrLocked reports that another process holds the state lock.
var ErrLocked = errors.New("state is locked by another process")

// Lock acquires a file lock on the state to prevent concurrent modifications.
func (m *Manager) Lock(ctx context.Context) error {
	lockPath := m.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(lockPath); err == nil && time.Since(info.ModTime()) > staleLockAge {
		logging.Warn("breaking stale state lock", "path", lockPath, "age", time.Since(info.ModTime()).Round(time.Second))
		os.Remove(lockPath)
	}

	// O_EXCL makes creation the lock: of two racing processes only one wins.
	f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w (lock file: %s). If this is an error, remove the lock file manually", ErrLocked, lockPath)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return nil
}

// Unlock releases the state lock.
func (m *Manager) Unlock(ctx context.Context) error {
	if err := os.Remove(m.lockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

func (m *Manager) lockPath() string {
	return m.path + ".lock"
}
