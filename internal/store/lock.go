package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	qerrors "github.com/quarrylabs/quarry/internal/errors"
)

// DataLock guards a data directory against concurrent writers from
// other processes. Index files and the chunk database are not safe
// under multi-process mutation; a second writer must fail fast instead
// of corrupting them.
type DataLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewDataLock creates a lock for the given data directory. The lock
// file lives at <dir>/.quarry.lock.
func NewDataLock(dir string) *DataLock {
	lockPath := filepath.Join(dir, ".quarry.lock")
	return &DataLock{
		path:  lockPath,
		flock: flock.New(lockPath),
	}
}

// Acquire takes the lock without blocking. A held lock is a structured
// error so callers can report which directory is contended.
func (l *DataLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data lock: %w", err)
	}
	if !acquired {
		return qerrors.New(qerrors.ErrCodeLockHeld,
			"data directory is locked by another process", nil).
			WithDetail("path", l.path)
	}

	l.locked = true
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *DataLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release data lock: %w", err)
	}
	return nil
}
