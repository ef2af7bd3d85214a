package control

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another orchestrator holds the instance lock.
var ErrLocked = errors.New("another orchestrator instance holds the lock")

// InstanceLock keeps a single orchestrator driving a given task store.
type InstanceLock struct {
	flock *flock.Flock
	path  string
}

// AcquireInstanceLock takes the lock at path without blocking.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	fl := flock.New(path)
	acquired, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to try lock on %s: %w", path, err)
	}
	if !acquired {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}
	return &InstanceLock{flock: fl, path: path}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string {
	return l.path
}

// Release drops the lock.
func (l *InstanceLock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", l.path, err)
	}
	return nil
}
