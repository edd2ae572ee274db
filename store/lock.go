package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrRunLocked is returned when another process already runs migrations
// against the same state directory.
var ErrRunLocked = errors.New("state directory is locked by another process")

// RunLock is an exclusive, process-wide claim on a state directory. Only the
// holder may drive migrations or recover interrupted ones.
type RunLock struct {
	fl *flock.Flock
}

// AcquireRunLock takes the run lock for dir without blocking.
func AcquireRunLock(dir string) (*RunLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	fl := flock.New(filepath.Join(dir, "run.lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, dir)
	}
	return &RunLock{fl: fl}, nil
}

// Path returns the lock file location.
func (l *RunLock) Path() string {
	return l.fl.Path()
}

// Release gives the lock back.
func (l *RunLock) Release() error {
	return l.fl.Unlock()
}
