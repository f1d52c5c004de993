// Package lockfile provides cross-process advisory locking for
// PulseDB's single-writer discipline, backed by an OS file lock so
// that multiple processes opening the same database directory never
// run writers concurrently.
package lockfile

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"
)

// pollInterval is how often a blocked acquire attempt is retried.
// PulseDB uses a flat retry interval rather than exponential backoff:
// the lock is expected to be held for the duration of a single commit,
// not for a long-running operation, so a constant short poll converges
// quickly without the complexity of a backoff curve.
const pollInterval = 50 * time.Millisecond

// ErrTimeout is returned when the lock could not be acquired within
// the configured timeout.
type ErrTimeout struct {
	Path    string
	Timeout time.Duration
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("lockfile: timed out after %s waiting for %s", e.Timeout, e.Path)
}

// Lock wraps an advisory file lock on a single path.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New creates a Lock for the given path. The file is created on first
// acquire if it does not already exist.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Acquire blocks until the exclusive lock is obtained, the timeout
// elapses, or ctx is cancelled.
func (l *Lock) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		locked, err := l.fl.TryLock()
		if err != nil {
			return fmt.Errorf("lockfile: try lock %s: %w", l.path, err)
		}
		if locked {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return &ErrTimeout{Path: l.path, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release unlocks the file. Safe to call even if Acquire was never
// called or already failed.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// Locked reports whether this process currently holds the lock.
func (l *Lock) Locked() bool {
	return l.fl.Locked()
}
