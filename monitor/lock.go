package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked means another instance already monitors this channel.
var ErrLocked = errors.New("another instance holds the channel lock")

// Lock is the per-channel instance lock.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the channel lock without blocking.
func AcquireLock(l Layout) (*Lock, error) {
	path := l.LockPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &Lock{fl: fl}, nil
}

// Release drops the lock. The lock file itself stays in place.
func (lk *Lock) Release() error {
	if lk == nil || lk.fl == nil {
		return nil
	}
	return lk.fl.Unlock()
}
