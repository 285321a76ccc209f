package core

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// dirLockName is the advisory lock file held for the lifetime of an open
// DB, enforcing spec.md §5's assumption that the base directory is
// exclusive to one engine instance.
const dirLockName = ".keg.lock"

// dirLock wraps an advisory exclusive file lock scoped to a base
// directory, the same approach bitcask-style stores in the wild
// (nikosl/gkvd, itsknk/gocask) take with github.com/gofrs/flock.
type dirLock struct {
	fl *flock.Flock
}

// acquireDirLock takes a non-blocking exclusive lock on dir's lock file.
// It returns an error if another instance already holds it.
func acquireDirLock(dir string) (*dirLock, error) {
	fl := flock.New(filepath.Join(dir, dirLockName))

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock dir %q: %w", dir, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock dir %q: %w", dir, ErrDirLocked)
	}

	return &dirLock{fl: fl}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
