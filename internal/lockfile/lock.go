// Package lockfile provides the single-instance lock the manager holds for
// the duration of a run. Two managers deduplicating the same mart would race
// each other's bookkeeping, so a second instance must refuse to start.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ErrLockBusy means another process holds the lock.
var ErrLockBusy = errors.New("lock already held by another process")

// Lock is a held file-system lock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the named exclusive lock under dir, creating the lock file
// if needed. The holder's pid is written into the file for operators; the
// lock itself is the flock, not the content, so a stale pid after a crash
// does not block the next run.
func Acquire(dir, name string) (*Lock, error) {
	path := filepath.Join(dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := flockExclusive(f); err != nil {
		f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, fmt.Errorf("%s: %w", path, ErrLockBusy)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
		f.Sync()
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock and removes the lock file.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}
	unlockErr := flockUnlock(l.file)
	closeErr := l.file.Close()
	l.file = nil
	os.Remove(l.path)
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }
