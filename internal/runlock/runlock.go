// Package runlock prevents two `each run` invocations from targeting the
// same destination directory concurrently: both would race on "exists
// is ok" directory creation and on writing the same status files.
package runlock

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Lock is an exclusive, non-blocking flock on a destination directory's
// lock file.
type Lock struct {
	file *os.File
}

// Acquire creates (if needed) dest and takes an exclusive lock on
// dest/.each.lock. It fails immediately rather than waiting if another
// run already holds it.
func Acquire(dest string) (*Lock, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("runlock: create destination %q: %w", dest, err)
	}

	lockPath := filepath.Join(dest, ".each.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("runlock: open %q: %w", lockPath, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("runlock: another run is already using %q", dest)
	}

	return &Lock{file: f}, nil
}

// Release drops the lock. Safe to call once; a nil receiver is a no-op.
func (l *Lock) Release() {
	if l == nil || l.file == nil {
		return
	}
	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	l.file = nil
}
