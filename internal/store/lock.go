package store

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// LockFile is the run lock inside the state directory.
const LockFile = "run.lock"

// RunLock keeps a second runner off the same state directory using flock(2).
// The lock is released by the kernel when the holding process exits, so a
// crashed run never leaves a stale lock behind.
type RunLock struct {
	path string
	file *os.File
}

// NewRunLock returns the lock for the state directory dir.
func NewRunLock(dir string) *RunLock {
	return &RunLock{path: filepath.Join(dir, LockFile)}
}

// Path returns the lock file path.
func (l *RunLock) Path() string { return l.path }

// TryLock acquires the lock without blocking. It reports false when another
// process holds it.
func (l *RunLock) TryLock() (bool, error) {
	if l.file != nil {
		return true, nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock. Unlocking a lock that is not held is a no-op.
func (l *RunLock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	if err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	return nil
}
