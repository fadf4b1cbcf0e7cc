package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"
)

// lockPollInterval is how often LockContext retries a contended lock.
const lockPollInterval = 10 * time.Millisecond

// FileLock is an exclusive flock on path+".lock", shared between processes
// writing the same storage directory.
type FileLock struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// NewFileLock creates a new file lock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Lock blocks until the lock is held.
func (l *FileLock) Lock() error {
	l.mu.Lock()

	f, err := os.OpenFile(l.path+lockSuffix, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		l.mu.Unlock()
		return err
	}
	l.file = f
	return nil
}

// LockContext acquires the lock, giving up when ctx is done. Errors other
// than contention are returned immediately.
func (l *FileLock) LockContext(ctx context.Context) error {
	ok, err := l.tryLock()
	if ok || err != nil {
		return err
	}
	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ok, err := l.tryLock(); ok || err != nil {
				return err
			}
		}
	}
}

// TryLock attempts to acquire the lock without blocking.
func (l *FileLock) TryLock() bool {
	ok, _ := l.tryLock()
	return ok
}

// tryLock reports false with a nil error only when the lock is held elsewhere.
func (l *FileLock) tryLock() (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}

	f, err := os.OpenFile(l.path+lockSuffix, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		l.mu.Unlock()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}
	l.file = f
	return true, nil
}

// Unlock releases the lock and removes the lock file.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	l.file.Close()
	os.Remove(l.path + lockSuffix)

	l.file = nil
	l.mu.Unlock()
	return nil
}
