package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	tmpSuffix  = ".tmp"
	lockSuffix = ".lock"
)

// FileBackend stores each blob as a file on an afero filesystem. Backends
// rooted on the OS filesystem serialize writers across processes with flock.
type FileBackend struct {
	fs       afero.Fs
	lockRoot string

	mu    sync.Mutex
	locks map[string]*FileLock
}

// NewFileBackend stores blobs under basePath on disk.
func NewFileBackend(basePath string) (*FileBackend, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileBackend{
		fs:       afero.NewBasePathFs(afero.NewOsFs(), basePath),
		lockRoot: basePath,
		locks:    make(map[string]*FileLock),
	}, nil
}

// NewMemoryBackend keeps blobs in memory. Used by tests and ephemeral servers.
func NewMemoryBackend() *FileBackend {
	return NewFsBackend(afero.NewMemMapFs())
}

// NewFsBackend stores blobs on an arbitrary afero filesystem without
// cross-process locking.
func NewFsBackend(fsys afero.Fs) *FileBackend {
	return &FileBackend{
		fs:    fsys,
		locks: make(map[string]*FileLock),
	}
}

// ReadFile implements Backend.
func (b *FileBackend) ReadFile(ctx context.Context, p string) ([]byte, error) {
	name, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(b.fs, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// WriteFile implements Backend with a write to a temp file and a rename.
func (b *FileBackend) WriteFile(ctx context.Context, p string, data []byte) error {
	name, err := cleanPath(p)
	if err != nil {
		return err
	}

	if err := b.fs.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	unlock, err := b.lock(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer unlock()

	tmpPath := name + tmpSuffix
	if err := afero.WriteFile(b.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := b.fs.Rename(tmpPath, name); err != nil {
		b.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (b *FileBackend) Delete(ctx context.Context, p string) error {
	name, err := cleanPath(p)
	if err != nil {
		return err
	}

	if _, err := b.fs.Stat(name); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	unlock, err := b.lock(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer unlock()

	if err := b.fs.Remove(name); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List implements Backend. Temp and lock files are never listed.
func (b *FileBackend) List(ctx context.Context, pattern string) ([]string, error) {
	var items []string
	err := afero.Walk(b.fs, ".", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			return nil
		}
		name := strings.TrimPrefix(filepath.ToSlash(p), "./")
		name = strings.TrimPrefix(name, "/")
		if strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, lockSuffix) {
			return nil
		}
		ok, err := matchPattern(pattern, name)
		if err != nil {
			return err
		}
		if ok {
			items = append(items, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list: %w", err)
	}
	sort.Strings(items)
	return items, nil
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) lock(ctx context.Context, name string) (func(), error) {
	if b.lockRoot == "" {
		l := b.getLock(name)
		l.mu.Lock()
		return l.mu.Unlock, nil
	}

	l := b.getLock(filepath.Join(b.lockRoot, filepath.FromSlash(name)))
	if err := l.LockContext(ctx); err != nil {
		return nil, err
	}
	return func() { l.Unlock() }, nil
}

// getLock returns a file lock for a path.
func (b *FileBackend) getLock(filePath string) *FileLock {
	b.mu.Lock()
	defer b.mu.Unlock()

	lock, ok := b.locks[filePath]
	if !ok {
		lock = NewFileLock(filePath)
		b.locks[filePath] = lock
	}
	return lock
}
