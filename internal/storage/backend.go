// Package storage is the byte-oriented persistence boundary. Callers address
// blobs by slash-separated paths; backends decide where the bytes live.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidPath = errors.New("invalid storage path")
)

// Backend stores opaque blobs.
type Backend interface {
	// ReadFile returns ErrNotFound when nothing is stored at path.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile replaces the blob at path atomically.
	WriteFile(ctx context.Context, path string, data []byte) error
	// Delete removes the blob at path. Deleting a missing blob is not an error.
	Delete(ctx context.Context, path string) error
	// List returns the stored paths matching a doublestar pattern, sorted.
	List(ctx context.Context, pattern string) ([]string, error)
	Close() error
}

// cleanPath validates a relative slash path.
func cleanPath(p string) (string, error) {
	if p == "" {
		return "", ErrInvalidPath
	}
	cleaned := path.Clean(strings.TrimPrefix(p, "/"))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

func matchPattern(pattern, name string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return false, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return ok, nil
}

// GetJSON reads and decodes the value stored at path.
func GetJSON(ctx context.Context, b Backend, path string, v any) error {
	data, err := b.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", path, err)
	}
	return nil
}

// PutJSON encodes v and stores it at path.
func PutJSON(ctx context.Context, b Backend, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}
	return b.WriteFile(ctx, path, data)
}

// Exists reports whether a blob is stored at path.
func Exists(ctx context.Context, b Backend, path string) bool {
	_, err := b.ReadFile(ctx, path)
	return err == nil
}
