// Package fs abstracts the file system the commit protocol publishes into.
// Paths are slash separated. No operation is transactional across calls.
package fs

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotExist is returned when a path is absent.
	ErrNotExist = errors.New("path does not exist")
	// ErrExist is returned by Move when the destination is already taken.
	ErrExist = errors.New("path already exists")
)

// FileStatus describes one directory entry.
type FileStatus struct {
	Path      string
	Name      string
	IsDir     bool
	SizeBytes int64
	ModTime   time.Time
}

// FileSystem is the capability set consumed by staging discovery and the
// partition publisher.
type FileSystem interface {
	// List returns the direct children of dir sorted by name.
	List(ctx context.Context, dir string) ([]FileStatus, error)
	Stat(ctx context.Context, p string) (FileStatus, error)
	// Move renames src to dst and never replaces an existing dst.
	Move(ctx context.Context, src, dst string) error
	// Delete removes p. A missing path is not an error.
	Delete(ctx context.Context, p string, recursive bool) error
	MkdirAll(ctx context.Context, dir string) error
	WriteFile(ctx context.Context, p string, data []byte) error
}

// IsHidden reports whether a name is excluded from publishing and overwrite.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// ListVisible lists dir and drops hidden entries.
func ListVisible(ctx context.Context, fsys FileSystem, dir string) ([]FileStatus, error) {
	entries, err := fsys.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if IsHidden(e.Name) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Exists reports whether p is present.
func Exists(ctx context.Context, fsys FileSystem, p string) (bool, error) {
	_, err := fsys.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, err
}
