package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"syscall"
)

// LocalFS is a FileSystem over the local disk.
type LocalFS struct {
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// NewLocalFS returns a LocalFS creating directories 0755 and files 0644.
func NewLocalFS() *LocalFS {
	return &LocalFS{dirPerm: 0o755, filePerm: 0o644}
}

func (l *LocalFS) List(ctx context.Context, dir string) ([]FileStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.FromSlash(dir))
	if err != nil {
		return nil, wrapOSError("list", dir, err)
	}
	out := make([]FileStatus, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, wrapOSError("stat", path.Join(dir, entry.Name()), err)
		}
		out = append(out, statusFromInfo(path.Join(dir, entry.Name()), info))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *LocalFS) Stat(ctx context.Context, p string) (FileStatus, error) {
	if err := ctx.Err(); err != nil {
		return FileStatus{}, err
	}
	info, err := os.Stat(filepath.FromSlash(p))
	if err != nil {
		return FileStatus{}, wrapOSError("stat", p, err)
	}
	return statusFromInfo(p, info), nil
}

func (l *LocalFS) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from := filepath.FromSlash(src)
	to := filepath.FromSlash(dst)
	if _, err := os.Lstat(to); err == nil {
		return fmt.Errorf("move %s: %s: %w", src, dst, ErrExist)
	} else if !errors.Is(err, os.ErrNotExist) {
		return wrapOSError("stat", dst, err)
	}
	err := os.Rename(from, to)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return wrapOSError("move", src, err)
	}
	// Different volumes: degrade to copy and delete.
	if err := copyFile(from, to, l.filePerm); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := os.Remove(from); err != nil {
		return wrapOSError("remove", src, err)
	}
	return nil
}

func (l *LocalFS) Delete(ctx context.Context, p string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.FromSlash(p)
	var err error
	if recursive {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrapOSError("delete", p, err)
	}
	return nil
}

func (l *LocalFS) MkdirAll(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.FromSlash(dir), l.dirPerm); err != nil {
		return wrapOSError("mkdir", dir, err)
	}
	return nil
}

func (l *LocalFS) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target := filepath.FromSlash(p)
	if err := os.MkdirAll(filepath.Dir(target), l.dirPerm); err != nil {
		return wrapOSError("mkdir", p, err)
	}
	if err := os.WriteFile(target, data, l.filePerm); err != nil {
		return wrapOSError("write", p, err)
	}
	return nil
}

func statusFromInfo(p string, info os.FileInfo) FileStatus {
	return FileStatus{
		Path:      p,
		Name:      info.Name(),
		IsDir:     info.IsDir(),
		SizeBytes: info.Size(),
		ModTime:   info.ModTime().UTC(),
	}
}

func wrapOSError(op, p string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s %s: %w", op, p, ErrNotExist)
	}
	return fmt.Errorf("%s %s: %w", op, p, err)
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
