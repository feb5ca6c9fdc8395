package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
)

// MinioFS maps the FileSystem onto one S3-compatible bucket. Directories are
// key prefixes; MkdirAll writes a zero-byte "dir/" marker so that empty
// partitions stay visible.
type MinioFS struct {
	client *minio.Client
	bucket string
}

func NewMinioFS(client *minio.Client, bucket string) (*MinioFS, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &MinioFS{client: client, bucket: bucket}, nil
}

func (m *MinioFS) List(ctx context.Context, dir string) ([]FileStatus, error) {
	if m == nil || m.client == nil {
		return nil, fmt.Errorf("minio fs not initialized")
	}
	prefix := dirPrefix(dir)
	out := make([]FileStatus, 0)
	sawMarker := false
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, obj.Err)
		}
		if obj.Key == prefix {
			sawMarker = true
			continue
		}
		isDir := strings.HasSuffix(obj.Key, "/")
		key := strings.TrimSuffix(obj.Key, "/")
		out = append(out, FileStatus{
			Path:      key,
			Name:      path.Base(key),
			IsDir:     isDir,
			SizeBytes: obj.Size,
			ModTime:   obj.LastModified.UTC(),
		})
	}
	if len(out) == 0 && !sawMarker && prefix != "" {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotExist)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MinioFS) Stat(ctx context.Context, p string) (FileStatus, error) {
	if m == nil || m.client == nil {
		return FileStatus{}, fmt.Errorf("minio fs not initialized")
	}
	key := objectKey(p)
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return FileStatus{
			Path:      key,
			Name:      path.Base(key),
			SizeBytes: info.Size,
			ModTime:   info.LastModified.UTC(),
		}, nil
	}
	if !isNoSuchKey(err) {
		return FileStatus{}, fmt.Errorf("stat %s: %w", p, err)
	}
	// Stop the lister once the first key answers the question.
	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := minio.ListObjectsOptions{Prefix: dirPrefix(p), MaxKeys: 1}
	for obj := range m.client.ListObjects(listCtx, m.bucket, opts) {
		if obj.Err != nil {
			return FileStatus{}, fmt.Errorf("stat %s: %w", p, obj.Err)
		}
		return FileStatus{Path: key, Name: path.Base(key), IsDir: true}, nil
	}
	return FileStatus{}, fmt.Errorf("stat %s: %w", p, ErrNotExist)
}

// maxSingleCopySize is the largest object a single CopyObject call accepts.
const maxSingleCopySize int64 = 5 << 30

// needsMultipartCopy reports whether an object of size bytes must be copied
// with ComposeObject instead of CopyObject.
func needsMultipartCopy(size int64) bool {
	return size > maxSingleCopySize
}

// Move is a server-side copy followed by a delete of the source object.
// Objects above 5 GiB are copied part by part.
func (m *MinioFS) Move(ctx context.Context, src, dst string) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("minio fs not initialized")
	}
	exists, err := Exists(ctx, m, dst)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("move %s: %s: %w", src, dst, ErrExist)
	}
	info, err := m.client.StatObject(ctx, m.bucket, objectKey(src), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("move %s: %w", src, ErrNotExist)
		}
		return fmt.Errorf("stat %s: %w", src, err)
	}
	dstOpts := minio.CopyDestOptions{Bucket: m.bucket, Object: objectKey(dst)}
	srcOpts := minio.CopySrcOptions{Bucket: m.bucket, Object: objectKey(src)}
	if needsMultipartCopy(info.Size) {
		_, err = m.client.ComposeObject(ctx, dstOpts, srcOpts)
	} else {
		_, err = m.client.CopyObject(ctx, dstOpts, srcOpts)
	}
	if err != nil {
		if isNoSuchKey(err) {
			return fmt.Errorf("move %s: %w", src, ErrNotExist)
		}
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(src), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", src, err)
	}
	return nil
}

func (m *MinioFS) Delete(ctx context.Context, p string, recursive bool) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("minio fs not initialized")
	}
	if err := m.client.RemoveObject(ctx, m.bucket, objectKey(p), minio.RemoveObjectOptions{}); err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	if !recursive {
		return nil
	}

	objects := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(objects)
		opts := minio.ListObjectsOptions{Prefix: dirPrefix(p), Recursive: true}
		for obj := range m.client.ListObjects(ctx, m.bucket, opts) {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			select {
			case objects <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for rmErr := range m.client.RemoveObjects(ctx, m.bucket, objects, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("delete %s: %w", rmErr.ObjectName, rmErr.Err))
	}
	select {
	case err := <-listErr:
		errs = append(errs, fmt.Errorf("list %s: %w", p, err))
	default:
	}
	return errors.Join(errs...)
}

func (m *MinioFS) MkdirAll(ctx context.Context, dir string) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("minio fs not initialized")
	}
	marker := dirPrefix(dir)
	if marker == "" {
		return nil
	}
	_, err := m.client.PutObject(ctx, m.bucket, marker, bytes.NewReader(nil), 0, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

func (m *MinioFS) WriteFile(ctx context.Context, p string, data []byte) error {
	if m == nil || m.client == nil {
		return fmt.Errorf("minio fs not initialized")
	}
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	_, err := m.client.PutObject(ctx, m.bucket, objectKey(p), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func objectKey(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

func dirPrefix(dir string) string {
	key := objectKey(dir)
	if key == "" {
		return ""
	}
	return key + "/"
}

func isNoSuchKey(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
