package staging

import (
	"context"
	"fmt"
	"slices"

	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

// PartitionGroup is every staged file of one partition across all task
// attempt directories.
type PartitionGroup struct {
	Spec  domain.PartitionSpec
	Files []domain.StagedFile
}

// CollectPartitionSpecToPaths walks each task directory exactly columns levels
// deep, decoding one key=value segment per level, and groups the files found
// at that depth by partition. Groups are returned in first-seen order, which
// is deterministic for a given directory listing order. Any staged entry at a
// different depth aborts the walk.
func CollectPartitionSpecToPaths(ctx context.Context, fsys fs.FileSystem, dirs []domain.TaskStagingDirectory, columns int) ([]PartitionGroup, error) {
	if columns < 0 {
		return nil, fmt.Errorf("partition column count must be >= 0, got %d", columns)
	}
	return collect(ctx, fsys, dirs, &collector{
		fsys:    fsys,
		columns: columns,
		index:   make(map[string]int),
	})
}

// CollectPartitions is CollectPartitionSpecToPaths for a table whose partition
// column names are known. A staged path decoding to any other keys, or to the
// same keys in another order, fails with ErrInconsistentKeys.
func CollectPartitions(ctx context.Context, fsys fs.FileSystem, dirs []domain.TaskStagingDirectory, keys []string) ([]PartitionGroup, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("partition keys must not be empty")
	}
	return collect(ctx, fsys, dirs, &collector{
		fsys:    fsys,
		columns: len(keys),
		keys:    slices.Clone(keys),
		index:   make(map[string]int),
	})
}

func collect(ctx context.Context, fsys fs.FileSystem, dirs []domain.TaskStagingDirectory, c *collector) ([]PartitionGroup, error) {
	for _, dir := range dirs {
		if err := c.walk(ctx, dir.Path, dir.Path, domain.PartitionSpec{}); err != nil {
			return nil, err
		}
	}
	return c.groups, nil
}

// CollectNonPartitioned returns the staged files of a table without partition
// columns. It is CollectPartitionSpecToPaths with zero columns, flattened.
func CollectNonPartitioned(ctx context.Context, fsys fs.FileSystem, dirs []domain.TaskStagingDirectory) ([]domain.StagedFile, error) {
	groups, err := CollectPartitionSpecToPaths(ctx, fsys, dirs, 0)
	if err != nil {
		return nil, err
	}
	var files []domain.StagedFile
	for _, g := range groups {
		files = append(files, g.Files...)
	}
	return files, nil
}

type collector struct {
	fsys    fs.FileSystem
	columns int
	keys    []string
	index   map[string]int
	groups  []PartitionGroup
}

func (c *collector) walk(ctx context.Context, taskDir, dir string, spec domain.PartitionSpec) error {
	entries, err := fs.ListVisible(ctx, c.fsys, dir)
	if err != nil {
		return fmt.Errorf("list staged path %s: %w", dir, err)
	}
	depth := spec.Len()
	for _, entry := range entries {
		if depth == c.columns {
			if entry.IsDir {
				return &LayoutError{
					Path: entry.Path,
					Err:  fmt.Errorf("%w: want %d segments, found more", ErrSegmentMismatch, c.columns),
				}
			}
			if err := c.add(spec, domain.StagedFile{
				Path:      entry.Path,
				Name:      entry.Name,
				SizeBytes: entry.SizeBytes,
				TaskDir:   taskDir,
				Spec:      spec,
			}); err != nil {
				return err
			}
			continue
		}

		if !entry.IsDir {
			return &LayoutError{
				Path: entry.Path,
				Err:  fmt.Errorf("%w: want %d segments, found %d", ErrSegmentMismatch, c.columns, depth),
			}
		}
		field, ok := ParsePartitionSegment(entry.Name)
		if !ok {
			return &LayoutError{Path: entry.Path, Err: ErrMalformedSegment}
		}
		next, err := spec.With(field.Key, field.Value)
		if err != nil {
			return &LayoutError{Path: entry.Path, Err: fmt.Errorf("%w: %v", ErrMalformedSegment, err)}
		}
		if err := c.walk(ctx, taskDir, entry.Path, next); err != nil {
			return err
		}
	}
	return nil
}

func (c *collector) add(spec domain.PartitionSpec, file domain.StagedFile) error {
	keys := spec.Keys()
	if c.keys == nil {
		c.keys = keys
	} else if !slices.Equal(c.keys, keys) {
		return &LayoutError{
			Path: file.Path,
			Err:  fmt.Errorf("%w: %v vs %v", ErrInconsistentKeys, keys, c.keys),
		}
	}
	key := spec.Key()
	i, ok := c.index[key]
	if !ok {
		i = len(c.groups)
		c.index[key] = i
		c.groups = append(c.groups, PartitionGroup{Spec: spec})
	}
	c.groups[i].Files = append(c.groups[i].Files, file)
	return nil
}
