package staging

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
	"github.com/google/uuid"
)

// WriterOptions controls staged file naming.
type WriterOptions struct {
	PartPrefix string
	PartSuffix string
}

// TaskWriter hands out staged file paths for one task attempt. It is the task
// side of the layout the committer later discovers.
type TaskWriter struct {
	fsys   fs.FileSystem
	dir    domain.TaskStagingDirectory
	prefix string
	suffix string
	runID  string

	mu      sync.Mutex
	counter int
}

// NewTaskWriter prepares the task attempt directory under root. Output left by
// an earlier run of the same task attempt is removed first.
func NewTaskWriter(ctx context.Context, fsys fs.FileSystem, root string, taskIndex, attempt int, opts WriterOptions) (*TaskWriter, error) {
	if fsys == nil {
		return nil, errors.New("file system is required")
	}
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("staging root is required")
	}
	if taskIndex < 0 || attempt < 0 {
		return nil, fmt.Errorf("invalid task attempt %d/%d", taskIndex, attempt)
	}
	prefix := strings.TrimSpace(opts.PartPrefix)
	if prefix == "" {
		prefix = "part"
	}
	dir := domain.TaskStagingDirectory{
		Path:      path.Join(root, TaskDirName(taskIndex, attempt)),
		TaskIndex: taskIndex,
		Attempt:   attempt,
	}
	if err := fsys.Delete(ctx, dir.Path, true); err != nil {
		return nil, fmt.Errorf("clear task directory: %w", err)
	}
	if err := fsys.MkdirAll(ctx, dir.Path); err != nil {
		return nil, fmt.Errorf("create task directory: %w", err)
	}
	return &TaskWriter{
		fsys:   fsys,
		dir:    dir,
		prefix: prefix,
		suffix: opts.PartSuffix,
		runID:  uuid.NewString(),
	}, nil
}

func (w *TaskWriter) Dir() domain.TaskStagingDirectory {
	return w.dir
}

// NewFilePath returns a fresh staged file path under the partition directory
// for spec. Use an empty spec for non-partitioned tables.
func (w *TaskWriter) NewFilePath(spec domain.PartitionSpec) string {
	w.mu.Lock()
	n := w.counter
	w.counter++
	w.mu.Unlock()

	name := fmt.Sprintf("%s-%s-%d-%d%s", w.prefix, w.runID, w.dir.TaskIndex, n, w.suffix)
	return path.Join(w.dir.Path, GeneratePartitionPath(spec), name)
}

// Write stores data as a new staged file of spec and returns its path.
func (w *TaskWriter) Write(ctx context.Context, spec domain.PartitionSpec, data []byte) (string, error) {
	p := w.NewFilePath(spec)
	if err := w.fsys.WriteFile(ctx, p, data); err != nil {
		return "", err
	}
	return p, nil
}
