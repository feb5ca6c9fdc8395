// Package staging owns the on-disk layout of not-yet-committed task output:
// the attempt-scoped staging root, per-task-attempt directories and the
// key=value partition sub-paths beneath them.
package staging

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

var (
	ErrSegmentMismatch  = errors.New("partition segment count mismatch")
	ErrMalformedSegment = errors.New("malformed partition segment")
	ErrInconsistentKeys = errors.New("partition keys differ between staged paths")
)

var taskDirPattern = regexp.MustCompile(`^task-(\d+)-attempt-(\d+)$`)

// DiscoveryError reports that the staging root could not be read. Nothing has
// been mutated when it is returned.
type DiscoveryError struct {
	Root string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover staging directories under %s: %v", e.Root, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// LayoutError reports a staged path that does not fit the table's partition
// layout.
type LayoutError struct {
	Path string
	Err  error
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("staged path %s: %v", e.Path, e.Err)
}

func (e *LayoutError) Unwrap() error {
	return e.Err
}

// AttemptRoot returns the staging root for one job attempt. The directory name
// is hidden so that an overwrite of the table location never touches it.
func AttemptRoot(tableLocation, jobID string, attempt int) (string, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return "", errors.New("job id is required")
	}
	if strings.ContainsAny(jobID, "/\\") {
		return "", fmt.Errorf("job id %q must not contain path separators", jobID)
	}
	if attempt < 0 {
		return "", errors.New("job attempt must be >= 0")
	}
	return path.Join(tableLocation, fmt.Sprintf(".staging_%s_%d", jobID, attempt)), nil
}

// TaskDirName is the directory name of one task attempt under the staging root.
func TaskDirName(taskIndex, attempt int) string {
	return fmt.Sprintf("task-%d-attempt-%d", taskIndex, attempt)
}

// ParseTaskDirName is the inverse of TaskDirName.
func ParseTaskDirName(name string) (taskIndex, attempt int, ok bool) {
	m := taskDirPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	taskIndex, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	attempt, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return taskIndex, attempt, true
}

// ListTaskStagingDirectories returns the task attempt directories under root,
// ordered by task index then attempt. A missing root means no task produced
// output and yields an empty result.
func ListTaskStagingDirectories(ctx context.Context, fsys fs.FileSystem, root string) ([]domain.TaskStagingDirectory, error) {
	entries, err := fsys.List(ctx, root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &DiscoveryError{Root: root, Err: err}
	}
	dirs := make([]domain.TaskStagingDirectory, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir {
			continue
		}
		taskIndex, attempt, ok := ParseTaskDirName(entry.Name)
		if !ok {
			continue
		}
		dirs = append(dirs, domain.TaskStagingDirectory{
			Path:      entry.Path,
			TaskIndex: taskIndex,
			Attempt:   attempt,
		})
	}
	sort.SliceStable(dirs, func(i, j int) bool {
		if dirs[i].TaskIndex != dirs[j].TaskIndex {
			return dirs[i].TaskIndex < dirs[j].TaskIndex
		}
		return dirs[i].Attempt < dirs[j].Attempt
	})
	return dirs, nil
}

// AttemptFilter selects which discovered task attempt directories are
// published. Directories it rejects are still cleaned up.
type AttemptFilter func(taskIndex, attempt int) bool

// LatestAttemptPerTask keeps only the highest attempt number of each task.
func LatestAttemptPerTask(dirs []domain.TaskStagingDirectory) AttemptFilter {
	latest := make(map[int]int, len(dirs))
	for _, d := range dirs {
		if cur, ok := latest[d.TaskIndex]; !ok || d.Attempt > cur {
			latest[d.TaskIndex] = d.Attempt
		}
	}
	return func(taskIndex, attempt int) bool {
		return latest[taskIndex] == attempt
	}
}

// Select applies filter to dirs. A nil filter keeps everything.
func Select(dirs []domain.TaskStagingDirectory, filter AttemptFilter) []domain.TaskStagingDirectory {
	if filter == nil {
		return dirs
	}
	out := make([]domain.TaskStagingDirectory, 0, len(dirs))
	for _, d := range dirs {
		if filter(d.TaskIndex, d.Attempt) {
			out = append(out, d)
		}
	}
	return out
}
