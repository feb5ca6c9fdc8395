// Package committer runs the commit protocol of one job attempt: it discovers
// the staged task output, publishes it unit by unit and always removes the
// staging directories afterwards.
package committer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/tablecommit/internal/catalog"
	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/policy"
	"github.com/animus-labs/tablecommit/internal/publisher"
	"github.com/animus-labs/tablecommit/internal/staging"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

// CommitError names the first commit unit that failed and the publish step
// that failed it.
type CommitError struct {
	Unit  domain.CommitUnit
	Stage publisher.Stage
	Err   error
}

func (e *CommitError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("commit %s: %v", e.Unit, e.Err)
	}
	return fmt.Sprintf("commit %s: %s failed: %v", e.Unit, e.Stage, errors.Unwrap(e.Err))
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Options fix the table, staging root and publish behaviour of one run.
type Options struct {
	Table       domain.TableIdentifier
	Location    string
	StagingRoot string
	Shape       domain.TableShape
	// PartitionKeys, when set, are the declared partition column names in
	// order. Staged paths decoding to other keys are rejected.
	PartitionKeys []string
	Mode          domain.WriteMode
	// StaticSpec holds the partition values fixed by the job. A spec covering
	// every partition column with non-empty values is fully specified.
	StaticSpec domain.PartitionSpec
	// Policies run in order after each unit. With Parallelism > 1 they are
	// invoked concurrently and must be safe for that.
	Policies []policy.Policy
	// Parallelism above 1 publishes distinct partitions concurrently.
	Parallelism int
	// LatestAttemptOnly publishes only the highest attempt of each task.
	LatestAttemptOnly bool
	// AttemptFilter, when set, further restricts which attempts are published.
	AttemptFilter staging.AttemptFilter
	Logger        *slog.Logger
	Metrics       *Metrics
}

func (o Options) Validate() error {
	var issues []string
	if err := o.Table.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if strings.TrimSpace(o.Location) == "" {
		issues = append(issues, "table location is required")
	}
	if strings.TrimSpace(o.StagingRoot) == "" {
		issues = append(issues, "staging root is required")
	}
	if o.Shape.PartitionColumns < 0 {
		issues = append(issues, "partition column count must be >= 0")
	}
	if o.StaticSpec.Len() > o.Shape.PartitionColumns {
		issues = append(issues, fmt.Sprintf("static partition spec has %d columns, table has %d", o.StaticSpec.Len(), o.Shape.PartitionColumns))
	}
	if len(o.PartitionKeys) > 0 && len(o.PartitionKeys) != o.Shape.PartitionColumns {
		issues = append(issues, fmt.Sprintf("%d partition keys declared, table has %d columns", len(o.PartitionKeys), o.Shape.PartitionColumns))
	}
	if o.Parallelism < 0 {
		issues = append(issues, "parallelism must be >= 0")
	}
	if len(issues) > 0 {
		return errors.New("invalid commit options: " + strings.Join(issues, "; "))
	}
	return nil
}

// StaticSpecFullySpecified reports whether the static spec names a non-empty
// value for every partition column.
func (o Options) StaticSpecFullySpecified() bool {
	if !o.Shape.IsPartitioned() || o.StaticSpec.Len() != o.Shape.PartitionColumns {
		return false
	}
	for _, f := range o.StaticSpec.Fields() {
		if f.Value == "" {
			return false
		}
	}
	return true
}

// Result summarizes one commit run. It is filled as far as the run got, also
// when Commit returns an error.
type Result struct {
	StagingDirs    int
	UnitsPublished int
	NewPartitions  int
	FilesMoved     int
	BytesMoved     int64
	FilesRenamed   int
	CleanupErrors  []error
}

// Committer runs the commit protocol for one job attempt.
type Committer struct {
	fsys     fs.FileSystem
	catalogs catalog.Factory
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// New validates opts and binds them to the file system and catalog.
func New(fsys fs.FileSystem, catalogs catalog.Factory, opts Options) (*Committer, error) {
	if fsys == nil {
		return nil, errors.New("file system is required")
	}
	if catalogs == nil {
		return nil, errors.New("catalog factory is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts.Logger = logger
	return &Committer{
		fsys:     fsys,
		catalogs: catalogs,
		opts:     opts,
		logger:   logger.With("table", opts.Table.String(), "staging_root", opts.StagingRoot),
		now:      time.Now,
	}, nil
}

// Commit publishes everything staged under the attempt's staging root. Every
// discovered task directory is deleted before Commit returns, whatever the
// outcome; cleanup failures are reported in Result and never fail the run.
// Cancelling ctx only stops discovery: once publishing starts it runs to
// completion or to its first failure.
func (c *Committer) Commit(ctx context.Context) (res Result, err error) {
	start := c.now()
	dirs, err := staging.ListTaskStagingDirectories(ctx, c.fsys, c.opts.StagingRoot)
	if err != nil {
		c.opts.Metrics.observeRun(err, 0, c.now().Sub(start))
		c.logger.Error("staging discovery failed", "error", err)
		return res, err
	}
	res.StagingDirs = len(dirs)
	if len(dirs) == 0 {
		c.logger.Warn("no task staging directories found")
	} else {
		c.logger.Info("task staging directories discovered", "count", len(dirs))
	}

	defer func() {
		res.CleanupErrors = c.cleanup(ctx, dirs)
		elapsed := c.now().Sub(start)
		c.opts.Metrics.observeRun(err, len(res.CleanupErrors), elapsed)
		attrs := []any{
			"mode", c.opts.Mode.String(),
			"shape", c.opts.Shape.String(),
			"staging_dirs", res.StagingDirs,
			"units", res.UnitsPublished,
			"new_partitions", res.NewPartitions,
			"files", res.FilesMoved,
			"renamed", res.FilesRenamed,
			"bytes", humanize.Bytes(uint64(res.BytesMoved)),
			"cleanup_errors", len(res.CleanupErrors),
			"duration", elapsed.String(),
		}
		if err != nil {
			c.logger.Error("commit failed", append(attrs, "error", err)...)
			return
		}
		c.logger.Info("commit finished", attrs...)
	}()

	pctx := context.WithoutCancel(ctx)
	selected := staging.Select(dirs, c.attemptFilter(dirs))
	if skipped := len(dirs) - len(selected); skipped > 0 {
		c.logger.Info("task attempts excluded from publish", "count", skipped)
	}

	if !c.opts.Shape.IsPartitioned() {
		err = c.commitNonPartitioned(pctx, selected, &res)
		return res, err
	}
	if len(dirs) == 0 {
		if c.opts.StaticSpecFullySpecified() {
			err = c.commitEmptyPartition(pctx, &res)
		} else if !c.opts.StaticSpec.IsEmpty() {
			c.logger.Info("static partition not fully specified and no data staged, nothing to commit", "static_spec", c.opts.StaticSpec.String())
		}
		return res, err
	}
	err = c.commitPartitions(pctx, selected, &res)
	return res, err
}

func (c *Committer) attemptFilter(dirs []domain.TaskStagingDirectory) staging.AttemptFilter {
	var filters []staging.AttemptFilter
	if c.opts.LatestAttemptOnly {
		filters = append(filters, staging.LatestAttemptPerTask(dirs))
	}
	if c.opts.AttemptFilter != nil {
		filters = append(filters, c.opts.AttemptFilter)
	}
	if len(filters) == 0 {
		return nil
	}
	return func(taskIndex, attempt int) bool {
		for _, f := range filters {
			if !f(taskIndex, attempt) {
				return false
			}
		}
		return true
	}
}

func (c *Committer) newPublisher() (*publisher.Publisher, error) {
	return publisher.New(c.fsys, c.catalogs, publisher.Options{
		Table:    c.opts.Table,
		Location: c.opts.Location,
		Mode:     c.opts.Mode,
		Policies: c.opts.Policies,
		Logger:   c.opts.Logger,
	})
}

func (c *Committer) closePublisher(p *publisher.Publisher) {
	if err := p.Close(); err != nil {
		c.logger.Warn("release catalog client failed", "error", err)
	}
}

func (c *Committer) commitNonPartitioned(ctx context.Context, dirs []domain.TaskStagingDirectory, res *Result) error {
	files, err := staging.CollectNonPartitioned(ctx, c.fsys, dirs)
	if err != nil {
		return fmt.Errorf("collect staged files: %w", err)
	}
	p, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer c.closePublisher(p)

	unit := domain.CommitUnit{Kind: domain.UnitNonPartitioned, Files: files}
	stats, err := p.LoadNonPartition(ctx, files)
	if err != nil {
		return unitError(unit, err)
	}
	c.record(res, unit, stats)
	return nil
}

func (c *Committer) commitEmptyPartition(ctx context.Context, res *Result) error {
	p, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer c.closePublisher(p)

	unit := domain.CommitUnit{Kind: domain.UnitEmptyPartition, Spec: c.opts.StaticSpec}
	stats, err := p.LoadEmptyPartition(ctx, c.opts.StaticSpec)
	if err != nil {
		return unitError(unit, err)
	}
	c.record(res, unit, stats)
	return nil
}

func (c *Committer) commitPartitions(ctx context.Context, dirs []domain.TaskStagingDirectory, res *Result) error {
	var groups []staging.PartitionGroup
	var err error
	if len(c.opts.PartitionKeys) > 0 {
		groups, err = staging.CollectPartitions(ctx, c.fsys, dirs, c.opts.PartitionKeys)
	} else {
		groups, err = staging.CollectPartitionSpecToPaths(ctx, c.fsys, dirs, c.opts.Shape.PartitionColumns)
	}
	if err != nil {
		return fmt.Errorf("group staged files: %w", err)
	}
	c.logger.Info("staged files grouped", "partitions", len(groups))
	if c.opts.Parallelism > 1 && len(groups) > 1 {
		return c.publishParallel(ctx, groups, res)
	}

	p, err := c.newPublisher()
	if err != nil {
		return err
	}
	defer c.closePublisher(p)
	for _, g := range groups {
		unit := domain.CommitUnit{Kind: domain.UnitPartition, Spec: g.Spec, Files: g.Files}
		stats, err := p.LoadPartition(ctx, g.Spec, g.Files)
		if err != nil {
			return unitError(unit, err)
		}
		c.record(res, unit, stats)
	}
	return nil
}

// publishParallel gives every partition its own publisher, and so its own
// catalog client, released as soon as that partition is done. After the first
// failure no further partition is started; those already running finish.
func (c *Committer) publishParallel(ctx context.Context, groups []staging.PartitionGroup, res *Result) error {
	var (
		mu     sync.Mutex
		failed atomic.Bool
		g      errgroup.Group
	)
	g.SetLimit(c.opts.Parallelism)
	for _, group := range groups {
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			unit := domain.CommitUnit{Kind: domain.UnitPartition, Spec: group.Spec, Files: group.Files}
			p, err := c.newPublisher()
			if err != nil {
				failed.Store(true)
				return err
			}
			defer c.closePublisher(p)
			stats, err := p.LoadPartition(ctx, group.Spec, group.Files)
			if err != nil {
				failed.Store(true)
				return unitError(unit, err)
			}
			mu.Lock()
			c.record(res, unit, stats)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (c *Committer) record(res *Result, unit domain.CommitUnit, stats publisher.Stats) {
	res.UnitsPublished++
	res.FilesMoved += stats.FilesMoved
	res.BytesMoved += stats.BytesMoved
	res.FilesRenamed += stats.FilesRenamed
	if stats.NewPartition {
		res.NewPartitions++
	}
	c.opts.Metrics.observeUnit(unit.Kind.String(), stats.FilesMoved, stats.BytesMoved)
}

// cleanup deletes every discovered task directory exactly once. It ignores
// cancellation of ctx so an aborted run still releases its staging space.
func (c *Committer) cleanup(ctx context.Context, dirs []domain.TaskStagingDirectory) []error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, d := range dirs {
		if err := c.fsys.Delete(ctx, d.Path, true); err != nil {
			c.logger.Warn("delete task staging directory failed", "path", d.Path, "error", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", d.Path, err))
		}
	}
	return errs
}

func unitError(unit domain.CommitUnit, err error) error {
	ce := &CommitError{Unit: unit, Err: err}
	var se *publisher.StageError
	if errors.As(err, &se) {
		ce.Stage = se.Stage
	}
	return ce
}
