// Package publisher moves one commit unit's staged files into their final
// directory, registers the partition with the catalog and runs the commit
// policies. A Publisher serves a single commit run, or a single partition
// when partitions are published concurrently, and must be closed afterwards.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/tablecommit/internal/catalog"
	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/policy"
	"github.com/animus-labs/tablecommit/internal/staging"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

// maxCollisionRenames bounds the _copy_<n> attempts for one file.
const maxCollisionRenames = 10000

// Stage names the step of a publish that failed.
type Stage string

const (
	StageMove    Stage = "move"
	StageCatalog Stage = "catalog"
	StagePolicy  Stage = "policy"
)

// StageError wraps the failure of one publish step.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Options fix the per-run choices of a Publisher.
type Options struct {
	Table    domain.TableIdentifier
	Location string
	Mode     domain.WriteMode
	Policies []policy.Policy
	Logger   *slog.Logger
}

// Stats describes what one Load call did.
type Stats struct {
	Path         string
	FilesMoved   int
	BytesMoved   int64
	FilesRenamed int
	FilesCleared int
	NewPartition bool
}

// Publisher moves the files of one commit unit into place and registers it.
type Publisher struct {
	fsys     fs.FileSystem
	catalogs catalog.Factory
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	client catalog.Client
}

// New returns a Publisher whose catalog client is opened on first use.
func New(fsys fs.FileSystem, catalogs catalog.Factory, opts Options) (*Publisher, error) {
	if fsys == nil {
		return nil, errors.New("file system is required")
	}
	if catalogs == nil {
		return nil, errors.New("catalog factory is required")
	}
	if err := opts.Table.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opts.Location) == "" {
		return nil, errors.New("table location is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{
		fsys:     fsys,
		catalogs: catalogs,
		opts:     opts,
		logger:   logger.With("table", opts.Table.String(), "mode", opts.Mode.String()),
		now:      time.Now,
	}, nil
}

// Close releases the catalog client acquired during the run, if any.
func (p *Publisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	if err != nil {
		return fmt.Errorf("close catalog client: %w", err)
	}
	return nil
}

// PartitionLocation is where spec's files are published.
func (p *Publisher) PartitionLocation(spec domain.PartitionSpec) string {
	return path.Join(p.opts.Location, staging.GeneratePartitionPath(spec))
}

// LoadNonPartition publishes files into the table location. The catalog is
// not involved; policies see a nil spec.
func (p *Publisher) LoadNonPartition(ctx context.Context, files []domain.StagedFile) (Stats, error) {
	stats, err := p.overwriteAndMove(ctx, files, p.opts.Location)
	if err != nil {
		return stats, &StageError{Stage: StageMove, Err: err}
	}
	if err := p.runPolicies(ctx, nil, stats); err != nil {
		return stats, err
	}
	p.logger.Info("table published", "path", stats.Path, "files", stats.FilesMoved, "renamed", stats.FilesRenamed, "cleared", stats.FilesCleared)
	return stats, nil
}

// LoadPartition publishes files as partition spec, then registers it and runs
// the policies.
func (p *Publisher) LoadPartition(ctx context.Context, spec domain.PartitionSpec, files []domain.StagedFile) (Stats, error) {
	if spec.IsEmpty() {
		return Stats{}, errors.New("partition spec is required")
	}
	stats, err := p.overwriteAndMove(ctx, files, p.PartitionLocation(spec))
	if err != nil {
		return stats, &StageError{Stage: StageMove, Err: err}
	}
	if stats.NewPartition, err = p.register(ctx, spec, stats.Path); err != nil {
		return stats, &StageError{Stage: StageCatalog, Err: err}
	}
	if err := p.runPolicies(ctx, &spec, stats); err != nil {
		return stats, err
	}
	p.logger.Info("partition published",
		"partition", spec.String(),
		"path", stats.Path,
		"files", stats.FilesMoved,
		"renamed", stats.FilesRenamed,
		"cleared", stats.FilesCleared,
		"new_partition", stats.NewPartition,
	)
	return stats, nil
}

// LoadEmptyPartition makes a statically targeted partition visible although
// no task produced data for it.
func (p *Publisher) LoadEmptyPartition(ctx context.Context, spec domain.PartitionSpec) (Stats, error) {
	return p.LoadPartition(ctx, spec, nil)
}

func (p *Publisher) register(ctx context.Context, spec domain.PartitionSpec, location string) (bool, error) {
	if p.client == nil {
		client, err := p.catalogs.Open(ctx)
		if err != nil {
			return false, err
		}
		p.client = client
	}
	exists, err := p.client.PartitionExists(ctx, p.opts.Table, spec)
	if err != nil {
		return false, err
	}
	// Registration runs even for known partitions so the catalog can refresh
	// what it tracks about them.
	if err := p.client.CreateOrUpdatePartition(ctx, p.opts.Table, spec, location); err != nil {
		return false, err
	}
	return !exists, nil
}

func (p *Publisher) runPolicies(ctx context.Context, spec *domain.PartitionSpec, stats Stats) error {
	action := domain.CommitPolicyAction{
		Table:       p.opts.Table,
		Spec:        spec,
		Path:        stats.Path,
		Mode:        p.opts.Mode,
		FilesMoved:  stats.FilesMoved,
		CommittedAt: p.now().UTC(),
	}
	for _, pol := range p.opts.Policies {
		if err := pol.OnCommit(ctx, action); err != nil {
			return &StageError{Stage: StagePolicy, Err: fmt.Errorf("policy %s: %w", pol.Name(), err)}
		}
	}
	return nil
}

func (p *Publisher) overwriteAndMove(ctx context.Context, files []domain.StagedFile, dest string) (Stats, error) {
	stats := Stats{Path: dest}
	if err := p.fsys.MkdirAll(ctx, dest); err != nil {
		return stats, fmt.Errorf("create %s: %w", dest, err)
	}
	if p.opts.Mode == domain.WriteModeOverwrite {
		existing, err := fs.ListVisible(ctx, p.fsys, dest)
		if err != nil {
			return stats, fmt.Errorf("list %s: %w", dest, err)
		}
		for _, entry := range existing {
			if err := p.fsys.Delete(ctx, entry.Path, true); err != nil {
				return stats, fmt.Errorf("clear %s: %w", entry.Path, err)
			}
			stats.FilesCleared++
		}
	}
	for _, f := range files {
		renamed, err := p.moveFile(ctx, f, dest)
		if err != nil {
			return stats, err
		}
		stats.FilesMoved++
		stats.BytesMoved += f.SizeBytes
		if renamed {
			stats.FilesRenamed++
		}
	}
	return stats, nil
}

// moveFile never replaces an existing destination: on collision it tries
// <stem>_copy_<n><ext> until a free name is found.
func (p *Publisher) moveFile(ctx context.Context, f domain.StagedFile, dest string) (bool, error) {
	name := f.Name
	if name == "" {
		name = path.Base(f.Path)
	}
	target := path.Join(dest, name)
	for n := 1; ; n++ {
		err := p.fsys.Move(ctx, f.Path, target)
		if err == nil {
			return n > 1, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("move %s: %w", f.Path, err)
		}
		if n > maxCollisionRenames {
			return false, fmt.Errorf("move %s: no free name in %s after %d attempts", f.Path, dest, n)
		}
		target = path.Join(dest, CollisionName(name, n))
	}
}

// CollisionName is the n-th alternative name for a file whose name is taken.
func CollisionName(name string, n int) string {
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	return fmt.Sprintf("%s_copy_%d%s", stem, n, ext)
}
