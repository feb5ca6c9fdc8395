package committer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/animus-labs/tablecommit/internal/catalog"
	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/policy"
	"github.com/animus-labs/tablecommit/internal/publisher"
	"github.com/animus-labs/tablecommit/internal/staging"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

var testTable = domain.TableIdentifier{Catalog: "hive", Database: "sales", Table: "orders"}

type env struct {
	ctx      context.Context
	local    *fs.LocalFS
	location string
	root     string
	catalog  *catalog.MemoryCatalog
}

func newEnv(t *testing.T) *env {
	t.Helper()
	location := filepath.ToSlash(t.TempDir()) + "/orders"
	root, err := staging.AttemptRoot(location, "job", 0)
	if err != nil {
		t.Fatalf("AttemptRoot() err=%v", err)
	}
	return &env{
		ctx:      context.Background(),
		local:    fs.NewLocalFS(),
		location: location,
		root:     root,
		catalog:  catalog.NewMemoryCatalog(),
	}
}

func (e *env) write(t *testing.T, rel, body string) {
	t.Helper()
	if err := e.local.WriteFile(e.ctx, e.location+"/"+rel, []byte(body)); err != nil {
		t.Fatalf("WriteFile(%s) err=%v", rel, err)
	}
}

// stage writes files relative to the attempt staging root.
func (e *env) stage(t *testing.T, files ...string) {
	t.Helper()
	for _, f := range files {
		if err := e.local.WriteFile(e.ctx, e.root+"/"+f, []byte(f)); err != nil {
			t.Fatalf("WriteFile(%s) err=%v", f, err)
		}
	}
}

func (e *env) committer(t *testing.T, fsys fs.FileSystem, mutate func(*Options)) *Committer {
	t.Helper()
	opts := Options{
		Table:       testTable,
		Location:    e.location,
		StagingRoot: e.root,
		Shape:       domain.NonPartitioned(),
		Mode:        domain.WriteModeAppend,
	}
	if mutate != nil {
		mutate(&opts)
	}
	if fsys == nil {
		fsys = e.local
	}
	c, err := New(fsys, e.catalog, opts)
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return c
}

func (e *env) visible(t *testing.T, rel string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.FromSlash(e.location + "/" + rel))
	if err != nil {
		t.Fatalf("ReadDir(%s) err=%v", rel, err)
	}
	var names []string
	for _, entry := range entries {
		if !fs.IsHidden(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}

func (e *env) taskDirsLeft(t *testing.T) []domain.TaskStagingDirectory {
	t.Helper()
	dirs, err := staging.ListTaskStagingDirectories(e.ctx, e.local, e.root)
	if err != nil {
		t.Fatalf("ListTaskStagingDirectories() err=%v", err)
	}
	return dirs
}

func mustSpec(t *testing.T, kv ...string) domain.PartitionSpec {
	t.Helper()
	fields := make([]domain.PartitionField, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, domain.PartitionField{Key: kv[i], Value: kv[i+1]})
	}
	spec, err := domain.NewPartitionSpec(fields...)
	if err != nil {
		t.Fatalf("NewPartitionSpec() err=%v", err)
	}
	return spec
}

func sameNames(got []string, want ...string) bool {
	return strings.Join(got, ",") == strings.Join(want, ",")
}

func TestCommitNonPartitionedAppend(t *testing.T) {
	e := newEnv(t)
	e.write(t, "c.dat", "existing")
	e.stage(t, "task-0-attempt-0/a.dat", "task-1-attempt-0/b.dat")

	res, err := e.committer(t, nil, nil).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if got := e.visible(t, ""); !sameNames(got, "a.dat", "b.dat", "c.dat") {
		t.Fatalf("target=%v", got)
	}
	if left := e.taskDirsLeft(t); len(left) != 0 {
		t.Fatalf("staging dirs left=%v", left)
	}
	if res.StagingDirs != 2 || res.UnitsPublished != 1 || res.FilesMoved != 2 {
		t.Fatalf("Result=%+v", res)
	}
	if len(e.catalog.Partitions(testTable)) != 0 {
		t.Fatalf("non-partitioned commit registered partitions")
	}
}

func TestCommitPartitionedOverwrite(t *testing.T) {
	e := newEnv(t)
	e.write(t, "country=US/old.dat", "old")
	e.stage(t, "task-0-attempt-0/country=US/x.dat", "task-1-attempt-0/country=FR/y.dat")

	res, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.Mode = domain.WriteModeOverwrite
	}).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if got := e.visible(t, "country=US"); !sameNames(got, "x.dat") {
		t.Fatalf("country=US=%v", got)
	}
	if got := e.visible(t, "country=FR"); !sameNames(got, "y.dat") {
		t.Fatalf("country=FR=%v", got)
	}
	for _, c := range []string{"US", "FR"} {
		if _, ok := e.catalog.Lookup(testTable, mustSpec(t, "country", c)); !ok {
			t.Fatalf("catalog entry for country=%s missing", c)
		}
	}
	if res.UnitsPublished != 2 || res.NewPartitions != 2 {
		t.Fatalf("Result=%+v", res)
	}
	if e.catalog.OpenClients() != 0 {
		t.Fatalf("catalog client not released")
	}
}

func TestCommitEmptyStaticPartition(t *testing.T) {
	e := newEnv(t)
	res, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.StaticSpec = mustSpec(t, "country", "DE")
	}).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if _, ok := e.catalog.Lookup(testTable, mustSpec(t, "country", "DE")); !ok {
		t.Fatalf("catalog entry for country=DE missing")
	}
	if st, err := e.local.Stat(e.ctx, e.location+"/country=DE"); err != nil || !st.IsDir {
		t.Fatalf("country=DE directory missing: %+v %v", st, err)
	}
	if res.StagingDirs != 0 || res.UnitsPublished != 1 {
		t.Fatalf("Result=%+v", res)
	}
}

func TestCommitUnspecifiedStaticPartitionCommitsNothing(t *testing.T) {
	e := newEnv(t)
	res, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.StaticSpec = mustSpec(t, "country", "")
	}).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if parts := e.catalog.Partitions(testTable); len(parts) != 0 {
		t.Fatalf("Partitions()=%+v, want none", parts)
	}
	if exists, _ := fs.Exists(e.ctx, e.local, e.location); exists {
		t.Fatalf("table location created for an empty commit")
	}
	if res.UnitsPublished != 0 {
		t.Fatalf("Result=%+v", res)
	}
}

func TestCommitPartialStaticSpecNotExpanded(t *testing.T) {
	e := newEnv(t)
	_, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(2)
		o.StaticSpec = mustSpec(t, "country", "DE")
	}).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if parts := e.catalog.Partitions(testTable); len(parts) != 0 {
		t.Fatalf("Partitions()=%+v, want none", parts)
	}
}

func TestCommitOverwriteIsIdempotent(t *testing.T) {
	e := newEnv(t)
	run := func() {
		e.stage(t, "task-0-attempt-0/country=US/x.dat", "task-1-attempt-0/country=US/z.dat")
		_, err := e.committer(t, nil, func(o *Options) {
			o.Shape = domain.Partitioned(1)
			o.Mode = domain.WriteModeOverwrite
		}).Commit(e.ctx)
		if err != nil {
			t.Fatalf("Commit() err=%v", err)
		}
	}
	run()
	first := e.visible(t, "country=US")
	run()
	if second := e.visible(t, "country=US"); !sameNames(second, first...) || !sameNames(second, "x.dat", "z.dat") {
		t.Fatalf("after retry=%v, first=%v", second, first)
	}
	if p, _ := e.catalog.Lookup(testTable, mustSpec(t, "country", "US")); p.Registrations != 2 {
		t.Fatalf("Registrations=%d, want 2", p.Registrations)
	}
}

func TestCommitSegmentMismatchMovesNothing(t *testing.T) {
	e := newEnv(t)
	e.stage(t, "task-0-attempt-0/country=US/x.dat", "task-1-attempt-0/y.dat")

	_, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(1)
	}).Commit(e.ctx)
	if !errors.Is(err, staging.ErrSegmentMismatch) {
		t.Fatalf("Commit() err=%v, want ErrSegmentMismatch", err)
	}
	if exists, _ := fs.Exists(e.ctx, e.local, e.location+"/country=US"); exists {
		t.Fatalf("files moved despite grouping failure")
	}
	if len(e.catalog.Partitions(testTable)) != 0 {
		t.Fatalf("catalog updated despite grouping failure")
	}
	if left := e.taskDirsLeft(t); len(left) != 0 {
		t.Fatalf("staging dirs left=%v", left)
	}
}

type countingFS struct {
	*fs.LocalFS
	mu      sync.Mutex
	deletes map[string]int
	fail    func(p string) error
}

func (c *countingFS) Delete(ctx context.Context, p string, recursive bool) error {
	c.mu.Lock()
	if c.deletes == nil {
		c.deletes = make(map[string]int)
	}
	c.deletes[p]++
	c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(p); err != nil {
			return err
		}
	}
	return c.LocalFS.Delete(ctx, p, recursive)
}

type brokenFactory struct{}

func (brokenFactory) Open(ctx context.Context) (catalog.Client, error) {
	return nil, errors.New("metastore unreachable")
}

func TestCommitCleanupRunsOnceOnFailure(t *testing.T) {
	e := newEnv(t)
	e.stage(t, "task-0-attempt-0/country=US/x.dat", "task-1-attempt-0/country=FR/y.dat")
	counting := &countingFS{LocalFS: e.local}
	c, err := New(counting, brokenFactory{}, Options{
		Table:       testTable,
		Location:    e.location,
		StagingRoot: e.root,
		Shape:       domain.Partitioned(1),
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	_, err = c.Commit(e.ctx)
	var ce *CommitError
	if !errors.As(err, &ce) || ce.Stage != publisher.StageCatalog {
		t.Fatalf("Commit() err=%v, want catalog CommitError", err)
	}
	if !ce.Unit.Spec.Equal(mustSpec(t, "country", "US")) || ce.Unit.Kind != domain.UnitPartition {
		t.Fatalf("CommitError unit=%s", ce.Unit)
	}
	for _, name := range []string{"task-0-attempt-0", "task-1-attempt-0"} {
		if n := counting.deletes[e.root+"/"+name]; n != 1 {
			t.Fatalf("deletes(%s)=%d, want 1", name, n)
		}
	}
}

func TestCommitCleanupFailureIsNotFatal(t *testing.T) {
	e := newEnv(t)
	e.stage(t, "task-0-attempt-0/a.dat", "task-1-attempt-0/b.dat")
	counting := &countingFS{LocalFS: e.local, fail: func(p string) error {
		if strings.HasPrefix(p, e.root) {
			return errors.New("permission denied")
		}
		return nil
	}}

	res, err := e.committer(t, counting, nil).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v, want success despite cleanup failure", err)
	}
	if len(res.CleanupErrors) != 2 {
		t.Fatalf("CleanupErrors=%v, want 2", res.CleanupErrors)
	}
	if got := e.visible(t, ""); !sameNames(got, "a.dat", "b.dat") {
		t.Fatalf("target=%v", got)
	}
}

func TestCommitPolicyFailureNamesUnit(t *testing.T) {
	e := newEnv(t)
	e.stage(t, "task-0-attempt-0/country=US/x.dat")
	failing := policy.Func("marker", func(ctx context.Context, a domain.CommitPolicyAction) error {
		return errors.New("marker write failed")
	})

	_, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.Policies = []policy.Policy{failing}
	}).Commit(e.ctx)
	var ce *CommitError
	if !errors.As(err, &ce) || ce.Stage != publisher.StagePolicy {
		t.Fatalf("Commit() err=%v, want policy CommitError", err)
	}
	if !strings.Contains(err.Error(), "country=US") {
		t.Fatalf("error %q does not name the partition", err)
	}
	if _, ok := e.catalog.Lookup(testTable, mustSpec(t, "country", "US")); !ok {
		t.Fatalf("catalog entry missing although the hook runs after registration")
	}
}

func TestCommitMissingStagingRoot(t *testing.T) {
	e := newEnv(t)
	res, err := e.committer(t, nil, nil).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if res.StagingDirs != 0 || res.FilesMoved != 0 || res.UnitsPublished != 1 {
		t.Fatalf("Result=%+v", res)
	}
}

type unreadableFS struct {
	*fs.LocalFS
}

func (unreadableFS) List(ctx context.Context, dir string) ([]fs.FileStatus, error) {
	return nil, errors.New("input/output error")
}

func TestCommitDiscoveryErrorIsFatal(t *testing.T) {
	e := newEnv(t)
	_, err := e.committer(t, unreadableFS{LocalFS: e.local}, nil).Commit(e.ctx)
	var de *staging.DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("Commit() err=%v, want DiscoveryError", err)
	}
}

func TestCommitLatestAttemptOnly(t *testing.T) {
	e := newEnv(t)
	e.stage(t,
		"task-0-attempt-0/stale.dat",
		"task-0-attempt-1/fresh.dat",
		"task-1-attempt-0/other.dat",
	)
	res, err := e.committer(t, nil, func(o *Options) {
		o.LatestAttemptOnly = true
	}).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if got := e.visible(t, ""); !sameNames(got, "fresh.dat", "other.dat") {
		t.Fatalf("target=%v", got)
	}
	if res.StagingDirs != 3 {
		t.Fatalf("StagingDirs=%d, want 3", res.StagingDirs)
	}
	if left := e.taskDirsLeft(t); len(left) != 0 {
		t.Fatalf("staging dirs left=%v", left)
	}
}

func TestCommitParallelPublishesEveryPartition(t *testing.T) {
	e := newEnv(t)
	countries := []string{"US", "FR", "DE", "JP", "BR"}
	for i, c := range countries {
		e.stage(t, fmt.Sprintf("task-%d-attempt-0/country=%s/part-%d.dat", i, c, i))
	}
	reg := prometheus.NewRegistry()
	res, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.Parallelism = 3
		o.Metrics = NewMetrics(reg)
	}).Commit(e.ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if res.UnitsPublished != len(countries) || res.FilesMoved != len(countries) {
		t.Fatalf("Result=%+v", res)
	}
	for i, c := range countries {
		if got := e.visible(t, "country="+c); !sameNames(got, fmt.Sprintf("part-%d.dat", i)) {
			t.Fatalf("country=%s=%v", c, got)
		}
	}
	if len(e.catalog.Partitions(testTable)) != len(countries) {
		t.Fatalf("catalog partitions=%d, want %d", len(e.catalog.Partitions(testTable)), len(countries))
	}
	if e.catalog.OpenClients() != 0 {
		t.Fatalf("OpenClients()=%d after parallel commit", e.catalog.OpenClients())
	}
}

// cancelAfterMoveFS cancels the run's context once the first file has moved.
type cancelAfterMoveFS struct {
	*fs.LocalFS
	cancel context.CancelFunc
	once   sync.Once
}

func (f *cancelAfterMoveFS) Move(ctx context.Context, src, dst string) error {
	err := f.LocalFS.Move(ctx, src, dst)
	f.once.Do(f.cancel)
	return err
}

func TestCommitCancelledMidPublishCompletesPartition(t *testing.T) {
	e := newEnv(t)
	e.write(t, "country=US/old.dat", "old")
	e.stage(t, "task-0-attempt-0/country=US/a.dat", "task-1-attempt-0/country=US/b.dat")
	ctx, cancel := context.WithCancel(e.ctx)
	defer cancel()

	c := e.committer(t, &cancelAfterMoveFS{LocalFS: e.local, cancel: cancel}, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.Mode = domain.WriteModeOverwrite
	})
	res, err := c.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() err=%v, want publish to finish after cancellation", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("context was never cancelled")
	}
	if got := e.visible(t, "country=US"); !sameNames(got, "a.dat", "b.dat") {
		t.Fatalf("country=US=%v, want a.dat,b.dat", got)
	}
	if _, ok := e.catalog.Lookup(testTable, mustSpec(t, "country", "US")); !ok {
		t.Fatalf("catalog entry for country=US missing")
	}
	if res.FilesMoved != 2 || len(res.CleanupErrors) != 0 {
		t.Fatalf("Result=%+v", res)
	}
	if left := e.taskDirsLeft(t); len(left) != 0 {
		t.Fatalf("staging dirs left=%v", left)
	}
}

// partitionMoveFS fails every move into one partition directory.
type partitionMoveFS struct {
	*countingFS
	failDir string
}

func (f *partitionMoveFS) Move(ctx context.Context, src, dst string) error {
	if strings.Contains(dst, "/"+f.failDir+"/") {
		return errors.New("disk quota exceeded")
	}
	return f.LocalFS.Move(ctx, src, dst)
}

func TestCommitParallelFailureLeavesNoHalfMovedPartition(t *testing.T) {
	e := newEnv(t)
	countries := []string{"US", "FR", "DE", "JP", "BR", "IT"}
	for _, c := range countries {
		e.stage(t, "task-0-attempt-0/country="+c+"/a.dat", "task-1-attempt-0/country="+c+"/b.dat")
	}
	counting := &countingFS{LocalFS: e.local}
	fsys := &partitionMoveFS{countingFS: counting, failDir: "country=DE"}

	_, err := e.committer(t, fsys, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.Parallelism = 2
	}).Commit(e.ctx)
	var ce *CommitError
	if !errors.As(err, &ce) || ce.Stage != publisher.StageMove {
		t.Fatalf("Commit() err=%v, want move CommitError", err)
	}
	if !ce.Unit.Spec.Equal(mustSpec(t, "country", "DE")) {
		t.Fatalf("CommitError unit=%s, want country=DE", ce.Unit)
	}
	for _, c := range countries {
		if c == "DE" {
			continue
		}
		exists, err := fs.Exists(e.ctx, e.local, e.location+"/country="+c)
		if err != nil {
			t.Fatalf("Exists(country=%s) err=%v", c, err)
		}
		if !exists {
			continue
		}
		if got := e.visible(t, "country="+c); !sameNames(got, "a.dat", "b.dat") {
			t.Fatalf("country=%s=%v, want untouched or complete", c, got)
		}
	}
	for _, name := range []string{"task-0-attempt-0", "task-1-attempt-0"} {
		if n := counting.deletes[e.root+"/"+name]; n != 1 {
			t.Fatalf("deletes(%s)=%d, want 1", name, n)
		}
	}
	if e.catalog.OpenClients() != 0 {
		t.Fatalf("OpenClients()=%d after failed parallel commit", e.catalog.OpenClients())
	}
}

func TestCommitRejectsUndeclaredPartitionKeys(t *testing.T) {
	e := newEnv(t)
	e.stage(t, "task-0-attempt-0/region=EU/x.dat")

	_, err := e.committer(t, nil, func(o *Options) {
		o.Shape = domain.Partitioned(1)
		o.PartitionKeys = []string{"country"}
	}).Commit(e.ctx)
	if !errors.Is(err, staging.ErrInconsistentKeys) {
		t.Fatalf("Commit() err=%v, want ErrInconsistentKeys", err)
	}
	if exists, _ := fs.Exists(e.ctx, e.local, e.location+"/region=EU"); exists {
		t.Fatalf("files moved despite undeclared partition key")
	}
	if len(e.catalog.Partitions(testTable)) != 0 {
		t.Fatalf("catalog updated despite undeclared partition key")
	}
}

func TestCommitMetrics(t *testing.T) {
	e := newEnv(t)
	e.stage(t, "task-0-attempt-0/a.dat", "task-0-attempt-0/b.dat")
	m := NewMetrics(prometheus.NewRegistry())

	if _, err := e.committer(t, nil, func(o *Options) { o.Metrics = m }).Commit(e.ctx); err != nil {
		t.Fatalf("Commit() err=%v", err)
	}
	if got := testutil.ToFloat64(m.filesMoved); got != 2 {
		t.Fatalf("files_moved_total=%v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("success")); got != 1 {
		t.Fatalf("runs_total{success}=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.unitsTotal.WithLabelValues("non-partitioned")); got != 1 {
		t.Fatalf("units_published_total=%v, want 1", got)
	}
}

func TestOptionsValidate(t *testing.T) {
	base := Options{Table: testTable, Location: "/w/orders", StagingRoot: "/w/orders/.staging_j_0", Shape: domain.Partitioned(1)}
	if err := base.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	tooWide := base
	tooWide.StaticSpec = mustSpec(t, "a", "1", "b", "2")
	if err := tooWide.Validate(); err == nil {
		t.Fatalf("Validate() expected error for static spec wider than table")
	}
	noRoot := base
	noRoot.StagingRoot = ""
	if err := noRoot.Validate(); err == nil {
		t.Fatalf("Validate() expected error for missing staging root")
	}
	keys := base
	keys.PartitionKeys = []string{"country", "city"}
	if err := keys.Validate(); err == nil {
		t.Fatalf("Validate() expected error for partition keys wider than table")
	}
}
