package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/animus-labs/tablecommit/internal/catalog"
	"github.com/animus-labs/tablecommit/internal/committer"
	"github.com/animus-labs/tablecommit/internal/config"
	"github.com/animus-labs/tablecommit/internal/platform/auditlog"
	"github.com/animus-labs/tablecommit/internal/platform/objectstore"
	"github.com/animus-labs/tablecommit/internal/platform/postgres"
	"github.com/animus-labs/tablecommit/internal/policy"
	"github.com/animus-labs/tablecommit/internal/storage/fs"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, logger))
}

func run(ctx context.Context, logger *slog.Logger) int {
	rt, err := config.RuntimeFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		return 2
	}
	job, err := config.LoadJob(rt.JobFile)
	if err != nil {
		logger.Error("invalid job config", "path", rt.JobFile, "error", err)
		return 2
	}
	staticSpec, err := job.StaticSpec()
	if err != nil {
		logger.Error("invalid static partition", "error", err)
		return 2
	}
	stagingRoot, err := job.ResolveStagingRoot()
	if err != nil {
		logger.Error("invalid staging root", "error", err)
		return 2
	}
	runID := uuid.NewString()
	logger = logger.With("run_id", runID, "job_id", job.JobID, "attempt", job.Attempt)

	var fsys fs.FileSystem
	switch rt.FSBackend {
	case config.FSMinio:
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			return 2
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("invalid object store config", "error", err)
			return 2
		}
		if err := objectstore.CheckBucket(ctx, client, storeCfg); err != nil {
			logger.Error("object store unavailable", "error", err)
			return 1
		}
		if fsys, err = fs.NewMinioFS(client, storeCfg.Bucket); err != nil {
			logger.Error("object store unavailable", "error", err)
			return 1
		}
	default:
		fsys = fs.NewLocalFS()
	}

	usesAudit := slices.ContainsFunc(job.Policies, func(name string) bool {
		return strings.EqualFold(strings.TrimSpace(name), policy.KindAudit)
	})
	var db *sql.DB
	if rt.CatalogBackend == config.CatalogPostgres || usesAudit {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			return 2
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			return 1
		}
		defer func() { _ = db.Close() }()
	}

	var catalogs catalog.Factory
	switch rt.CatalogBackend {
	case config.CatalogMemory:
		catalogs = catalog.NewMemoryCatalog()
	default:
		if err := catalog.EnsureSchema(ctx, db); err != nil {
			logger.Error("catalog schema", "error", err)
			return 1
		}
		factory, err := catalog.NewPostgresFactory(db)
		if err != nil {
			logger.Error("catalog unavailable", "error", err)
			return 1
		}
		catalogs = factory
	}

	deps := policy.Deps{
		FS:              fsys,
		SuccessFileName: job.SuccessFileName,
		Actor:           rt.Actor,
		RunID:           runID,
	}
	if usesAudit {
		if err := auditlog.EnsureSchema(ctx, db); err != nil {
			logger.Error("audit schema", "error", err)
			return 1
		}
		deps.AuditDB = db
	}
	policies, err := policy.Build(job.Policies, deps)
	if err != nil {
		logger.Error("invalid commit policies", "error", err)
		return 2
	}

	registry := prometheus.NewRegistry()
	c, err := committer.New(fsys, catalogs, committer.Options{
		Table:             job.TableIdentifier(),
		Location:          job.Location,
		StagingRoot:       stagingRoot,
		Shape:             job.Shape(),
		PartitionKeys:     job.PartitionColumns,
		Mode:              job.WriteMode(),
		StaticSpec:        staticSpec,
		Policies:          policies,
		Parallelism:       job.Parallelism,
		LatestAttemptOnly: job.LatestAttempt,
		Logger:            logger,
		Metrics:           committer.NewMetrics(registry),
	})
	if err != nil {
		logger.Error("invalid commit options", "error", err)
		return 2
	}

	_, commitErr := c.Commit(ctx)
	if rt.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(rt.MetricsTextfile, registry); err != nil {
			logger.Warn("write metrics textfile failed", "path", rt.MetricsTextfile, "error", err)
		}
	}
	if commitErr != nil {
		return 1
	}
	return 0
}
