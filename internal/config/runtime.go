package config

import (
	"fmt"
	"strings"

	"github.com/animus-labs/tablecommit/internal/platform/env"
)

const (
	FSLocal = "local"
	FSMinio = "minio"

	CatalogPostgres = "postgres"
	CatalogMemory   = "memory"
)

// Runtime selects backends for the committer binary. Backend connection
// settings live in platform/postgres and platform/objectstore.
type Runtime struct {
	JobFile         string
	FSBackend       string
	CatalogBackend  string
	MetricsTextfile string
	Actor           string
}

func RuntimeFromEnv() (Runtime, error) {
	cfg := Runtime{
		JobFile:         strings.TrimSpace(env.String("TABLECOMMIT_JOB_FILE", "")),
		FSBackend:       strings.ToLower(strings.TrimSpace(env.String("TABLECOMMIT_FS_BACKEND", FSLocal))),
		CatalogBackend:  strings.ToLower(strings.TrimSpace(env.String("TABLECOMMIT_CATALOG_BACKEND", CatalogPostgres))),
		MetricsTextfile: strings.TrimSpace(env.String("TABLECOMMIT_METRICS_TEXTFILE", "")),
		Actor:           strings.TrimSpace(env.String("TABLECOMMIT_ACTOR", "tablecommit")),
	}
	if err := cfg.Validate(); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

func (r Runtime) Validate() error {
	verr := &ValidationError{}
	if r.JobFile == "" {
		verr.Add("TABLECOMMIT_JOB_FILE is required")
	}
	switch r.FSBackend {
	case FSLocal, FSMinio:
	default:
		verr.Add(fmt.Sprintf("TABLECOMMIT_FS_BACKEND unsupported: %q", r.FSBackend))
	}
	switch r.CatalogBackend {
	case CatalogPostgres, CatalogMemory:
	default:
		verr.Add(fmt.Sprintf("TABLECOMMIT_CATALOG_BACKEND unsupported: %q", r.CatalogBackend))
	}
	if r.Actor == "" {
		verr.Add("TABLECOMMIT_ACTOR must not be blank")
	}
	return verr.OrNil()
}
