// Package config loads the description of one commit run: a YAML job file
// plus TABLECOMMIT_* environment overrides.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/tablecommit/internal/domain"
	"github.com/animus-labs/tablecommit/internal/platform/env"
	"github.com/animus-labs/tablecommit/internal/staging"
)

const JobSchemaV1 = "tablecommit.job.v1"

// Job is the job file. The table location is a path on the configured file
// system backend (an object key prefix for MinIO).
type Job struct {
	Schema           string          `yaml:"schema"`
	JobID            string          `yaml:"job_id"`
	Attempt          int             `yaml:"attempt"`
	Table            string          `yaml:"table"`
	Location         string          `yaml:"location"`
	StagingRoot      string          `yaml:"staging_root,omitempty"`
	Mode             string          `yaml:"mode"`
	PartitionColumns []string        `yaml:"partition_columns,omitempty"`
	StaticPartition  StaticPartition `yaml:"static_partition,omitempty"`
	Policies         []string        `yaml:"policies,omitempty"`
	SuccessFileName  string          `yaml:"success_file_name,omitempty"`
	Parallelism      int             `yaml:"parallelism,omitempty"`
	LatestAttempt    bool            `yaml:"latest_attempt_only,omitempty"`
}

// StaticPartition keeps the key order of the YAML mapping it was decoded from.
// A key with no value (country:) is present but unspecified.
type StaticPartition []domain.PartitionField

func (s *StaticPartition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*s = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: static_partition must be a mapping", node.Line)
	}
	out := make(StaticPartition, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: static_partition.%s must be a scalar", v.Line, k.Value)
		}
		value := v.Value
		if v.Tag == "!!null" {
			value = ""
		}
		out = append(out, domain.PartitionField{Key: k.Value, Value: value})
	}
	*s = out
	return nil
}

// ParseJob decodes and validates a job file.
func ParseJob(input []byte) (Job, error) {
	var job Job
	dec := yaml.NewDecoder(bytes.NewReader(input))
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if err := job.applyEnv(); err != nil {
		return Job{}, err
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// LoadJob reads the job file at path.
func LoadJob(path string) (Job, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Job{}, fmt.Errorf("read job file: %w", err)
	}
	return ParseJob(raw)
}

// applyEnv lets the scheduler override the per-attempt fields without
// rewriting the job file.
func (j *Job) applyEnv() error {
	var err error
	if j.Attempt, err = env.Int("TABLECOMMIT_JOB_ATTEMPT", j.Attempt); err != nil {
		return err
	}
	if j.Parallelism, err = env.Int("TABLECOMMIT_PARALLELISM", j.Parallelism); err != nil {
		return err
	}
	j.Mode = env.String("TABLECOMMIT_WRITE_MODE", j.Mode)
	j.Policies = env.List("TABLECOMMIT_POLICIES", j.Policies)
	return nil
}

func (j Job) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(j.Schema) != JobSchemaV1 {
		verr.Add(fmt.Sprintf("schema must be %q", JobSchemaV1))
	}
	if strings.TrimSpace(j.JobID) == "" {
		verr.Add("job_id is required")
	} else if j.Attempt >= 0 {
		if _, err := j.ResolveStagingRoot(); err != nil {
			verr.Add(fmt.Sprintf("staging root: %v", err))
		}
	}
	if j.Attempt < 0 {
		verr.Add("attempt must be >= 0")
	}
	if _, err := domain.ParseTableIdentifier(j.Table); err != nil {
		verr.Add(fmt.Sprintf("table: %v", err))
	}
	if strings.TrimSpace(j.Location) == "" {
		verr.Add("location is required")
	}
	if _, err := domain.ParseWriteMode(j.Mode); err != nil {
		verr.Add(fmt.Sprintf("mode: %v", err))
	}
	if j.Parallelism < 0 {
		verr.Add("parallelism must be >= 0")
	}

	columns := make(map[string]int, len(j.PartitionColumns))
	for i, c := range j.PartitionColumns {
		if strings.TrimSpace(c) == "" {
			verr.Add(fmt.Sprintf("partition_columns[%d] is required", i))
			continue
		}
		if _, dup := columns[c]; dup {
			verr.Add(fmt.Sprintf("partition_columns[%d] duplicates %q", i, c))
			continue
		}
		columns[c] = i
	}
	last := -1
	for _, f := range j.StaticPartition {
		pos, ok := columns[f.Key]
		if !ok {
			verr.Add(fmt.Sprintf("static_partition.%s is not a partition column", f.Key))
			continue
		}
		if pos <= last {
			verr.Add(fmt.Sprintf("static_partition.%s is out of partition column order", f.Key))
		}
		last = pos
	}
	return verr.OrNil()
}

// TableIdentifier parses Table; call after Validate.
func (j Job) TableIdentifier() domain.TableIdentifier {
	id, _ := domain.ParseTableIdentifier(j.Table)
	return id
}

func (j Job) WriteMode() domain.WriteMode {
	m, _ := domain.ParseWriteMode(j.Mode)
	return m
}

func (j Job) Shape() domain.TableShape {
	if len(j.PartitionColumns) == 0 {
		return domain.NonPartitioned()
	}
	return domain.Partitioned(len(j.PartitionColumns))
}

func (j Job) StaticSpec() (domain.PartitionSpec, error) {
	return domain.NewPartitionSpec(j.StaticPartition...)
}

// ResolveStagingRoot returns staging_root, or the attempt-scoped hidden
// directory under the table location when it is not set.
func (j Job) ResolveStagingRoot() (string, error) {
	if root := strings.TrimSpace(j.StagingRoot); root != "" {
		return root, nil
	}
	return staging.AttemptRoot(j.Location, j.JobID, j.Attempt)
}
