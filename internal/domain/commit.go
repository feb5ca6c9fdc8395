package domain

import (
	"fmt"
	"strings"
	"time"
)

// WriteMode selects how published files interact with existing target content.
type WriteMode int

const (
	WriteModeAppend WriteMode = iota
	WriteModeOverwrite
)

func ParseWriteMode(raw string) (WriteMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "append":
		return WriteModeAppend, nil
	case "overwrite":
		return WriteModeOverwrite, nil
	default:
		return WriteModeAppend, fmt.Errorf("unsupported write mode %q", raw)
	}
}

func (m WriteMode) String() string {
	if m == WriteModeOverwrite {
		return "overwrite"
	}
	return "append"
}

// TableShape is resolved once per run: zero partition columns means a
// non-partitioned table.
type TableShape struct {
	PartitionColumns int
}

func NonPartitioned() TableShape {
	return TableShape{}
}

func Partitioned(columns int) TableShape {
	return TableShape{PartitionColumns: columns}
}

func (s TableShape) IsPartitioned() bool {
	return s.PartitionColumns > 0
}

func (s TableShape) String() string {
	if !s.IsPartitioned() {
		return "non-partitioned"
	}
	return fmt.Sprintf("partitioned(%d)", s.PartitionColumns)
}

// TaskStagingDirectory is the private output directory of one task attempt.
type TaskStagingDirectory struct {
	Path      string
	TaskIndex int
	Attempt   int
}

// StagedFile is a file produced by a task attempt and not yet visible.
type StagedFile struct {
	Path      string
	Name      string
	SizeBytes int64
	TaskDir   string
	Spec      PartitionSpec
}

// CommitUnitKind tags what a CommitUnit carries.
type CommitUnitKind int

const (
	UnitNonPartitioned CommitUnitKind = iota
	UnitPartition
	UnitEmptyPartition
)

func (k CommitUnitKind) String() string {
	switch k {
	case UnitPartition:
		return "partition"
	case UnitEmptyPartition:
		return "empty-partition"
	default:
		return "non-partitioned"
	}
}

// CommitUnit is what the publisher acts on in one step.
type CommitUnit struct {
	Kind  CommitUnitKind
	Spec  PartitionSpec
	Files []StagedFile
}

func (u CommitUnit) String() string {
	if u.Kind == UnitNonPartitioned {
		return fmt.Sprintf("%s (%d files)", u.Kind, len(u.Files))
	}
	return fmt.Sprintf("%s %s (%d files)", u.Kind, u.Spec, len(u.Files))
}

// CommitPolicyAction is passed to every commit policy once a unit is durably
// published. Spec is nil for non-partitioned tables.
type CommitPolicyAction struct {
	Table       TableIdentifier
	Spec        *PartitionSpec
	Path        string
	Mode        WriteMode
	FilesMoved  int
	CommittedAt time.Time
}
