// Package catalog is the metadata catalog the commit protocol registers
// partitions with. Implementations are atomic per partition; nothing spans
// more than one partition.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/animus-labs/tablecommit/internal/domain"
)

// ErrClosed is returned by a Client used after Close.
var ErrClosed = errors.New("catalog client closed")

// Partition is one registered partition.
type Partition struct {
	Table         domain.TableIdentifier
	Spec          domain.PartitionSpec
	Location      string
	Registrations int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Client is a scoped catalog session. Close releases the connection it holds.
type Client interface {
	PartitionExists(ctx context.Context, table domain.TableIdentifier, spec domain.PartitionSpec) (bool, error)
	CreateOrUpdatePartition(ctx context.Context, table domain.TableIdentifier, spec domain.PartitionSpec, location string) error
	Close() error
}

// Factory opens catalog sessions. The publisher opens one per commit run, or
// one per concurrent publish.
type Factory interface {
	Open(ctx context.Context) (Client, error)
}

// partitionKey is the canonical identity of spec within a table.
func partitionKey(spec domain.PartitionSpec) (string, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
