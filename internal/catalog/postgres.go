package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/tablecommit/internal/domain"
)

// Schema is the DDL of the partition catalog table.
const Schema = `CREATE TABLE IF NOT EXISTS table_partitions (
	catalog_name   TEXT        NOT NULL,
	database_name  TEXT        NOT NULL,
	table_name     TEXT        NOT NULL,
	partition_key  TEXT        NOT NULL,
	partition_spec JSONB       NOT NULL,
	location       TEXT        NOT NULL,
	registrations  BIGINT      NOT NULL DEFAULT 1,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (catalog_name, database_name, table_name, partition_key)
)`

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnsureSchema creates the catalog table when missing.
func EnsureSchema(ctx context.Context, db Execer) error {
	if db == nil {
		return errors.New("database is required")
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure catalog schema: %w", err)
	}
	return nil
}

// PostgresFactory opens catalog sessions pinned to one pooled connection each.
type PostgresFactory struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresFactory(db *sql.DB) (*PostgresFactory, error) {
	if db == nil {
		return nil, errors.New("database is required")
	}
	return &PostgresFactory{db: db, now: time.Now}, nil
}

func (f *PostgresFactory) Open(ctx context.Context) (Client, error) {
	if f == nil || f.db == nil {
		return nil, fmt.Errorf("postgres catalog not initialized")
	}
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire catalog connection: %w", err)
	}
	return &postgresClient{conn: conn, now: f.now}, nil
}

type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

type postgresClient struct {
	conn conn
	now  func() time.Time
}

func (c *postgresClient) PartitionExists(ctx context.Context, table domain.TableIdentifier, spec domain.PartitionSpec) (bool, error) {
	if c.conn == nil {
		return false, ErrClosed
	}
	key, err := partitionKey(spec)
	if err != nil {
		return false, fmt.Errorf("encode partition spec: %w", err)
	}
	var exists bool
	err = c.conn.QueryRowContext(
		ctx,
		`SELECT EXISTS (
			SELECT 1 FROM table_partitions
			WHERE catalog_name = $1 AND database_name = $2 AND table_name = $3 AND partition_key = $4
		)`,
		table.Catalog,
		table.Database,
		table.Table,
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("partition exists: %w", err)
	}
	return exists, nil
}

func (c *postgresClient) CreateOrUpdatePartition(ctx context.Context, table domain.TableIdentifier, spec domain.PartitionSpec, location string) error {
	if c.conn == nil {
		return ErrClosed
	}
	if err := table.Validate(); err != nil {
		return err
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return errors.New("partition location is required")
	}
	key, err := partitionKey(spec)
	if err != nil {
		return fmt.Errorf("encode partition spec: %w", err)
	}
	now := c.now().UTC()
	_, err = c.conn.ExecContext(
		ctx,
		`INSERT INTO table_partitions (
			catalog_name,
			database_name,
			table_name,
			partition_key,
			partition_spec,
			location,
			registrations,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,1,$7,$7)
		ON CONFLICT (catalog_name, database_name, table_name, partition_key)
		DO UPDATE SET
			location = EXCLUDED.location,
			registrations = table_partitions.registrations + 1,
			updated_at = EXCLUDED.updated_at`,
		table.Catalog,
		table.Database,
		table.Table,
		key,
		key,
		location,
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert partition %s: %w", spec, err)
	}
	return nil
}

func (c *postgresClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
