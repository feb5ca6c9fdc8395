package catalog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/tablecommit/internal/domain"
)

// MemoryCatalog is an in-process catalog. It is safe for concurrent use.
type MemoryCatalog struct {
	mu         sync.Mutex
	partitions map[string]*Partition
	order      []string
	open       int
	now        func() time.Time
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		partitions: make(map[string]*Partition),
		now:        time.Now,
	}
}

func (m *MemoryCatalog) Open(ctx context.Context) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.open++
	m.mu.Unlock()
	return &memoryClient{catalog: m}, nil
}

// OpenClients is the number of clients opened and not yet closed.
func (m *MemoryCatalog) OpenClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Lookup returns the registered partition for spec.
func (m *MemoryCatalog) Lookup(table domain.TableIdentifier, spec domain.PartitionSpec) (Partition, bool) {
	key, err := memoryKey(table, spec)
	if err != nil {
		return Partition{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[key]
	if !ok {
		return Partition{}, false
	}
	return *p, true
}

// Partitions lists a table's partitions in first-registration order.
func (m *MemoryCatalog) Partitions(table domain.TableIdentifier) []Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Partition, 0)
	for _, key := range m.order {
		p := m.partitions[key]
		if p.Table == table {
			out = append(out, *p)
		}
	}
	return out
}

func memoryKey(table domain.TableIdentifier, spec domain.PartitionSpec) (string, error) {
	key, err := partitionKey(spec)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{table.String(), key}, "\x00"), nil
}

type memoryClient struct {
	catalog *MemoryCatalog
	closed  bool
}

func (c *memoryClient) PartitionExists(ctx context.Context, table domain.TableIdentifier, spec domain.PartitionSpec) (bool, error) {
	if c.closed {
		return false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, ok := c.catalog.Lookup(table, spec)
	return ok, nil
}

func (c *memoryClient) CreateOrUpdatePartition(ctx context.Context, table domain.TableIdentifier, spec domain.PartitionSpec, location string) error {
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(location) == "" {
		return errors.New("partition location is required")
	}
	key, err := memoryKey(table, spec)
	if err != nil {
		return err
	}

	m := c.catalog
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if p, ok := m.partitions[key]; ok {
		p.Location = location
		p.Registrations++
		p.UpdatedAt = now
		return nil
	}
	m.partitions[key] = &Partition{
		Table:         table,
		Spec:          spec,
		Location:      location,
		Registrations: 1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.order = append(m.order, key)
	return nil
}

func (c *memoryClient) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.catalog.mu.Lock()
	c.catalog.open--
	c.catalog.mu.Unlock()
	return nil
}
