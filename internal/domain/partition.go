package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PartitionField is one partition column and its value.
type PartitionField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PartitionSpec is an ordered, immutable list of partition column values.
// Field order follows the table's declared partition columns and determines
// the on-disk nesting col1=v1/col2=v2/...
type PartitionSpec struct {
	fields []PartitionField
}

// NewPartitionSpec builds a spec from fields in declaration order. Keys must be
// non-empty and unique.
func NewPartitionSpec(fields ...PartitionField) (PartitionSpec, error) {
	seen := make(map[string]struct{}, len(fields))
	out := make([]PartitionField, 0, len(fields))
	for i, f := range fields {
		if f.Key == "" {
			return PartitionSpec{}, fmt.Errorf("partition field[%d] key is required", i)
		}
		if _, ok := seen[f.Key]; ok {
			return PartitionSpec{}, fmt.Errorf("duplicate partition key %q", f.Key)
		}
		seen[f.Key] = struct{}{}
		out = append(out, f)
	}
	return PartitionSpec{fields: out}, nil
}

func (s PartitionSpec) Len() int {
	return len(s.fields)
}

func (s PartitionSpec) IsEmpty() bool {
	return len(s.fields) == 0
}

// Fields returns a copy of the ordered fields.
func (s PartitionSpec) Fields() []PartitionField {
	out := make([]PartitionField, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s PartitionSpec) Keys() []string {
	keys := make([]string, len(s.fields))
	for i, f := range s.fields {
		keys[i] = f.Key
	}
	return keys
}

func (s PartitionSpec) Get(key string) (string, bool) {
	for _, f := range s.fields {
		if f.Key == key {
			return f.Value, true
		}
	}
	return "", false
}

// With returns a new spec with key=value appended.
func (s PartitionSpec) With(key, value string) (PartitionSpec, error) {
	fields := append(s.Fields(), PartitionField{Key: key, Value: value})
	return NewPartitionSpec(fields...)
}

// Equal reports whether both specs hold the same key/value pairs in the same order.
func (s PartitionSpec) Equal(other PartitionSpec) bool {
	if len(s.fields) != len(other.fields) {
		return false
	}
	for i := range s.fields {
		if s.fields[i] != other.fields[i] {
			return false
		}
	}
	return true
}

// Key is a comparable identity for use in maps. Two specs have the same Key iff
// they are Equal.
func (s PartitionSpec) Key() string {
	var b strings.Builder
	for _, f := range s.fields {
		b.WriteString(f.Key)
		b.WriteByte(0)
		b.WriteString(f.Value)
		b.WriteByte(0)
	}
	return b.String()
}

// String renders the spec unescaped, for logs and error messages.
func (s PartitionSpec) String() string {
	if len(s.fields) == 0 {
		return "<unpartitioned>"
	}
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Key + "=" + f.Value
	}
	return strings.Join(parts, "/")
}

func (s PartitionSpec) MarshalJSON() ([]byte, error) {
	fields := s.fields
	if fields == nil {
		fields = []PartitionField{}
	}
	return json.Marshal(fields)
}

func (s *PartitionSpec) UnmarshalJSON(raw []byte) error {
	var fields []PartitionField
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	spec, err := NewPartitionSpec(fields...)
	if err != nil {
		return err
	}
	*s = spec
	return nil
}

// TableIdentifier names a table in the metadata catalog.
type TableIdentifier struct {
	Catalog  string
	Database string
	Table    string
}

// ParseTableIdentifier parses "catalog.database.table".
func ParseTableIdentifier(raw string) (TableIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 3 {
		return TableIdentifier{}, fmt.Errorf("table identifier %q must be catalog.database.table", raw)
	}
	id := TableIdentifier{
		Catalog:  strings.TrimSpace(parts[0]),
		Database: strings.TrimSpace(parts[1]),
		Table:    strings.TrimSpace(parts[2]),
	}
	if err := id.Validate(); err != nil {
		return TableIdentifier{}, err
	}
	return id, nil
}

func (t TableIdentifier) Validate() error {
	if t.Catalog == "" {
		return errors.New("catalog name is required")
	}
	if t.Database == "" {
		return errors.New("database name is required")
	}
	if t.Table == "" {
		return errors.New("table name is required")
	}
	return nil
}

func (t TableIdentifier) String() string {
	return t.Catalog + "." + t.Database + "." + t.Table
}
