package staging

import (
	"fmt"
	"strings"

	"github.com/animus-labs/tablecommit/internal/domain"
)

var escapedChars = func() [128]bool {
	var set [128]bool
	for c := 0x01; c <= 0x1F; c++ {
		set[c] = true
	}
	for _, c := range "\"#%'*/:=?\\\x7F{[]^" {
		set[c] = true
	}
	return set
}()

// EscapePathName encodes s so it can be used as one key or value inside a
// key=value directory segment.
func EscapePathName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 128 && escapedChars[c] {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// UnescapePathName reverses EscapePathName. A '%' not followed by two hex
// digits is kept literally.
func UnescapePathName(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' && i+2 < len(s) {
			hi, okHi := unhex(s[i+1])
			lo, okLo := unhex(s[i+2])
			if okHi && okLo {
				b.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// GeneratePartitionPath renders spec as escaped key=value segments joined by
// '/'. An empty spec yields "".
func GeneratePartitionPath(spec domain.PartitionSpec) string {
	fields := spec.Fields()
	segments := make([]string, len(fields))
	for i, f := range fields {
		segments[i] = EscapePathName(f.Key) + "=" + EscapePathName(f.Value)
	}
	return strings.Join(segments, "/")
}

// ParsePartitionSegment decodes one key=value directory name.
func ParsePartitionSegment(name string) (domain.PartitionField, bool) {
	idx := strings.IndexByte(name, '=')
	if idx <= 0 {
		return domain.PartitionField{}, false
	}
	return domain.PartitionField{
		Key:   UnescapePathName(name[:idx]),
		Value: UnescapePathName(name[idx+1:]),
	}, true
}

// ExtractPartitionSpec decodes every segment of a relative partition path.
func ExtractPartitionSpec(rel string) (domain.PartitionSpec, error) {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return domain.PartitionSpec{}, nil
	}
	segments := strings.Split(rel, "/")
	fields := make([]domain.PartitionField, 0, len(segments))
	for _, seg := range segments {
		field, ok := ParsePartitionSegment(seg)
		if !ok {
			return domain.PartitionSpec{}, fmt.Errorf("segment %q: %w", seg, ErrMalformedSegment)
		}
		fields = append(fields, field)
	}
	return domain.NewPartitionSpec(fields...)
}
