// Package schema defines bucket schemas and the validator that prepares and checks
// records against them: field types, generated-value strategies, and the prepareInsert /
// prepareUpdate pipelines that produce fully-formed records before a BucketActor ever
// touches its table or indexes.
package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FieldType is the set of value shapes a field may declare.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeNumber  FieldType = "number"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeObject  FieldType = "object"
	FieldTypeArray   FieldType = "array"
	FieldTypeDate    FieldType = "date"
)

// GeneratedStrategy names a value-generation strategy applied at insert time, once,
// for fields whose value is absent from the caller's input.
type GeneratedStrategy string

const (
	GeneratedUUID          GeneratedStrategy = "uuid"
	GeneratedCUID          GeneratedStrategy = "cuid"
	GeneratedAutoincrement GeneratedStrategy = "autoincrement"
	GeneratedTimestamp     GeneratedStrategy = "timestamp"
)

// FieldFormat names a string-shaped format constraint.
type FieldFormat string

const (
	FormatEmail   FieldFormat = "email"
	FormatURL     FieldFormat = "url"
	FormatISODate FieldFormat = "iso-date"
)

// Document is a record body: the user payload merged with system metadata fields.
type Document map[string]any

// FieldDefinition describes one schema field's type and constraints.
type FieldDefinition struct {
	Type      FieldType
	Required  bool
	Default   any
	// DefaultFunc, when non-nil, is called to produce a default value; it takes
	// precedence over Default.
	DefaultFunc func() any
	Generated   GeneratedStrategy
	Unique      bool
	Enum        []any
	Format      FieldFormat
	Min         *float64
	Max         *float64
	MinLength   *int
	MaxLength   *int
	Pattern     string
}

// BucketDefinition is the immutable-after-registration definition of one bucket.
type BucketDefinition struct {
	KeyField   string
	Fields     map[string]*FieldDefinition
	Indexes    []string
	TTL        *time.Duration
	MaxSize    *int
	Persistent bool
}

// HasIndex reports whether field is declared as a secondary index. It does not account
// for implicit unique indexes; callers needing the full set should consult IndexManager.
func (b *BucketDefinition) HasIndex(field string) bool {
	for _, f := range b.Indexes {
		if f == field {
			return true
		}
	}
	return false
}

// ParseTTL parses a TTL value per the external TTL duration format: either a positive
// finite number of milliseconds, or a string matching /^(\d+(?:\.\d+)?)\s*(s|m|h|d)$/.
func ParseTTL(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		if t <= 0 {
			return 0, fmt.Errorf("ttl must be positive")
		}
		return t, nil
	case int:
		return parseTTLMillis(float64(t))
	case int64:
		return parseTTLMillis(float64(t))
	case float64:
		return parseTTLMillis(t)
	case string:
		return parseTTLString(t)
	default:
		return 0, fmt.Errorf("unsupported ttl value type %T", v)
	}
}

func parseTTLMillis(ms float64) (time.Duration, error) {
	if ms <= 0 {
		return 0, fmt.Errorf("ttl must be positive")
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

var ttlStringPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*(s|m|h|d)$`)

var ttlMultipliersMs = map[string]float64{
	"s": 1000,
	"m": 60000,
	"h": 3600000,
	"d": 86400000,
}

func parseTTLString(s string) (time.Duration, error) {
	m := ttlStringPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid ttl string %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl string %q: %w", s, err)
	}
	return parseTTLMillis(n * ttlMultipliersMs[m[2]])
}
