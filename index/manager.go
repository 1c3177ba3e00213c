// Package index implements per-bucket secondary indexes: unique (value -> single key)
// and non-unique (value -> set of keys), with two-phase validate-then-write semantics
// so a conflicting batch never leaves a partially-updated index behind.
package index

import (
	"github.com/hamicek/noex-store-sub003/errs"
)

// Manager owns every secondary index for one bucket.
type Manager struct {
	bucket string

	// unique maps field -> value -> primary key.
	unique map[string]map[any]string
	// nonUnique maps field -> value -> set of primary keys.
	nonUnique map[string]map[any]map[string]struct{}
}

// New constructs a Manager for bucket. uniqueFields and indexFields are disjoint-or-
// overlapping field-name sets: a field present in both becomes a unique index (unique
// wins) — a field declared in `indexes` but marked `unique` in the schema still becomes
// a Unique index.
func New(bucket string, uniqueFields, indexFields []string) *Manager {
	m := &Manager{
		bucket:    bucket,
		unique:    make(map[string]map[any]string),
		nonUnique: make(map[string]map[any]map[string]struct{}),
	}
	uniqueSet := make(map[string]bool, len(uniqueFields))
	for _, f := range uniqueFields {
		uniqueSet[f] = true
		m.unique[f] = make(map[any]string)
	}
	for _, f := range indexFields {
		if uniqueSet[f] {
			continue
		}
		m.nonUnique[f] = make(map[any]map[string]struct{})
	}
	return m
}

// UniqueFields returns every field carrying a unique index.
func (m *Manager) UniqueFields() []string {
	fields := make([]string, 0, len(m.unique))
	for f := range m.unique {
		fields = append(fields, f)
	}
	return fields
}

// IndexedFields returns every field carrying an index, unique or not.
func (m *Manager) IndexedFields() []string {
	fields := make([]string, 0, len(m.unique)+len(m.nonUnique))
	for f := range m.unique {
		fields = append(fields, f)
	}
	for f := range m.nonUnique {
		fields = append(fields, f)
	}
	return fields
}

// IsIndexed reports whether field carries any index.
func (m *Manager) IsIndexed(field string) bool {
	if _, ok := m.unique[field]; ok {
		return true
	}
	_, ok := m.nonUnique[field]
	return ok
}

// ValidateInsert performs index phase 1 for an insert without mutating any index:
// fails with UniqueConstraintError if any unique-indexed, non-null field value in
// record is already owned by a different key.
func (m *Manager) ValidateInsert(key string, record map[string]any) error {
	for field, values := range m.unique {
		val, ok := record[field]
		if !ok || val == nil {
			continue
		}
		if owner, exists := values[normalize(val)]; exists && owner != key {
			return errs.NewUniqueConstraintError(m.bucket, field, val)
		}
	}
	return nil
}

// AddRecord performs the two-phase index write for a new record: ValidateInsert, then
// insert every present non-null indexed field's mapping.
func (m *Manager) AddRecord(key string, record map[string]any) error {
	if err := m.ValidateInsert(key, record); err != nil {
		return err
	}
	for field, values := range m.unique {
		if val, ok := record[field]; ok && val != nil {
			values[normalize(val)] = key
		}
	}
	for field, values := range m.nonUnique {
		if val, ok := record[field]; ok && val != nil {
			set, exists := values[normalize(val)]
			if !exists {
				set = make(map[string]struct{})
				values[normalize(val)] = set
			}
			set[key] = struct{}{}
		}
	}
	return nil
}

// RemoveRecord drops key from every index it currently appears in. Empty value-sets are
// garbage-collected.
func (m *Manager) RemoveRecord(key string, record map[string]any) {
	for field, values := range m.unique {
		if val, ok := record[field]; ok && val != nil {
			n := normalize(val)
			if values[n] == key {
				delete(values, n)
			}
		}
	}
	for field, values := range m.nonUnique {
		if val, ok := record[field]; ok && val != nil {
			n := normalize(val)
			if set, exists := values[n]; exists {
				delete(set, key)
				if len(set) == 0 {
					delete(values, n)
				}
			}
		}
	}
}

// ValidateUpdate performs phase 1 for an update without mutating any index: for every
// unique index whose field value changed and whose new value is non-null, fails if
// another key already owns the new value.
func (m *Manager) ValidateUpdate(key string, oldRecord, newRecord map[string]any) error {
	for field, values := range m.unique {
		oldVal, newVal := oldRecord[field], newRecord[field]
		if equalValues(oldVal, newVal) {
			continue
		}
		if newVal == nil {
			continue
		}
		if owner, exists := values[normalize(newVal)]; exists && owner != key {
			return errs.NewUniqueConstraintError(m.bucket, field, newVal)
		}
	}
	return nil
}

// UpdateRecord performs the two-phase index write for an update: ValidateUpdate, then
// for every index whose field value changed, remove the old mapping and add the new.
func (m *Manager) UpdateRecord(key string, oldRecord, newRecord map[string]any) error {
	if err := m.ValidateUpdate(key, oldRecord, newRecord); err != nil {
		return err
	}
	for field, values := range m.unique {
		oldVal, newVal := oldRecord[field], newRecord[field]
		if equalValues(oldVal, newVal) {
			continue
		}
		if oldVal != nil {
			n := normalize(oldVal)
			if values[n] == key {
				delete(values, n)
			}
		}
		if newVal != nil {
			values[normalize(newVal)] = key
		}
	}
	for field, values := range m.nonUnique {
		oldVal, newVal := oldRecord[field], newRecord[field]
		if equalValues(oldVal, newVal) {
			continue
		}
		if oldVal != nil {
			n := normalize(oldVal)
			if set, exists := values[n]; exists {
				delete(set, key)
				if len(set) == 0 {
					delete(values, n)
				}
			}
		}
		if newVal != nil {
			n := normalize(newVal)
			set, exists := values[n]
			if !exists {
				set = make(map[string]struct{})
				values[n] = set
			}
			set[key] = struct{}{}
		}
	}
	return nil
}

// Lookup returns the primary keys currently mapped to value for field. ok is false
// when field is not indexed at all (caller should fall back to a full scan); when ok is
// true the slice is empty for a null value or an as-yet-unseen value, a singleton for a
// unique index, or the full matching set for a non-unique index.
func (m *Manager) Lookup(field string, value any) (keys []string, ok bool) {
	if values, exists := m.unique[field]; exists {
		if key, found := values[normalize(value)]; found {
			return []string{key}, true
		}
		return []string{}, true
	}
	if values, exists := m.nonUnique[field]; exists {
		set, found := values[normalize(value)]
		if !found {
			return []string{}, true
		}
		keys = make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		return keys, true
	}
	return nil, false
}

// Rebuild discards all index content and re-derives it from scratch by replaying
// AddRecord for every record in order. Used to verify index integrity (spec §8.1's
// rebuild-from-scratch invariant) and to restore indexes after a snapshot load.
func (m *Manager) Rebuild(records map[string]map[string]any, order []string) error {
	for f := range m.unique {
		m.unique[f] = make(map[any]string)
	}
	for f := range m.nonUnique {
		m.nonUnique[f] = make(map[any]map[string]struct{})
	}
	for _, key := range order {
		if err := m.AddRecord(key, records[key]); err != nil {
			return err
		}
	}
	return nil
}

// normalize maps equal-but-differently-typed numeric values (e.g. int 1 vs float64 1)
// onto a single comparable representation so index lookups are not sensitive to the
// Go numeric type a caller happened to supply.
func normalize(val any) any {
	switch v := val.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}

func equalValues(a, b any) bool {
	return normalize(a) == normalize(b)
}
