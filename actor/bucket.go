// Package actor implements BucketActor: the single-threaded, sequential owner of one
// bucket's table, validator, indexes, and autoincrement counter. Every request is run
// inside one goroutine's serial work loop so no two operations on a bucket ever
// interleave — per-bucket serializable isolation without locks.
package actor

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hamicek/noex-store-sub003/errs"
	"github.com/hamicek/noex-store-sub003/eventbus"
	"github.com/hamicek/noex-store-sub003/index"
	"github.com/hamicek/noex-store-sub003/schema"
)

// Snapshot is the {records, autoincrementCounter} pair handed to / read from a
// StorageAdapter, and used to rebuild a bucket's table and indexes on restore.
type Snapshot struct {
	Records              []RecordEntry
	AutoincrementCounter int64
}

// RecordEntry is one (key, record) pair in insertion order.
type RecordEntry struct {
	Key    string
	Record schema.Document
}

// Stats reports bucket-level metadata, resolving spec.md's "record count, index count,
// etc." into a concrete set of fields.
type Stats struct {
	RecordCount          int
	IndexCount           int
	AutoincrementCounter int64
	Persistent           bool
	TTLMs                *int64
}

// BucketActor owns one bucket's entire mutable state.
type BucketActor struct {
	name   string
	def    *schema.BucketDefinition
	valid  *schema.Validator
	idx    *index.Manager
	bus    *eventbus.Bus
	logger *zap.Logger

	table   map[string]schema.Document
	order   []string // insertion order, for "set"-style full scans and pagination
	counter int64

	work chan func()
	done chan struct{}
}

// New constructs a BucketActor and starts its work-loop goroutine.
func New(name string, def *schema.BucketDefinition, valid *schema.Validator, idx *index.Manager, bus *eventbus.Bus, logger *zap.Logger) *BucketActor {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &BucketActor{
		name:   name,
		def:    def,
		valid:  valid,
		idx:    idx,
		bus:    bus,
		logger: logger,
		table:  make(map[string]schema.Document),
		work:   make(chan func()),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *BucketActor) loop() {
	for {
		select {
		case fn := <-a.work:
			fn()
		case <-a.done:
			return
		}
	}
}

// Stop terminates the actor's work loop. Pending requests sent after Stop block forever;
// callers must not submit new requests once Stop has been called.
func (a *BucketActor) Stop() {
	close(a.done)
}

// submit runs fn inside the actor's goroutine and blocks until it completes, giving
// every call below the mailbox's sequential-isolation guarantee.
func (a *BucketActor) submit(fn func()) {
	reply := make(chan struct{})
	a.work <- func() {
		fn()
		close(reply)
	}
	<-reply
}

func KeyToString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return fmt.Sprintf("%d", x)
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%v", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Insert runs the exact insert pipeline from spec §4.3: bump the counter unconditionally,
// prepareInsert, TTL attach, maxSize evict, two-phase index write, store, emit.
func (a *BucketActor) Insert(input schema.Document) (schema.Document, error) {
	var result schema.Document
	var err error
	a.submit(func() {
		result, err = a.doInsert(input)
	})
	return result, err
}

func (a *BucketActor) doInsert(input schema.Document) (schema.Document, error) {
	a.counter++

	candidate, verr := a.valid.PrepareInsert(input, a.counter)
	if verr != nil {
		return nil, verr
	}

	keyVal, ok := candidate[a.def.KeyField]
	if !ok || keyVal == nil {
		return nil, errs.NewValidationError(a.name, []errs.Issue{{
			Field: a.def.KeyField, Message: "primary key field is missing", Code: "required",
		}})
	}
	key := KeyToString(keyVal)

	if a.def.TTL != nil {
		if _, has := candidate["_expiresAt"]; !has {
			createdAt, _ := candidate["_createdAt"].(int64)
			candidate["_expiresAt"] = createdAt + a.def.TTL.Milliseconds()
		}
	}

	var evictions []eventbus.Event
	if a.def.MaxSize != nil {
		for len(a.table) >= *a.def.MaxSize && len(a.order) > 0 {
			oldestKey := a.oldestKey()
			if oldestKey == "" {
				break
			}
			evicted := a.table[oldestKey]
			a.idx.RemoveRecord(oldestKey, evicted)
			a.removeFromOrder(oldestKey)
			delete(a.table, oldestKey)
			evictions = append(evictions, eventbus.Event{Bucket: a.name, Type: eventbus.EventDeleted, Key: oldestKey, Record: evicted})
		}
	}

	if err := a.idx.AddRecord(key, candidate); err != nil {
		return nil, err
	}

	a.table[key] = candidate
	a.order = append(a.order, key)

	for _, evt := range evictions {
		a.bus.Publish(evt)
	}
	a.bus.Publish(eventbus.Event{Bucket: a.name, Type: eventbus.EventInserted, Key: key, Record: candidate})

	return candidate, nil
}

func (a *BucketActor) oldestKey() string {
	var oldest string
	var oldestCreated int64 = -1
	for _, k := range a.order {
		rec, ok := a.table[k]
		if !ok {
			continue
		}
		created, _ := rec["_createdAt"].(int64)
		if oldestCreated == -1 || created < oldestCreated {
			oldestCreated = created
			oldest = k
		}
	}
	return oldest
}

func (a *BucketActor) removeFromOrder(key string) {
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

// Get returns a copy of the record stored under key, if present.
func (a *BucketActor) Get(key string) (schema.Document, bool) {
	var rec schema.Document
	var ok bool
	a.submit(func() {
		r, exists := a.table[key]
		if exists {
			rec = cloneDoc(r)
			ok = true
		}
	})
	return rec, ok
}

// Update fails if the key is absent; otherwise prepareUpdate, two-phase index update,
// store, emit.
func (a *BucketActor) Update(key string, changes schema.Document) (schema.Document, error) {
	var result schema.Document
	var err error
	a.submit(func() {
		result, err = a.doUpdate(key, changes)
	})
	return result, err
}

func (a *BucketActor) doUpdate(key string, changes schema.Document) (schema.Document, error) {
	existing, ok := a.table[key]
	if !ok {
		return nil, errs.NewNotFoundError(a.name, key)
	}

	candidate, verr := a.valid.PrepareUpdate(existing, changes)
	if verr != nil {
		return nil, verr
	}

	if err := a.idx.UpdateRecord(key, existing, candidate); err != nil {
		return nil, err
	}

	a.table[key] = candidate
	a.bus.Publish(eventbus.Event{Bucket: a.name, Type: eventbus.EventUpdated, Key: key, OldRecord: existing, NewRecord: candidate})

	return candidate, nil
}

// Delete is idempotent: deleting a missing key is a silent no-op, no event emitted.
func (a *BucketActor) Delete(key string) error {
	a.submit(func() {
		existing, ok := a.table[key]
		if !ok {
			return
		}
		a.idx.RemoveRecord(key, existing)
		delete(a.table, key)
		a.removeFromOrder(key)
		a.bus.Publish(eventbus.Event{Bucket: a.name, Type: eventbus.EventDeleted, Key: key, Record: existing})
	})
	return nil
}

// Clear drops every record, emitting one deleted event per record — the design decision
// recorded for spec.md's "clear: source emits no event" open question, chosen to keep
// reactive consumers coherent.
func (a *BucketActor) Clear() {
	a.submit(func() {
		keys := append([]string(nil), a.order...)
		for _, k := range keys {
			rec := a.table[k]
			a.idx.RemoveRecord(k, rec)
			delete(a.table, k)
			a.bus.Publish(eventbus.Event{Bucket: a.name, Type: eventbus.EventDeleted, Key: k, Record: rec})
		}
		a.order = nil
	})
}

// All returns every record in insertion order.
func (a *BucketActor) All() []schema.Document {
	var out []schema.Document
	a.submit(func() {
		out = make([]schema.Document, 0, len(a.order))
		for _, k := range a.order {
			out = append(out, cloneDoc(a.table[k]))
		}
	})
	return out
}

// Where returns every record matching filter (strict-equality AND of every entry),
// consulting the index for the first matching filter field when one exists.
func (a *BucketActor) Where(filter map[string]any) []schema.Document {
	var out []schema.Document
	a.submit(func() {
		out = a.whereLocked(filter)
	})
	return out
}

func (a *BucketActor) whereLocked(filter map[string]any) []schema.Document {
	candidates := a.candidateKeys(filter)
	out := make([]schema.Document, 0, len(candidates))
	for _, k := range candidates {
		rec, ok := a.table[k]
		if !ok {
			continue
		}
		if MatchFilter(rec, filter) {
			out = append(out, cloneDoc(rec))
		}
	}
	return out
}

// candidateKeys implements the query filter resolution rule: the first filter entry
// (in map iteration order is not guaranteed in Go, so callers relying on exact
// "first indexed field" ordering should pass an ordered field list via WhereOrdered)
// whose field is indexed narrows the candidate set; otherwise every key is a candidate.
func (a *BucketActor) candidateKeys(filter map[string]any) []string {
	for field, val := range filter {
		if a.idx.IsIndexed(field) {
			keys, _ := a.idx.Lookup(field, val)
			return keys
		}
	}
	return append([]string(nil), a.order...)
}

// WhereOrdered is identical to Where but honors a caller-supplied field order when
// choosing which indexed field narrows the scan, for callers (such as the reactive
// query recording context) that need the original filter's field order preserved.
func (a *BucketActor) WhereOrdered(fields []string, filter map[string]any) []schema.Document {
	var out []schema.Document
	a.submit(func() {
		candidates := a.candidateKeysOrdered(fields, filter)
		out = make([]schema.Document, 0, len(candidates))
		for _, k := range candidates {
			rec, ok := a.table[k]
			if !ok {
				continue
			}
			if MatchFilter(rec, filter) {
				out = append(out, cloneDoc(rec))
			}
		}
	})
	return out
}

func (a *BucketActor) candidateKeysOrdered(fields []string, filter map[string]any) []string {
	for _, field := range fields {
		if a.idx.IsIndexed(field) {
			keys, _ := a.idx.Lookup(field, filter[field])
			return keys
		}
	}
	return append([]string(nil), a.order...)
}

// FindOne returns the first record matching filter, if any.
func (a *BucketActor) FindOne(filter map[string]any) (schema.Document, bool) {
	var rec schema.Document
	var ok bool
	a.submit(func() {
		matches := a.whereLocked(filter)
		if len(matches) > 0 {
			rec, ok = matches[0], true
		}
	})
	return rec, ok
}

// Count returns the number of records matching filter (nil/empty filter counts all).
func (a *BucketActor) Count(filter map[string]any) int {
	var n int
	a.submit(func() {
		if len(filter) == 0 {
			n = len(a.table)
			return
		}
		n = len(a.whereLocked(filter))
	})
	return n
}

// First returns the first n records in insertion order.
func (a *BucketActor) First(n int) []schema.Document {
	var out []schema.Document
	a.submit(func() {
		limit := n
		if limit > len(a.order) {
			limit = len(a.order)
		}
		out = make([]schema.Document, 0, limit)
		for i := 0; i < limit; i++ {
			out = append(out, cloneDoc(a.table[a.order[i]]))
		}
	})
	return out
}

// Last returns the last n records in insertion order.
func (a *BucketActor) Last(n int) []schema.Document {
	var out []schema.Document
	a.submit(func() {
		limit := n
		if limit > len(a.order) {
			limit = len(a.order)
		}
		start := len(a.order) - limit
		out = make([]schema.Document, 0, limit)
		for i := start; i < len(a.order); i++ {
			out = append(out, cloneDoc(a.table[a.order[i]]))
		}
	})
	return out
}

// PageResult is the reply to Paginate.
type PageResult struct {
	Records    []schema.Document
	HasMore    bool
	NextCursor string
}

// Paginate implements spec §4.3's cursor pagination: locate the index immediately after
// `after` (or 0 if empty), slice up to limit records, report hasMore / nextCursor.
func (a *BucketActor) Paginate(after string, limit int) PageResult {
	var result PageResult
	a.submit(func() {
		start := 0
		if after != "" {
			for i, k := range a.order {
				if k == after {
					start = i + 1
					break
				}
			}
		}
		if start >= len(a.order) {
			result = PageResult{Records: []schema.Document{}, HasMore: false, NextCursor: ""}
			return
		}
		end := start + limit
		if end > len(a.order) {
			end = len(a.order)
		}
		records := make([]schema.Document, 0, end-start)
		for i := start; i < end; i++ {
			records = append(records, cloneDoc(a.table[a.order[i]]))
		}
		result = PageResult{
			Records:    records,
			HasMore:    end < len(a.order),
			NextCursor: "",
		}
		if len(records) > 0 {
			result.NextCursor = a.order[end-1]
		}
	})
	return result
}

// Sum/Avg/Min/Max: iterate records (narrowed by filter via index if possible), ignoring
// non-numeric values. Empty input returns 0 for sum/avg, false for min/max.

func (a *BucketActor) Sum(field string, filter map[string]any) float64 {
	var total float64
	a.submit(func() {
		for _, rec := range a.filteredRecords(filter) {
			if n, ok := numericField(rec, field); ok {
				total += n
			}
		}
	})
	return total
}

func (a *BucketActor) Avg(field string, filter map[string]any) float64 {
	var total float64
	var count int
	a.submit(func() {
		for _, rec := range a.filteredRecords(filter) {
			if n, ok := numericField(rec, field); ok {
				total += n
				count++
			}
		}
	})
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

func (a *BucketActor) Min(field string, filter map[string]any) (float64, bool) {
	var min float64
	found := false
	a.submit(func() {
		for _, rec := range a.filteredRecords(filter) {
			if n, ok := numericField(rec, field); ok {
				if !found || n < min {
					min = n
					found = true
				}
			}
		}
	})
	return min, found
}

func (a *BucketActor) Max(field string, filter map[string]any) (float64, bool) {
	var max float64
	found := false
	a.submit(func() {
		for _, rec := range a.filteredRecords(filter) {
			if n, ok := numericField(rec, field); ok {
				if !found || n > max {
					max = n
					found = true
				}
			}
		}
	})
	return max, found
}

func (a *BucketActor) filteredRecords(filter map[string]any) []schema.Document {
	if len(filter) == 0 {
		out := make([]schema.Document, 0, len(a.order))
		for _, k := range a.order {
			out = append(out, a.table[k])
		}
		return out
	}
	return a.whereLocked(filter)
}

func numericField(rec schema.Document, field string) (float64, bool) {
	val, ok := rec[field]
	if !ok {
		return 0, false
	}
	switch x := val.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// PurgeExpired deletes every record whose _expiresAt has passed, emitting one deleted
// event per purge, and returns the number purged.
func (a *BucketActor) PurgeExpired(now time.Time) int {
	var purged int
	a.submit(func() {
		nowMs := now.UnixMilli()
		var toPurge []string
		for _, k := range a.order {
			rec := a.table[k]
			if exp, ok := toI64(rec["_expiresAt"]); ok && exp <= nowMs {
				toPurge = append(toPurge, k)
			}
		}
		for _, k := range toPurge {
			rec := a.table[k]
			a.idx.RemoveRecord(k, rec)
			delete(a.table, k)
			a.removeFromOrder(k)
			a.bus.Publish(eventbus.Event{Bucket: a.name, Type: eventbus.EventDeleted, Key: k, Record: rec})
			purged++
		}
	})
	return purged
}

// GetSnapshot returns {records, autoincrementCounter} for persistence.
func (a *BucketActor) GetSnapshot() Snapshot {
	var snap Snapshot
	a.submit(func() {
		snap.AutoincrementCounter = a.counter
		snap.Records = make([]RecordEntry, 0, len(a.order))
		for _, k := range a.order {
			snap.Records = append(snap.Records, RecordEntry{Key: k, Record: cloneDoc(a.table[k])})
		}
	})
	return snap
}

// Restore rebuilds the table, order, indexes, and counter from a snapshot. Used at
// startup when StorePersistence finds a previously-saved snapshot for this bucket.
func (a *BucketActor) Restore(snap Snapshot) error {
	var err error
	a.submit(func() {
		a.table = make(map[string]schema.Document, len(snap.Records))
		a.order = make([]string, 0, len(snap.Records))
		recs := make(map[string]map[string]any, len(snap.Records))
		for _, e := range snap.Records {
			a.table[e.Key] = e.Record
			a.order = append(a.order, e.Key)
			recs[e.Key] = e.Record
		}
		a.counter = snap.AutoincrementCounter
		err = a.idx.Rebuild(recs, a.order)
	})
	return err
}

// GetStats reports bucket metadata.
func (a *BucketActor) GetStats() Stats {
	var s Stats
	a.submit(func() {
		s = Stats{
			RecordCount:          len(a.table),
			IndexCount:           len(a.idx.IndexedFields()),
			AutoincrementCounter: a.counter,
			Persistent:           a.def.Persistent,
		}
		if a.def.TTL != nil {
			ms := a.def.TTL.Milliseconds()
			s.TTLMs = &ms
		}
	})
	return s
}

// GetAutoincrementCounter returns the bucket's current counter value, used by the
// TransactionCoordinator to preview keys for staged inserts without committing them.
func (a *BucketActor) GetAutoincrementCounter() int64 {
	var c int64
	a.submit(func() {
		c = a.counter
	})
	return c
}

// Name returns the bucket's name.
func (a *BucketActor) Name() string { return a.name }

// Definition returns the bucket's immutable definition.
func (a *BucketActor) Definition() *schema.BucketDefinition { return a.def }

// Validator exposes the bucket's validator so the TransactionCoordinator can run the same
// local validation the direct-write path uses before staging a write into a WriteBuffer.
func (a *BucketActor) Validator() *schema.Validator { return a.valid }

// cloneDoc returns a shallow copy of doc so callers can't mutate actor-owned state.
func cloneDoc(doc schema.Document) schema.Document {
	out := make(schema.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// MatchFilter reports whether every entry in filter matches record under strict
// equality (same type and value, after numeric normalization).
func MatchFilter(record map[string]any, filter map[string]any) bool {
	for field, want := range filter {
		got, ok := record[field]
		if !ok {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	af, aok := toComparableNumber(a)
	bf, bok := toComparableNumber(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toComparableNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}

// sortedKeys is retained for ordered_set-style buckets per spec §9's open question on
// iteration order; the default requested is insertion order ("set"), which is what
// every read method above uses. SortedKeys is provided for callers that explicitly want
// the alternative.
func (a *BucketActor) SortedKeys() []string {
	var out []string
	a.submit(func() {
		out = append([]string(nil), a.order...)
		sort.Strings(out)
	})
	return out
}
