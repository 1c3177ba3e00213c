package txn

import (
	"github.com/hamicek/noex-store-sub003/actor"
	"github.com/hamicek/noex-store-sub003/errs"
	"github.com/hamicek/noex-store-sub003/schema"
)

// BucketHandle is the transactional view of one bucket handed to a transaction block:
// writes are validated locally and staged into the WriteBuffer (no index/table change
// yet); reads are applied against the layered overlay (deletes hide, inserts/updates
// patch, everything else forwards to the live BucketActor).
type BucketHandle struct {
	name string
	wb   *writeBuffer
}

// Insert validates input locally against the bucket's schema and stages it; the
// optimistically-staged record is returned immediately, matching the live-insert return
// shape. The actual commit (and any conflict it may yet hit) happens at transaction end.
func (h *BucketHandle) Insert(input schema.Document) (schema.Document, error) {
	h.wb.counter++
	candidate, err := h.wb.bucketActor.Validator().PrepareInsert(input, h.wb.counter)
	if err != nil {
		return nil, err
	}
	keyVal, ok := candidate[h.wb.bucketActor.Definition().KeyField]
	if !ok || keyVal == nil {
		return nil, errs.NewValidationError(h.name, []errs.Issue{{
			Field: h.wb.bucketActor.Definition().KeyField, Message: "primary key field is missing", Code: "required",
		}})
	}
	key := keyString(keyVal)
	h.wb.inserts[key] = candidate
	delete(h.wb.deletes, key)
	return cloneDoc(candidate), nil
}

// Update stages a local validation + merge of changes over the overlay's current view of
// key; it fails with errs.NotFoundError if the overlay has no record under key.
func (h *BucketHandle) Update(key string, changes schema.Document) (schema.Document, error) {
	existing, version, ok := h.overlayGetWithVersion(key)
	if !ok {
		return nil, errs.NewNotFoundError(h.name, key)
	}
	candidate, err := h.wb.bucketActor.Validator().PrepareUpdate(existing, changes)
	if err != nil {
		return nil, err
	}
	if _, staged := h.wb.inserts[key]; staged {
		h.wb.inserts[key] = candidate
	} else {
		h.wb.updates[key] = versionedRecord{record: candidate, version: version}
	}
	delete(h.wb.deletes, key)
	return cloneDoc(candidate), nil
}

// Delete stages a deletion. Deleting a record staged as an insert within the same
// transaction simply withdraws the insert; deleting a live record stages a version-
// checked delete for commit time.
func (h *BucketHandle) Delete(key string) error {
	if _, staged := h.wb.inserts[key]; staged {
		delete(h.wb.inserts, key)
		return nil
	}
	_, version, ok := h.overlayGetWithVersion(key)
	if !ok {
		return nil
	}
	delete(h.wb.updates, key)
	h.wb.deletes[key] = version
	return nil
}

// Get applies the overlay: deleted -> not found; staged insert/update -> staged record;
// otherwise forwards to the live BucketActor.
func (h *BucketHandle) Get(key string) (schema.Document, bool) {
	rec, _, ok := h.overlayGetWithVersion(key)
	if !ok {
		return nil, false
	}
	return cloneDoc(rec), true
}

func (h *BucketHandle) overlayGetWithVersion(key string) (schema.Document, int64, bool) {
	if _, deleted := h.wb.deletes[key]; deleted {
		return nil, 0, false
	}
	if rec, ok := h.wb.inserts[key]; ok {
		v, _ := toI64FromDoc(rec)
		return rec, v, true
	}
	if vr, ok := h.wb.updates[key]; ok {
		return vr.record, vr.version, true
	}
	rec, ok := h.wb.bucketActor.Get(key)
	if !ok {
		return nil, 0, false
	}
	v, _ := toI64FromDoc(rec)
	return rec, v, true
}

// All returns every overlay-visible record: live records minus deletes, patched by
// updates, plus staged inserts.
func (h *BucketHandle) All() []schema.Document {
	return h.Where(nil)
}

// Where applies filter against the overlay view, as All does against the unfiltered view.
func (h *BucketHandle) Where(filter map[string]any) []schema.Document {
	live := h.wb.bucketActor.All()
	seen := make(map[string]bool, len(live))
	out := make([]schema.Document, 0, len(live))

	for _, rec := range live {
		key := keyString(rec[h.wb.bucketActor.Definition().KeyField])
		seen[key] = true
		if _, deleted := h.wb.deletes[key]; deleted {
			continue
		}
		candidate := rec
		if vr, ok := h.wb.updates[key]; ok {
			candidate = vr.record
		}
		if len(filter) == 0 || actor.MatchFilter(candidate, filter) {
			out = append(out, cloneDoc(candidate))
		}
	}
	for key, rec := range h.wb.inserts {
		if seen[key] {
			continue
		}
		if len(filter) == 0 || actor.MatchFilter(rec, filter) {
			out = append(out, cloneDoc(rec))
		}
	}
	return out
}

// FindOne returns the first overlay-visible record matching filter.
func (h *BucketHandle) FindOne(filter map[string]any) (schema.Document, bool) {
	matches := h.Where(filter)
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// Count returns the number of overlay-visible records matching filter.
func (h *BucketHandle) Count(filter map[string]any) int {
	return len(h.Where(filter))
}

func keyString(v any) string {
	return actor.KeyToString(v)
}

func toI64FromDoc(rec schema.Document) (int64, bool) {
	switch x := rec["_version"].(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func cloneDoc(doc schema.Document) schema.Document {
	out := make(schema.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
