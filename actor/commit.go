package actor

import (
	"github.com/hamicek/noex-store-sub003/errs"
	"github.com/hamicek/noex-store-sub003/eventbus"
	"github.com/hamicek/noex-store-sub003/schema"
)

// OpKind names one staged write operation inside a transaction batch.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// BatchOp is one operation staged by a TransactionCoordinator's WriteBuffer, ready to be
// pre-validated and applied atomically against this bucket. Record carries the fully
// prepared candidate (already run through the validator at staging time) for insert and
// update; ExpectedVersion carries the _version the transaction observed when it read the
// record, for update and delete.
type BatchOp struct {
	Kind               OpKind
	Key                string
	Record             schema.Document
	ExpectedVersion    int64
	HasExpectedVersion bool
}

// UndoKind names the inverse of one applied BatchOp, replayed by RollbackBatch.
type UndoKind string

const (
	UndoInsert UndoKind = "undoInsert" // delete-by-key
	UndoUpdate UndoKind = "undoUpdate" // restore old record
	UndoDelete UndoKind = "undoDelete" // reinsert old record
)

// UndoOp is one inverse operation recorded while applying a committed batch.
type UndoOp struct {
	Kind      UndoKind
	Key       string
	OldRecord schema.Document
}

// CommitBatch performs two-phase commit at the batch level: phase 1 pre-validates every
// operation without mutating any state (unique-constraint checks across the whole
// batch, expected-version match for updates/deletes, absence of key for inserts); on any
// failure the bucket is left untouched and a *errs.TransactionConflictError is returned.
// Phase 2 applies every operation, recording an undo entry per op, and returns the
// events to publish (publication is the coordinator's responsibility, so all buckets in
// a transaction succeed before anything becomes visible).
func (a *BucketActor) CommitBatch(ops []BatchOp) ([]eventbus.Event, []UndoOp, error) {
	var events []eventbus.Event
	var undo []UndoOp
	var err error
	a.submit(func() {
		events, undo, err = a.doCommitBatch(ops)
	})
	return events, undo, err
}

func (a *BucketActor) doCommitBatch(ops []BatchOp) ([]eventbus.Event, []UndoOp, error) {
	claimed := make(map[string]map[any]string)
	uniqueFields := a.idx.UniqueFields()

	claim := func(key string, record schema.Document) error {
		for _, field := range uniqueFields {
			val, ok := record[field]
			if !ok || val == nil {
				continue
			}
			nv := normKey(val)
			bucket := claimed[field]
			if bucket == nil {
				bucket = make(map[any]string)
				claimed[field] = bucket
			}
			if owner, exists := bucket[nv]; exists && owner != key {
				return errs.NewTransactionConflictError(a.name, key, field)
			}
			if keys, indexed := a.idx.Lookup(field, val); indexed {
				for _, k := range keys {
					if k != key {
						return errs.NewTransactionConflictError(a.name, key, field)
					}
				}
			}
			bucket[nv] = key
		}
		return nil
	}

	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			if _, exists := a.table[op.Key]; exists {
				return nil, nil, errs.NewTransactionConflictError(a.name, op.Key, "")
			}
			if err := claim(op.Key, op.Record); err != nil {
				return nil, nil, err
			}
		case OpUpdate:
			existing, exists := a.table[op.Key]
			if !exists {
				return nil, nil, errs.NewTransactionConflictError(a.name, op.Key, "")
			}
			if op.HasExpectedVersion {
				v, _ := toI64(existing["_version"])
				if v != op.ExpectedVersion {
					return nil, nil, errs.NewTransactionConflictError(a.name, op.Key, "_version")
				}
			}
			if err := claim(op.Key, op.Record); err != nil {
				return nil, nil, err
			}
		case OpDelete:
			existing, exists := a.table[op.Key]
			if !exists {
				return nil, nil, errs.NewTransactionConflictError(a.name, op.Key, "")
			}
			if op.HasExpectedVersion {
				v, _ := toI64(existing["_version"])
				if v != op.ExpectedVersion {
					return nil, nil, errs.NewTransactionConflictError(a.name, op.Key, "_version")
				}
			}
		}
	}

	var events []eventbus.Event
	var undo []UndoOp

	for _, op := range ops {
		switch op.Kind {
		case OpInsert:
			candidate := op.Record
			if a.def.TTL != nil {
				if _, has := candidate["_expiresAt"]; !has {
					createdAt, _ := toI64(candidate["_createdAt"])
					candidate["_expiresAt"] = createdAt + a.def.TTL.Milliseconds()
				}
			}
			if err := a.idx.AddRecord(op.Key, candidate); err != nil {
				return nil, nil, errs.NewTransactionConflictError(a.name, op.Key, "")
			}
			a.table[op.Key] = candidate
			a.order = append(a.order, op.Key)
			events = append(events, eventbus.Event{Bucket: a.name, Type: eventbus.EventInserted, Key: op.Key, Record: candidate})
			undo = append(undo, UndoOp{Kind: UndoInsert, Key: op.Key})

		case OpUpdate:
			old := a.table[op.Key]
			if err := a.idx.UpdateRecord(op.Key, old, op.Record); err != nil {
				return nil, nil, errs.NewTransactionConflictError(a.name, op.Key, "")
			}
			a.table[op.Key] = op.Record
			events = append(events, eventbus.Event{Bucket: a.name, Type: eventbus.EventUpdated, Key: op.Key, OldRecord: old, NewRecord: op.Record})
			undo = append(undo, UndoOp{Kind: UndoUpdate, Key: op.Key, OldRecord: old})

		case OpDelete:
			old := a.table[op.Key]
			a.idx.RemoveRecord(op.Key, old)
			delete(a.table, op.Key)
			a.removeFromOrder(op.Key)
			events = append(events, eventbus.Event{Bucket: a.name, Type: eventbus.EventDeleted, Key: op.Key, Record: old})
			undo = append(undo, UndoOp{Kind: UndoDelete, Key: op.Key, OldRecord: old})
		}
	}

	return events, undo, nil
}

// RollbackBatch replays undo in reverse order against live state. It is best-effort:
// the coordinator collects any error but continues rolling back the remaining buckets.
func (a *BucketActor) RollbackBatch(undo []UndoOp) error {
	var err error
	a.submit(func() {
		err = a.doRollbackBatch(undo)
	})
	return err
}

func (a *BucketActor) doRollbackBatch(undo []UndoOp) error {
	for i := len(undo) - 1; i >= 0; i-- {
		op := undo[i]
		switch op.Kind {
		case UndoInsert:
			if rec, ok := a.table[op.Key]; ok {
				a.idx.RemoveRecord(op.Key, rec)
				delete(a.table, op.Key)
				a.removeFromOrder(op.Key)
			}
		case UndoUpdate:
			if current, ok := a.table[op.Key]; ok {
				if err := a.idx.UpdateRecord(op.Key, current, op.OldRecord); err != nil {
					return err
				}
				a.table[op.Key] = op.OldRecord
			}
		case UndoDelete:
			if err := a.idx.AddRecord(op.Key, op.OldRecord); err != nil {
				return err
			}
			a.table[op.Key] = op.OldRecord
			a.order = append(a.order, op.Key)
		}
	}
	return nil
}

// PublishEvents publishes a batch of events collected by a successful transaction
// commit. Called by the TransactionCoordinator only after every bucket has committed.
func (a *BucketActor) PublishEvents(events []eventbus.Event) {
	for _, evt := range events {
		a.bus.Publish(evt)
	}
}

func normKey(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

func toI64(v any) (int64, bool) {
	switch x := v.(type) {
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
