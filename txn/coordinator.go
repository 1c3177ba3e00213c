// Package txn implements the multi-bucket TransactionCoordinator: a caller-supplied
// block runs against a layered overlay (WriteBuffer on top of live BucketActors),
// commits are pre-validated and applied per-bucket in two phases, and events are
// collected — never published — until every bucket has committed.
package txn

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hamicek/noex-store-sub003/actor"
	"github.com/hamicek/noex-store-sub003/errs"
	"github.com/hamicek/noex-store-sub003/eventbus"
	"github.com/hamicek/noex-store-sub003/schema"
)

// committedBucket records one bucket's successful commit within a transaction, so it
// can be rolled back if a later bucket's commit fails.
type committedBucket struct {
	bucketName string
	a          *actor.BucketActor
	events     []eventbus.Event
	undo       []actor.UndoOp
}

// BucketSource resolves a bucket name to its live actor. Implemented by the store
// facade; kept as an interface so this package never imports the facade.
type BucketSource interface {
	ActorFor(name string) (*actor.BucketActor, error)
}

// Coordinator runs one transaction at a time per call to Run; it holds no state between
// calls.
type Coordinator struct {
	buckets BucketSource
	logger  *zap.Logger
}

// New constructs a Coordinator.
func New(buckets BucketSource, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{buckets: buckets, logger: logger}
}

// Tx is the transactional handle passed to the caller's block.
type Tx struct {
	coord   *Coordinator
	order   []string // buckets touched, in first-touch order — the fixed commit order
	buffers map[string]*writeBuffer
}

// writeBuffer is the per-bucket staging area: inserts/updates keyed by primary key,
// and a set of deleted keys, each carrying the version observed when staged.
type writeBuffer struct {
	bucketActor *actor.BucketActor
	counter     int64 // local preview counter, seeded from the actor's live counter
	inserts     map[string]schema.Document
	updates     map[string]versionedRecord
	deletes     map[string]int64
}

type versionedRecord struct {
	record  schema.Document
	version int64
}

func newWriteBuffer(a *actor.BucketActor) *writeBuffer {
	return &writeBuffer{
		bucketActor: a,
		counter:     a.GetAutoincrementCounter(),
		inserts:     make(map[string]schema.Document),
		updates:     make(map[string]versionedRecord),
		deletes:     make(map[string]int64),
	}
}

// Run executes fn against a fresh Tx and commits or rolls back atomically across every
// bucket fn touched. If fn returns an error, no bucket's observable state changes and
// no event is emitted.
func (c *Coordinator) Run(fn func(tx *Tx) error) error {
	tx := &Tx{coord: c, buffers: make(map[string]*writeBuffer)}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.commit()
}

func (tx *Tx) bufferFor(bucket string) (*writeBuffer, error) {
	if wb, ok := tx.buffers[bucket]; ok {
		return wb, nil
	}
	a, err := tx.coord.buckets.ActorFor(bucket)
	if err != nil {
		return nil, err
	}
	wb := newWriteBuffer(a)
	tx.buffers[bucket] = wb
	tx.order = append(tx.order, bucket)
	return wb, nil
}

// Bucket returns a handle scoped to one bucket for the lifetime of this transaction.
func (tx *Tx) Bucket(name string) (*BucketHandle, error) {
	wb, err := tx.bufferFor(name)
	if err != nil {
		return nil, err
	}
	return &BucketHandle{name: name, wb: wb}, nil
}

// commit runs the ordered two-phase commit across every touched bucket, collecting
// events; on success they are published together, on failure a best-effort reverse-
// order rollback runs and the original error is returned.
func (tx *Tx) commit() error {
	var done []committedBucket

	for _, bucketName := range tx.order {
		wb := tx.buffers[bucketName]
		ops := wb.ops()
		if len(ops) == 0 {
			continue
		}
		events, undo, err := wb.bucketActor.CommitBatch(ops)
		if err != nil {
			if rollbackErr := rollbackAll(done); rollbackErr != nil {
				tx.coord.logger.Warn("rollback encountered errors", zap.Error(rollbackErr))
				var conflict *errs.TransactionConflictError
				if errors.As(err, &conflict) {
					conflict.RollbackErr = rollbackErr
				}
			}
			return err
		}
		done = append(done, committedBucket{bucketName: bucketName, a: wb.bucketActor, events: events, undo: undo})
	}

	for _, c := range done {
		c.a.PublishEvents(c.events)
	}
	return nil
}

func rollbackAll(done []committedBucket) error {
	var combined error
	for i := len(done) - 1; i >= 0; i-- {
		if err := done[i].a.RollbackBatch(done[i].undo); err != nil {
			combined = multierr.Append(combined, fmt.Errorf("rollback bucket %q: %w", done[i].bucketName, err))
		}
	}
	return combined
}

// ops flattens the buffer into the BatchOp list CommitBatch expects: all inserts, then
// all updates, then all deletes. Within each group the order follows map iteration and
// is not defined.
func (wb *writeBuffer) ops() []actor.BatchOp {
	var ops []actor.BatchOp
	for key, rec := range wb.inserts {
		ops = append(ops, actor.BatchOp{Kind: actor.OpInsert, Key: key, Record: rec})
	}
	for key, vr := range wb.updates {
		ops = append(ops, actor.BatchOp{Kind: actor.OpUpdate, Key: key, Record: vr.record, ExpectedVersion: vr.version, HasExpectedVersion: true})
	}
	for key, version := range wb.deletes {
		ops = append(ops, actor.BatchOp{Kind: actor.OpDelete, Key: key, ExpectedVersion: version, HasExpectedVersion: true})
	}
	return ops
}
