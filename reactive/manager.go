package reactive

import (
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/hamicek/noex-store-sub003/errs"
	"github.com/hamicek/noex-store-sub003/eventbus"
)

// QueryFunc is a pure query: it reads through ctx (recording dependencies as it goes)
// and returns a result, or an error.
type QueryFunc func(ctx *RecordingContext, params any) (any, error)

// Callback receives every live update once a subscribed query's result has changed.
type Callback func(result any, err error)

// QueryManager owns named query definitions and live subscriptions: it re-runs a
// subscription's query whenever an event touches one of its recorded dependencies, and
// wakes the subscriber only when the result actually changed.
type QueryManager struct {
	source BucketSource
	bus    *eventbus.Bus
	logger *zap.Logger

	mu          sync.Mutex
	queries     map[string]QueryFunc
	subs        map[int]*subscription
	nextSubID   int
	bucketIndex map[string]map[int]bool
	recordIndex map[string]map[string]map[int]bool

	pendingCount int
	pendingCond  *sync.Cond

	unsubscribeBus func()
}

type subscription struct {
	id         int
	queryName  string
	params     any
	callback   Callback
	lastResult any
	haveResult bool
	deps       *deps
	running    bool
	rerun      bool
}

// New constructs a QueryManager and subscribes it to the store's event bus on
// "bucket.*.*". logger defaults to a no-op logger when nil.
func New(source BucketSource, bus *eventbus.Bus, logger *zap.Logger) *QueryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	qm := &QueryManager{
		source:      source,
		bus:         bus,
		logger:      logger,
		queries:     make(map[string]QueryFunc),
		subs:        make(map[int]*subscription),
		bucketIndex: make(map[string]map[int]bool),
		recordIndex: make(map[string]map[string]map[int]bool),
	}
	qm.pendingCond = sync.NewCond(&qm.mu)
	qm.unsubscribeBus = bus.Subscribe("bucket.*.*", func(evt eventbus.Event) error {
		qm.onEvent(evt)
		return nil
	})
	return qm
}

// DefineQuery registers fn under name. Redefining an existing name is rejected.
func (qm *QueryManager) DefineQuery(name string, fn QueryFunc) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	if _, exists := qm.queries[name]; exists {
		return errs.NewQueryAlreadyDefinedError(name)
	}
	qm.queries[name] = fn
	return nil
}

// RunQuery runs a defined query once, with a fresh recording context whose dependencies
// are discarded immediately — a one-shot read with no subscription installed.
func (qm *QueryManager) RunQuery(name string, params any) (any, error) {
	fn, err := qm.lookup(name)
	if err != nil {
		return nil, err
	}
	result, _, err := qm.execute(fn, params)
	return result, err
}

func (qm *QueryManager) lookup(name string) (QueryFunc, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	fn, ok := qm.queries[name]
	if !ok {
		return nil, errs.NewQueryNotDefinedError(name)
	}
	return fn, nil
}

func (qm *QueryManager) execute(fn QueryFunc, params any) (any, *deps, error) {
	ctx := newRecordingContext(qm.source)
	result, err := fn(ctx, params)
	return result, ctx.deps, err
}

// Subscribe allocates a subscription, runs query once to establish its baseline result
// and dependency set, delivers the initial result via callback, and wires it into the
// dependency indexes. The returned function unsubscribes.
func (qm *QueryManager) Subscribe(name string, params any, callback Callback) (func(), error) {
	fn, err := qm.lookup(name)
	if err != nil {
		return nil, err
	}

	result, d, err := qm.execute(fn, params)
	if err != nil {
		return nil, err
	}

	qm.mu.Lock()
	id := qm.nextSubID
	qm.nextSubID++
	sub := &subscription{
		id:         id,
		queryName:  name,
		params:     params,
		callback:   callback,
		lastResult: result,
		haveResult: true,
		deps:       d,
	}
	qm.subs[id] = sub
	qm.installDepsLocked(sub, d)
	qm.mu.Unlock()

	callback(result, nil)

	return func() { qm.unsubscribe(id) }, nil
}

func (qm *QueryManager) unsubscribe(id int) {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	sub, ok := qm.subs[id]
	if !ok {
		return
	}
	qm.removeDepsLocked(sub)
	delete(qm.subs, id)
}

func (qm *QueryManager) installDepsLocked(sub *subscription, d *deps) {
	for b := range d.buckets {
		m := qm.bucketIndex[b]
		if m == nil {
			m = make(map[int]bool)
			qm.bucketIndex[b] = m
		}
		m[sub.id] = true
	}
	for b, keys := range d.records {
		bm := qm.recordIndex[b]
		if bm == nil {
			bm = make(map[string]map[int]bool)
			qm.recordIndex[b] = bm
		}
		for k := range keys {
			km := bm[k]
			if km == nil {
				km = make(map[int]bool)
				bm[k] = km
			}
			km[sub.id] = true
		}
	}
}

func (qm *QueryManager) removeDepsLocked(sub *subscription) {
	if sub.deps == nil {
		return
	}
	for b := range sub.deps.buckets {
		if m := qm.bucketIndex[b]; m != nil {
			delete(m, sub.id)
			if len(m) == 0 {
				delete(qm.bucketIndex, b)
			}
		}
	}
	for b, keys := range sub.deps.records {
		bm := qm.recordIndex[b]
		if bm == nil {
			continue
		}
		for k := range keys {
			if km := bm[k]; km != nil {
				delete(km, sub.id)
				if len(km) == 0 {
					delete(bm, k)
				}
			}
		}
		if len(bm) == 0 {
			delete(qm.recordIndex, b)
		}
	}
}

// onEvent computes the affected subscription set (bucketIndex[B] ∪ recordIndex[B][K])
// and schedules each one for re-evaluation, coalescing a re-run that arrives while one
// is already in flight into a single follow-up.
func (qm *QueryManager) onEvent(evt eventbus.Event) {
	qm.mu.Lock()
	affected := make(map[int]bool)
	for id := range qm.bucketIndex[evt.Bucket] {
		affected[id] = true
	}
	if evt.Key != "" {
		for id := range qm.recordIndex[evt.Bucket][evt.Key] {
			affected[id] = true
		}
	}

	var toRun []*subscription
	for id := range affected {
		sub, ok := qm.subs[id]
		if !ok {
			continue
		}
		if sub.running {
			sub.rerun = true
			continue
		}
		sub.running = true
		qm.pendingCount++
		toRun = append(toRun, sub)
	}
	qm.mu.Unlock()

	for _, sub := range toRun {
		go qm.runSubscription(sub)
	}
}

func (qm *QueryManager) runSubscription(sub *subscription) {
	for {
		fn, err := qm.lookup(sub.queryName)
		var result any
		var d *deps
		if err == nil {
			result, d, err = qm.execute(fn, sub.params)
		}

		qm.mu.Lock()
		// Subscription may have been unsubscribed while the re-run was executing.
		if _, stillActive := qm.subs[sub.id]; !stillActive {
			qm.pendingCount--
			qm.pendingCond.Broadcast()
			qm.mu.Unlock()
			return
		}

		changed := false
		if err == nil {
			qm.removeDepsLocked(sub)
			sub.deps = d
			qm.installDepsLocked(sub, d)
			changed = !sub.haveResult || !reflect.DeepEqual(sub.lastResult, result)
			if changed {
				sub.lastResult = result
				sub.haveResult = true
			}
		}

		again := sub.rerun
		sub.rerun = false
		if !again {
			sub.running = false
		}
		callback := sub.callback
		qm.mu.Unlock()

		if err != nil {
			qm.logger.Warn("reactive query re-evaluation failed", zap.String("query", sub.queryName), zap.Error(err))
		} else if changed {
			callback(result, nil)
		}

		if !again {
			qm.mu.Lock()
			qm.pendingCount--
			qm.pendingCond.Broadcast()
			qm.mu.Unlock()
			return
		}
		// One coalesced follow-up: loop and re-run immediately rather than spawning
		// another goroutine.
	}
}

// Settle blocks until every scheduled re-evaluation (including coalesced follow-ups) has
// completed — the point at which every subscriber's callback reflects the latest events.
func (qm *QueryManager) Settle() {
	qm.mu.Lock()
	for qm.pendingCount > 0 {
		qm.pendingCond.Wait()
	}
	qm.mu.Unlock()
}

// Stop unsubscribes the manager from the event bus. Existing subscriptions stop
// receiving live updates; in-flight re-evaluations are allowed to finish.
func (qm *QueryManager) Stop() {
	qm.unsubscribeBus()
}
