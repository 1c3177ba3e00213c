package persistence

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamicek/noex-store-sub003/actor"
	"github.com/hamicek/noex-store-sub003/eventbus"
)

// snapshotPayload is the JSON-serialized shape handed to the adapter's state bytes.
type snapshotPayload struct {
	Records              []actor.RecordEntry `json:"records"`
	AutoincrementCounter int64               `json:"autoincrementCounter"`
}

// Coordinator is StorePersistence: it watches the event bus for mutations on registered
// persistent buckets, batches them behind a debounce timer, and flushes snapshots to a
// StorageAdapter. Errors from the adapter are routed to onError and never reach the
// event pipeline.
type Coordinator struct {
	adapter   StorageAdapter
	bus       *eventbus.Bus
	logger    *zap.Logger
	onError   func(error)
	debounce  time.Duration
	storeName string
	serverID  string

	mu           sync.Mutex
	actors       map[string]*actor.BucketActor
	dirty        map[string]bool
	timer        *time.Timer
	unsubscribe  func()
	stopped      bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOnError sets the callback errors from the adapter are routed to.
func WithOnError(fn func(error)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

// WithDebounce overrides the default debounce window (100ms) between a dirtying event
// and the flush it triggers.
func WithDebounce(d time.Duration) Option {
	return func(c *Coordinator) { c.debounce = d }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New constructs a Coordinator subscribed to bus's "bucket.*.*" topic. storeName prefixes
// every snapshot key (`<storeName>:bucket:<bucketName>`); serverID is recorded in each
// snapshot's metadata to identify which store instance produced it.
func New(adapter StorageAdapter, bus *eventbus.Bus, storeName, serverID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		adapter:   adapter,
		bus:       bus,
		logger:    zap.NewNop(),
		onError:   func(error) {},
		debounce:  100 * time.Millisecond,
		storeName: storeName,
		serverID:  serverID,
		actors:    make(map[string]*actor.BucketActor),
		dirty:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsubscribe = bus.Subscribe("bucket.*.*", func(evt eventbus.Event) error {
		c.onEvent(evt.Bucket)
		return nil
	})
	return c
}

// RegisterPersistent marks name as a persistent bucket backed by a, so future events on
// it dirty it and it participates in the shutdown flush.
func (c *Coordinator) RegisterPersistent(name string, a *actor.BucketActor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actors[name] = a
}

// Unregister drops name from the persistent set (called on dropBucket).
func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.actors, name)
	delete(c.dirty, name)
}

func (c *Coordinator) snapshotKey(name string) string {
	return fmt.Sprintf("%s:bucket:%s", c.storeName, name)
}

func (c *Coordinator) onEvent(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if _, persistent := c.actors[bucket]; !persistent {
		return
	}
	c.dirty[bucket] = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flush)
	}
}

// flush snapshots every currently-dirty bucket and hands each to the adapter. Adapter
// errors are routed to onError; one failing bucket does not stop the others.
func (c *Coordinator) flush() {
	c.mu.Lock()
	names := make([]string, 0, len(c.dirty))
	for name := range c.dirty {
		names = append(names, name)
	}
	c.dirty = make(map[string]bool)
	c.timer = nil
	actors := make(map[string]*actor.BucketActor, len(names))
	for _, name := range names {
		if a, ok := c.actors[name]; ok {
			actors[name] = a
		}
	}
	c.mu.Unlock()

	for _, name := range names {
		a, ok := actors[name]
		if !ok {
			continue
		}
		if err := c.saveBucket(name, a); err != nil {
			c.onError(fmt.Errorf("persist bucket %q: %w", name, err))
		}
	}
}

// schemaVersion is the fixed PersistedState.metadata.schemaVersion this coordinator writes
// and expects; a future format change would bump this and teach LoadBucket to migrate.
const schemaVersion = 1

func (c *Coordinator) saveBucket(name string, a *actor.BucketActor) error {
	snap := a.GetSnapshot()
	payload := snapshotPayload{Records: snap.Records, AutoincrementCounter: snap.AutoincrementCounter}
	state, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	metadata := map[string]any{
		"persistedAt":   time.Now().UTC().Format(time.RFC3339),
		"serverId":      c.serverID,
		"schemaVersion": schemaVersion,
	}
	return c.adapter.Save(c.snapshotKey(name), state, metadata)
}

// LoadBucket reads a previously-saved snapshot for name, if any. Called at startup,
// before the bucket's actor is registered as persistent, so the actor can rebuild its
// table, order, and indexes from the returned Snapshot via BucketActor.Restore.
func (c *Coordinator) LoadBucket(name string) (actor.Snapshot, bool, error) {
	state, _, ok, err := c.adapter.Load(c.snapshotKey(name))
	if err != nil {
		return actor.Snapshot{}, false, err
	}
	if !ok {
		return actor.Snapshot{}, false, nil
	}
	var payload snapshotPayload
	if err := json.Unmarshal(state, &payload); err != nil {
		return actor.Snapshot{}, false, err
	}
	return actor.Snapshot{Records: payload.Records, AutoincrementCounter: payload.AutoincrementCounter}, true, nil
}

// Stop marks every persistent bucket dirty and flushes synchronously, then closes the
// adapter if it implements Closer. Must be called before the BucketActors themselves are
// stopped — once stopped they can no longer answer GetSnapshot.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	for name := range c.actors {
		c.dirty[name] = true
	}
	c.stopped = true
	c.mu.Unlock()

	c.unsubscribe()
	c.flush()

	if closer, ok := c.adapter.(Closer); ok {
		if err := closer.Close(); err != nil {
			c.onError(fmt.Errorf("close storage adapter: %w", err))
		}
	}
}
