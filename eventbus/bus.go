// Package eventbus implements the bucket.<name>.<type> topic grammar with single-segment
// `*` wildcard matching on top of a real pub/sub transport (github.com/asaidimu/go-events).
// The teacher only ever subscribes on exact topics; wildcard segment matching is new code
// built on that same transport, per the design note on hierarchical topic filtering.
package eventbus

import (
	"context"
	"strings"
	"sync"

	events "github.com/asaidimu/go-events"
	"go.uber.org/zap"
)

// EventType is one of the three mutation kinds a bucket may emit.
type EventType string

const (
	EventInserted EventType = "inserted"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
)

// Event is the payload published for every bucket mutation.
type Event struct {
	Bucket    string
	Type      EventType
	Key       string
	Record    map[string]any
	OldRecord map[string]any
	NewRecord map[string]any
}

// Topic renders the event's canonical topic string: bucket.<bucketName>.<eventType>.
func (e Event) Topic() string {
	return "bucket." + e.Bucket + "." + string(e.Type)
}

// internalTopic is the single real go-events topic every Event is funneled through; all
// pattern matching on the richer bucket.<name>.<type> grammar happens in this package,
// not in the underlying transport.
const internalTopic = "noex.bucket.events"

// Handler receives a matched event. A non-nil return value is logged and discarded
// (fire-and-forget): a slow or broken consumer must never stall a mutation.
type Handler func(Event) error

// Bus is the wildcard-matching event bus used by the whole store: BucketActors publish
// through it, and QueryManager/StorePersistence/user handlers subscribe through it.
type Bus struct {
	transport *events.TypedEventBus[Event]
	logger    *zap.Logger

	mu            sync.RWMutex
	subscriptions map[int]subscription
	nextID        int
}

type subscription struct {
	pattern []string
	handler Handler
}

// New constructs a Bus. logger defaults to a no-op logger when nil.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		transport:     events.NewTypedEventBus[Event](events.DefaultConfig()),
		logger:        logger,
		subscriptions: make(map[int]subscription),
	}
	b.transport.Subscribe(internalTopic, func(_ context.Context, evt Event) error {
		b.dispatch(evt)
		return nil
	})
	return b
}

// Publish emits evt to every subscription whose pattern matches its topic.
func (b *Bus) Publish(evt Event) {
	b.transport.Emit(internalTopic, evt)
}

// Close drops every subscription. Part of the store's shutdown sequence, run only after
// every BucketActor has stopped producing events.
func (b *Bus) Close() {
	b.mu.Lock()
	b.subscriptions = make(map[int]subscription)
	b.mu.Unlock()
}

// Subscribe registers handler against pattern (e.g. "bucket.*.inserted", "bucket.users.*",
// "bucket.*.*"). It returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscriptions[id] = subscription{pattern: strings.Split(pattern, "."), handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscriptions, id)
		b.mu.Unlock()
	}
}

func (b *Bus) dispatch(evt Event) {
	topic := strings.Split(evt.Topic(), ".")

	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if matchTopic(sub.pattern, topic) {
			matched = append(matched, sub.handler)
		}
	}
	b.mu.RUnlock()

	// Every handler runs on its own goroutine: a slow or broken consumer must never
	// stall the mutation that triggered it, and a handler that reads back into the
	// bucket it was triggered from must not deadlock against that bucket's own
	// still-running mailbox call.
	for _, h := range matched {
		go func(handle Handler) {
			if err := handle(evt); err != nil {
				b.logger.Warn("event handler returned error", zap.Error(err), zap.String("bucket", evt.Bucket))
			}
		}(h)
	}
}

// matchTopic compares pattern and topic segment-by-segment: "*" matches exactly one
// segment; the segment counts must be equal.
func matchTopic(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return true
}
