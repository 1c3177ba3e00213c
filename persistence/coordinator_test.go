package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-store-sub003/actor"
	"github.com/hamicek/noex-store-sub003/eventbus"
	"github.com/hamicek/noex-store-sub003/index"
	"github.com/hamicek/noex-store-sub003/schema"
	"github.com/hamicek/noex-store-sub003/storage"
)

func newPersistedActor(t *testing.T, bus *eventbus.Bus) *actor.BucketActor {
	t.Helper()
	def := &schema.BucketDefinition{
		KeyField:   "id",
		Persistent: true,
		Fields: map[string]*schema.FieldDefinition{
			"id":   {Type: schema.FieldTypeString, Generated: schema.GeneratedUUID},
			"name": {Type: schema.FieldTypeString, Required: true},
		},
	}
	idx := index.New("users", nil, nil)
	v := schema.New("users", def)
	a := actor.New("users", def, v, idx, bus, nil)
	t.Cleanup(a.Stop)
	return a
}

func TestCoordinator_FlushesAfterDebounceWithSnapshotMetadata(t *testing.T) {
	bus := eventbus.New(nil)
	mem := storage.NewMemory()
	c := New(mem, bus, "demo-store", "srv-1", WithDebounce(20*time.Millisecond))
	defer c.Stop()

	a := newPersistedActor(t, bus)
	c.RegisterPersistent("users", a)

	_, err := a.Insert(schema.Document{"name": "Alice"})
	require.NoError(t, err)
	_, err = a.Insert(schema.Document{"name": "Bob"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, meta, ok, err := mem.Load("demo-store:bucket:users")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "srv-1", meta["serverId"])
	assert.Equal(t, schemaVersion, meta["schemaVersion"])
	assert.NotEmpty(t, meta["persistedAt"])
}

func TestCoordinator_UnregisteredBucketIsNeverPersisted(t *testing.T) {
	bus := eventbus.New(nil)
	mem := storage.NewMemory()
	c := New(mem, bus, "demo-store", "srv-1", WithDebounce(10*time.Millisecond))
	defer c.Stop()

	a := newPersistedActor(t, bus)
	// Deliberately not calling c.RegisterPersistent.

	_, err := a.Insert(schema.Document{"name": "Alice"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, _, ok, err := mem.Load("demo-store:bucket:users")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCoordinator_StopFlushesSynchronouslyRegardlessOfDebounce(t *testing.T) {
	bus := eventbus.New(nil)
	mem := storage.NewMemory()
	c := New(mem, bus, "demo-store", "srv-1", WithDebounce(time.Hour))

	a := newPersistedActor(t, bus)
	c.RegisterPersistent("users", a)

	_, err := a.Insert(schema.Document{"name": "Alice"})
	require.NoError(t, err)

	c.Stop()

	_, _, ok, err := mem.Load("demo-store:bucket:users")
	require.NoError(t, err)
	assert.True(t, ok, "Stop must flush immediately rather than waiting for the debounce timer")
}

func TestCoordinator_AdapterErrorRoutedToOnErrorNotEventPipeline(t *testing.T) {
	bus := eventbus.New(nil)
	boom := &failingAdapter{}
	var captured error
	c := New(boom, bus, "demo-store", "srv-1", WithDebounce(5*time.Millisecond), WithOnError(func(err error) {
		captured = err
	}))
	defer c.Stop()

	a := newPersistedActor(t, bus)
	c.RegisterPersistent("users", a)

	_, err := a.Insert(schema.Document{"name": "Alice"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	require.Error(t, captured)
}

func TestLoadBucket_ReturnsNotOKWhenNeverSaved(t *testing.T) {
	bus := eventbus.New(nil)
	mem := storage.NewMemory()
	c := New(mem, bus, "demo-store", "srv-1")
	defer c.Stop()

	_, ok, err := c.LoadBucket("nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingAdapter struct{}

func (f *failingAdapter) Save(key string, state []byte, metadata map[string]any) error {
	return assertErr
}

func (f *failingAdapter) Load(key string) ([]byte, map[string]any, bool, error) {
	return nil, nil, false, nil
}

var assertErr = &adapterError{"save always fails"}

type adapterError struct{ msg string }

func (e *adapterError) Error() string { return e.msg }
