package actor

import (
	"testing"
	"time"

	"github.com/stretchr/objx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-store-sub003/eventbus"
	"github.com/hamicek/noex-store-sub003/index"
	"github.com/hamicek/noex-store-sub003/schema"
)

func newTestActor(t *testing.T, def *schema.BucketDefinition, uniqueFields, indexFields []string) (*BucketActor, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil)
	idx := index.New("things", uniqueFields, indexFields)
	v := schema.New("things", def)
	a := New("things", def, v, idx, bus, nil)
	t.Cleanup(a.Stop)
	return a, bus
}

func basicDef() *schema.BucketDefinition {
	return &schema.BucketDefinition{
		KeyField: "id",
		Fields: map[string]*schema.FieldDefinition{
			"id":    {Type: schema.FieldTypeString, Generated: schema.GeneratedUUID},
			"name":  {Type: schema.FieldTypeString, Required: true},
			"email": {Type: schema.FieldTypeString, Unique: true},
		},
	}
}

func TestInsert_EmitsEventAndStoresRecord(t *testing.T) {
	a, bus := newTestActor(t, basicDef(), []string{"email"}, nil)

	received := make(chan eventbus.Event, 1)
	bus.Subscribe("bucket.*.*", func(evt eventbus.Event) error {
		received <- evt
		return nil
	})

	rec, err := a.Insert(schema.Document{"name": "Alice", "email": "alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec["name"])

	select {
	case evt := <-received:
		assert.Equal(t, eventbus.EventInserted, evt.Type)
		assert.Equal(t, "things", evt.Bucket)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inserted event")
	}

	got, ok := a.Get(rec["id"].(string))
	require.True(t, ok)
	assert.Equal(t, "Alice", got["name"])

	m := objx.Map(got)
	assert.Equal(t, "Alice", m.Get("name").Str())
	assert.Equal(t, "alice@example.com", m.Get("email").Str())
	assert.False(t, m.Get("phone").IsStr(), "unset fields must not appear in the record")
}

func TestInsert_RejectsDuplicateUniqueField(t *testing.T) {
	a, _ := newTestActor(t, basicDef(), []string{"email"}, nil)

	_, err := a.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	_, err = a.Insert(schema.Document{"name": "Bob", "email": "a@example.com"})
	require.Error(t, err)
	assert.Equal(t, 1, a.Count(nil))
}

func TestUpdate_BumpsVersionAndEmitsEvent(t *testing.T) {
	a, _ := newTestActor(t, basicDef(), []string{"email"}, nil)
	rec, err := a.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	updated, err := a.Update(rec["id"].(string), schema.Document{"name": "Alice Smith"})
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", updated["name"])
	assert.Equal(t, rec["_version"].(int64)+1, updated["_version"])
}

func TestUpdate_MissingKeyReturnsNotFound(t *testing.T) {
	a, _ := newTestActor(t, basicDef(), []string{"email"}, nil)
	_, err := a.Update("missing", schema.Document{"name": "x"})
	require.Error(t, err)
}

func TestDelete_IsIdempotent(t *testing.T) {
	a, _ := newTestActor(t, basicDef(), []string{"email"}, nil)
	rec, err := a.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	require.NoError(t, a.Delete(rec["id"].(string)))
	require.NoError(t, a.Delete(rec["id"].(string))) // second delete is a silent no-op

	_, ok := a.Get(rec["id"].(string))
	assert.False(t, ok)
}

func TestWhere_UsesIndexedLookup(t *testing.T) {
	def := basicDef()
	a, _ := newTestActor(t, def, []string{"email"}, nil)
	_, err := a.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)
	_, err = a.Insert(schema.Document{"name": "Bob", "email": "b@example.com"})
	require.NoError(t, err)

	matches := a.Where(map[string]any{"email": "b@example.com"})
	require.Len(t, matches, 1)
	assert.Equal(t, "Bob", matches[0]["name"])
}

func TestMaxSize_EvictsOldestRecord(t *testing.T) {
	def := basicDef()
	maxSize := 2
	def.MaxSize = &maxSize
	a, bus := newTestActor(t, def, []string{"email"}, nil)

	var deletions int
	bus.Subscribe("bucket.*.deleted", func(evt eventbus.Event) error {
		deletions++
		return nil
	})

	_, err := a.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)
	_, err = a.Insert(schema.Document{"name": "Bob", "email": "b@example.com"})
	require.NoError(t, err)
	_, err = a.Insert(schema.Document{"name": "Carol", "email": "c@example.com"})
	require.NoError(t, err)

	assert.Equal(t, 2, a.Count(nil))
	assert.Equal(t, 0, a.Count(map[string]any{"name": "Alice"}), "the oldest record must be the one evicted")
}

func TestPurgeExpired_RemovesPastTTL(t *testing.T) {
	def := basicDef()
	ttl := time.Millisecond
	def.TTL = &ttl
	a, _ := newTestActor(t, def, []string{"email"}, nil)

	_, err := a.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	purged := a.PurgeExpired(time.Now().Add(time.Hour))
	assert.Equal(t, 1, purged)
	assert.Equal(t, 0, a.Count(nil))
}

func TestGetSnapshotAndRestore_RoundTrips(t *testing.T) {
	a, _ := newTestActor(t, basicDef(), []string{"email"}, nil)
	_, err := a.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	snap := a.GetSnapshot()

	b, _ := newTestActor(t, basicDef(), []string{"email"}, nil)
	require.NoError(t, b.Restore(snap))

	assert.Equal(t, 1, b.Count(nil))
}
