package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamicek/noex-store-sub003/config"
	"github.com/hamicek/noex-store-sub003/reactive"
	"github.com/hamicek/noex-store-sub003/schema"
	"github.com/hamicek/noex-store-sub003/storage"
	"github.com/hamicek/noex-store-sub003/txn"
)

func userDef() *schema.BucketDefinition {
	return &schema.BucketDefinition{
		KeyField: "id",
		Fields: map[string]*schema.FieldDefinition{
			"id":      {Type: schema.FieldTypeString, Generated: schema.GeneratedUUID},
			"name":    {Type: schema.FieldTypeString, Required: true},
			"email":   {Type: schema.FieldTypeString, Unique: true},
			"balance": {Type: schema.FieldTypeNumber},
		},
	}
}

func orderDef() *schema.BucketDefinition {
	return &schema.BucketDefinition{
		KeyField: "id",
		Fields: map[string]*schema.FieldDefinition{
			"id":     {Type: schema.FieldTypeString, Generated: schema.GeneratedUUID},
			"userId": {Type: schema.FieldTypeString, Required: true},
			"total":  {Type: schema.FieldTypeNumber},
		},
		Indexes: []string{"userId"},
	}
}

func TestDefineBucket_RejectsUnknownKeyField(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)

	def := &schema.BucketDefinition{
		KeyField: "missing",
		Fields: map[string]*schema.FieldDefinition{
			"id": {Type: schema.FieldTypeString},
		},
	}
	err := s.DefineBucket("things", def)
	require.Error(t, err)
}

func TestDefineBucket_RejectsUnknownIndexField(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)

	def := &schema.BucketDefinition{
		KeyField: "id",
		Fields: map[string]*schema.FieldDefinition{
			"id": {Type: schema.FieldTypeString},
		},
		Indexes: []string{"nope"},
	}
	err := s.DefineBucket("things", def)
	require.Error(t, err)
}

// Scenario A: a unique-constraint violation inside a transaction rolls back every
// bucket touched earlier in the same transaction.
func TestScenarioA_UniqueConstraintViolationRollsBackTransaction(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)

	require.NoError(t, s.DefineBucket("users", userDef()))
	require.NoError(t, s.DefineBucket("orders", orderDef()))

	users, err := s.Bucket("users")
	require.NoError(t, err)
	_, err = users.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	err = s.Transaction(func(tx *txn.Tx) error {
		orders, err := tx.Bucket("orders")
		if err != nil {
			return err
		}
		if _, err := orders.Insert(schema.Document{"userId": "u1", "total": 10.0}); err != nil {
			return err
		}
		usersTx, err := tx.Bucket("users")
		if err != nil {
			return err
		}
		// Duplicate email collides with the record seeded above.
		_, err = usersTx.Insert(schema.Document{"name": "Bob", "email": "a@example.com"})
		return err
	})
	require.Error(t, err)

	ordersActor, _ := s.Bucket("orders")
	assert.Equal(t, 0, ordersActor.Count(nil), "order insert must roll back with the rest of the transaction")
}

// Scenario B: a cross-bucket transaction that conflicts with a concurrent live write on
// a bucket touched later in commit order rolls back everything, including buckets whose
// own writes would otherwise have succeeded.
func TestScenarioB_CrossBucketTransactionConflictRollsBackAll(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)

	require.NoError(t, s.DefineBucket("users", userDef()))
	require.NoError(t, s.DefineBucket("orders", orderDef()))

	orders, err := s.Bucket("orders")
	require.NoError(t, err)
	seed, err := orders.Insert(schema.Document{"userId": "u1", "total": 5.0})
	require.NoError(t, err)

	err = s.Transaction(func(tx *txn.Tx) error {
		users, err := tx.Bucket("users")
		if err != nil {
			return err
		}
		if _, err := users.Insert(schema.Document{"name": "Alice", "email": "a@example.com"}); err != nil {
			return err
		}
		ordersTx, err := tx.Bucket("orders")
		if err != nil {
			return err
		}
		if _, err := ordersTx.Update(seed["id"].(string), schema.Document{"total": 7.0}); err != nil {
			return err
		}
		// A concurrent direct write races ahead of this transaction's commit, bumping
		// the live record's version out from under the staged update above.
		_, err = orders.Update(seed["id"].(string), schema.Document{"total": 999.0})
		return err
	})
	require.Error(t, err)

	usersActor, _ := s.Bucket("users")
	assert.Equal(t, 0, usersActor.Count(nil), "users insert must roll back when the orders commit conflicts")
}

// Scenario C: a reactive query that only reads a single record (via Get) must not wake
// when an unrelated record in the same bucket changes, but must wake when its own
// record-level dependency changes.
func TestScenarioC_RecordLevelDependencyPrecision(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)

	require.NoError(t, s.DefineBucket("users", userDef()))
	users, err := s.Bucket("users")
	require.NoError(t, err)

	alice, err := users.Insert(schema.Document{"name": "Alice", "email": "a@example.com", "balance": 10.0})
	require.NoError(t, err)
	bob, err := users.Insert(schema.Document{"name": "Bob", "email": "b@example.com", "balance": 20.0})
	require.NoError(t, err)

	require.NoError(t, s.DefineQuery("balance", func(ctx *reactive.RecordingContext, params any) (any, error) {
		id := params.(string)
		rec, ok := ctx.Bucket("users").Get(id)
		if !ok {
			return nil, nil
		}
		return rec["balance"], nil
	}))

	updates := make(chan any, 4)
	unsubscribe, err := s.Subscribe("balance", alice["id"].(string), func(result any, err error) {
		updates <- result
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.Equal(t, 10.0, <-updates)

	// Unrelated record's mutation must not wake a query depending only on Alice's record.
	_, err = users.Update(bob["id"].(string), schema.Document{"balance": 99.0})
	require.NoError(t, err)
	s.Settle()

	select {
	case got := <-updates:
		t.Fatalf("unexpected wake from unrelated record mutation: %v", got)
	default:
	}

	// Alice's own record changing must wake the subscription.
	_, err = users.Update(alice["id"].(string), schema.Document{"balance": 15.0})
	require.NoError(t, err)

	select {
	case got := <-updates:
		assert.Equal(t, 15.0, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record-level wake")
	}
}

func TestStop_PersistsDirtyBucketsBeforeShutdown(t *testing.T) {
	mem := storage.NewMemory()
	s := New(WithName("demo-store"), WithStorageAdapter(mem, nil))

	def := userDef()
	def.Persistent = true
	require.NoError(t, s.DefineBucket("users", def))

	users, err := s.Bucket("users")
	require.NoError(t, err)
	_, err = users.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	s.Stop()

	_, meta, ok, err := mem.Load("demo-store:bucket:users")
	require.NoError(t, err)
	require.True(t, ok, "bucket snapshot must be flushed to storage on shutdown")
	assert.NotEmpty(t, meta["serverId"])
	assert.EqualValues(t, 1, meta["schemaVersion"])
}

func TestNew_DefaultNamePrefixesSnapshotKey(t *testing.T) {
	mem := storage.NewMemory()
	s := New(WithStorageAdapter(mem, nil))

	def := userDef()
	def.Persistent = true
	require.NoError(t, s.DefineBucket("users", def))

	users, err := s.Bucket("users")
	require.NoError(t, err)
	_, err = users.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	s.Stop()

	_, _, ok, err := mem.Load(defaultStoreName + ":bucket:users")
	require.NoError(t, err)
	assert.True(t, ok, "a Store with no configured name must still use a well-known default prefix")
}

func TestDefineBucket_RestoresFromPersistedSnapshot(t *testing.T) {
	mem := storage.NewMemory()

	s1 := New(WithStorageAdapter(mem, nil))
	def := userDef()
	def.Persistent = true
	require.NoError(t, s1.DefineBucket("users", def))
	users1, _ := s1.Bucket("users")
	_, err := users1.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)
	s1.Stop()

	s2 := New(WithStorageAdapter(mem, nil))
	t.Cleanup(s2.Stop)
	require.NoError(t, s2.DefineBucket("users", def))
	users2, _ := s2.Bucket("users")
	assert.Equal(t, 1, users2.Count(nil))
}

func TestStart_BuildsStoreFromConfigAndDefinesBuckets(t *testing.T) {
	cfg := &config.StoreConfig{
		Name:     "demo-store",
		LogLevel: "warn",
		Buckets: map[string]config.BucketConfig{
			"users": {
				KeyField: "id",
				Fields: map[string]config.FieldConfig{
					"id":    {Type: "string", Generated: "uuid"},
					"name":  {Type: "string", Required: true},
					"email": {Type: "string", Unique: true},
				},
			},
		},
	}

	s, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	assert.Equal(t, "demo-store", s.name)

	users, err := s.Bucket("users")
	require.NoError(t, err)
	_, err = users.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 1, users.Count(nil))
}

func TestStart_RunsPeriodicTTLPurge(t *testing.T) {
	cfg := &config.StoreConfig{
		Name:               "ttl-store",
		TTLCheckIntervalMs: 50,
		Buckets: map[string]config.BucketConfig{
			"sessions": {
				KeyField: "id",
				TTL:      "1s",
				Fields: map[string]config.FieldConfig{
					"id": {Type: "string", Generated: "uuid"},
				},
			},
		},
	}

	s, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	sessions, err := s.Bucket("sessions")
	require.NoError(t, err)
	_, err = sessions.Insert(schema.Document{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sessions.Count(nil) == 0
	}, 3*time.Second, 50*time.Millisecond, "the internal TTL loop must purge expired records on its own")
}

func TestGetStats_ReportsPerBucketCounts(t *testing.T) {
	s := New()
	t.Cleanup(s.Stop)
	require.NoError(t, s.DefineBucket("users", userDef()))

	users, _ := s.Bucket("users")
	_, err := users.Insert(schema.Document{"name": "Alice", "email": "a@example.com"})
	require.NoError(t, err)

	stats := s.GetStats()
	require.Contains(t, stats, "users")
	assert.Equal(t, 1, stats["users"].RecordCount)
}
