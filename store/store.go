// Package store implements the Store facade: the only entry point a caller needs. It
// owns the component graph (bucket actors, the event bus, the transaction coordinator,
// the reactive query manager, and an optional persistence coordinator), and performs
// lifecycle operations only — bucket/query definitions, transactions, subscriptions, and
// the shutdown sequence.
package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hamicek/noex-store-sub003/actor"
	"github.com/hamicek/noex-store-sub003/config"
	"github.com/hamicek/noex-store-sub003/errs"
	"github.com/hamicek/noex-store-sub003/eventbus"
	"github.com/hamicek/noex-store-sub003/index"
	"github.com/hamicek/noex-store-sub003/persistence"
	"github.com/hamicek/noex-store-sub003/reactive"
	"github.com/hamicek/noex-store-sub003/schema"
	"github.com/hamicek/noex-store-sub003/storage"
	"github.com/hamicek/noex-store-sub003/txn"
)

// defaultStoreName prefixes persisted snapshot keys when no name is configured.
const defaultStoreName = "store"

// Store is the facade over every component: BucketActors, the event bus, the
// transaction coordinator, the reactive query manager, and persistence.
type Store struct {
	name     string
	serverID string
	logger   *zap.Logger
	bus      *eventbus.Bus

	buckets map[string]*bucketEntry

	txCoord     *txn.Coordinator
	queries     *reactive.QueryManager
	persistence *persistence.Coordinator
	ruleChecker schema.RuleChecker

	ttlStop chan struct{}
	ttlDone chan struct{}

	stopped bool
}

type bucketEntry struct {
	def *schema.BucketDefinition
	a   *actor.BucketActor
}

// cfg gathers options before any component is constructed, since several components
// (the persistence coordinator in particular) need the logger and event bus to already
// exist by the time they're built.
type cfg struct {
	name           string
	logger         *zap.Logger
	ruleChecker    schema.RuleChecker
	storageAdapter persistence.StorageAdapter
	onError        func(error)
}

// Option configures a Store at construction time.
type Option func(*cfg)

// WithName sets the store's identity, used as the prefix of every persisted snapshot
// key (`<name>:bucket:<bucketName>`). Defaults to "store".
func WithName(name string) Option {
	return func(c *cfg) { c.name = name }
}

// WithLogger attaches a *zap.Logger used by every component. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *cfg) { c.logger = logger }
}

// WithStorageAdapter enables persistence: buckets defined with Persistent: true are
// snapshotted to adapter on a debounce timer and restored from it at DefineBucket time.
func WithStorageAdapter(adapter persistence.StorageAdapter, onError func(error)) Option {
	return func(c *cfg) {
		c.storageAdapter = adapter
		c.onError = onError
	}
}

// WithRuleChecker attaches a shared rules-engine bridge consulted by every bucket's
// validator after its built-in field checks succeed.
func WithRuleChecker(rc schema.RuleChecker) Option {
	return func(c *cfg) { c.ruleChecker = rc }
}

// New constructs a Store with its own event bus, transaction coordinator, and reactive
// query manager already wired together.
func New(opts ...Option) *Store {
	c := &cfg{name: defaultStoreName, logger: zap.NewNop()}
	for _, o := range opts {
		o(c)
	}

	s := &Store{
		name:        c.name,
		serverID:    uuid.New().String(),
		logger:      c.logger,
		ruleChecker: c.ruleChecker,
		buckets:     make(map[string]*bucketEntry),
	}
	s.bus = eventbus.New(s.logger)
	s.txCoord = txn.New(s, s.logger)
	s.queries = reactive.New(s, s.bus, s.logger)

	if c.storageAdapter != nil {
		popts := []persistence.Option{persistence.WithLogger(s.logger)}
		if c.onError != nil {
			popts = append(popts, persistence.WithOnError(c.onError))
		}
		s.persistence = persistence.New(c.storageAdapter, s.bus, s.name, s.serverID, popts...)
	}

	return s
}

// Start constructs a Store from a loaded StoreConfig: it builds the logger from
// LogLevel, the storage adapter from Persistence, defines every configured bucket, and
// starts the periodic TTL-expiry loop at TTLCheckIntervalMs (if positive).
func Start(storeCfg *config.StoreConfig) (*Store, error) {
	logger, err := buildLogger(storeCfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	opts := []Option{WithLogger(logger)}
	if storeCfg.Name != "" {
		opts = append(opts, WithName(storeCfg.Name))
	}

	if storeCfg.Persistence != nil {
		adapter, err := buildStorageAdapter(storeCfg.Persistence, logger)
		if err != nil {
			return nil, fmt.Errorf("build storage adapter: %w", err)
		}
		opts = append(opts, WithStorageAdapter(adapter, func(err error) {
			logger.Warn("persistence error", zap.Error(err))
		}))
	}

	s := New(opts...)

	defs, err := storeCfg.BucketDefinitions()
	if err != nil {
		return nil, fmt.Errorf("convert bucket definitions: %w", err)
	}
	for name, def := range defs {
		if err := s.DefineBucket(name, def); err != nil {
			return nil, fmt.Errorf("define bucket %q: %w", name, err)
		}
	}

	if storeCfg.TTLCheckIntervalMs > 0 {
		s.startTTLLoop(time.Duration(storeCfg.TTLCheckIntervalMs) * time.Millisecond)
	}

	return s, nil
}

func buildLogger(levelStr string) (*zap.Logger, error) {
	if levelStr == "" {
		return zap.NewNop(), nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", levelStr, err)
	}
	prodCfg := zap.NewProductionConfig()
	prodCfg.Level = zap.NewAtomicLevelAt(level)
	return prodCfg.Build()
}

func buildStorageAdapter(pc *config.PersistenceConfig, logger *zap.Logger) (persistence.StorageAdapter, error) {
	switch pc.Adapter {
	case "", "memory":
		return storage.NewMemory(), nil
	case "sqlite":
		return storage.OpenSQLite(pc.Path, logger)
	default:
		return nil, fmt.Errorf("unknown persistence adapter %q", pc.Adapter)
	}
}

// startTTLLoop runs PurgeTTL on a ticker until Stop closes ttlStop.
func (s *Store) startTTLLoop(interval time.Duration) {
	s.ttlStop = make(chan struct{})
	s.ttlDone = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(s.ttlDone)
		for {
			select {
			case <-ticker.C:
				s.PurgeTTL()
			case <-s.ttlStop:
				return
			}
		}
	}()
}

// DefineBucket registers a new bucket. It validates that the key field and every
// indexed field are present in the schema, builds the bucket's validator and index
// manager, restores a persisted snapshot if one exists, and starts its BucketActor.
func (s *Store) DefineBucket(name string, def *schema.BucketDefinition) error {
	if _, exists := s.buckets[name]; exists {
		return errs.NewBucketAlreadyExistsError(name)
	}
	if err := validateBucketDefinition(def); err != nil {
		return err
	}

	var uniqueFields, indexFields []string
	for field, fd := range def.Fields {
		if fd.Unique {
			uniqueFields = append(uniqueFields, field)
		}
	}
	indexFields = append(indexFields, def.Indexes...)

	idxMgr := index.New(name, uniqueFields, indexFields)
	validator := schema.New(name, def, schema.WithRuleChecker(s.ruleChecker), schema.WithLogger(s.logger))
	a := actor.New(name, def, validator, idxMgr, s.bus, s.logger)

	if def.Persistent && s.persistence != nil {
		snap, ok, err := s.persistence.LoadBucket(name)
		if err != nil {
			return fmt.Errorf("load persisted snapshot for bucket %q: %w", name, err)
		}
		if ok {
			if err := a.Restore(snap); err != nil {
				return fmt.Errorf("restore bucket %q from snapshot: %w", name, err)
			}
		}
		s.persistence.RegisterPersistent(name, a)
	}

	s.buckets[name] = &bucketEntry{def: def, a: a}
	return nil
}

func validateBucketDefinition(def *schema.BucketDefinition) error {
	if def.KeyField == "" {
		return fmt.Errorf("bucket definition must declare a keyField")
	}
	if _, ok := def.Fields[def.KeyField]; !ok {
		return fmt.Errorf("keyField %q is not declared in fields", def.KeyField)
	}
	for _, field := range def.Indexes {
		if _, ok := def.Fields[field]; !ok {
			return fmt.Errorf("indexed field %q is not declared in fields", field)
		}
	}
	return nil
}

// Bucket returns the live BucketActor for name, for direct (non-transactional) reads
// and writes.
func (s *Store) Bucket(name string) (*actor.BucketActor, error) {
	return s.ActorFor(name)
}

// ActorFor implements txn.BucketSource and reactive.BucketSource.
func (s *Store) ActorFor(name string) (*actor.BucketActor, error) {
	entry, ok := s.buckets[name]
	if !ok {
		return nil, errs.NewBucketNotDefinedError(name)
	}
	return entry.a, nil
}

// DropBucket unregisters name from persistence (if enabled) and terminates its actor.
func (s *Store) DropBucket(name string) error {
	entry, ok := s.buckets[name]
	if !ok {
		return errs.NewBucketNotDefinedError(name)
	}
	if s.persistence != nil {
		s.persistence.Unregister(name)
	}
	entry.a.Stop()
	delete(s.buckets, name)
	return nil
}

// Transaction runs fn against a fresh multi-bucket transaction; see txn.Coordinator.Run.
func (s *Store) Transaction(fn func(tx *txn.Tx) error) error {
	return s.txCoord.Run(fn)
}

// DefineQuery registers a named reactive query function.
func (s *Store) DefineQuery(name string, fn reactive.QueryFunc) error {
	return s.queries.DefineQuery(name, fn)
}

// Subscribe subscribes to a defined query; see reactive.QueryManager.Subscribe.
func (s *Store) Subscribe(name string, params any, callback reactive.Callback) (func(), error) {
	return s.queries.Subscribe(name, params, callback)
}

// RunQuery runs a defined query once with no subscription installed.
func (s *Store) RunQuery(name string, params any) (any, error) {
	return s.queries.RunQuery(name, params)
}

// On subscribes handler to pattern on the store's event bus (e.g. "bucket.*.*",
// "bucket.users.inserted"). Returns an unsubscribe function.
func (s *Store) On(pattern string, handler eventbus.Handler) func() {
	return s.bus.Subscribe(pattern, handler)
}

// Settle blocks until every in-flight reactive query re-evaluation has completed.
func (s *Store) Settle() {
	s.queries.Settle()
}

// PurgeTTL runs expiration across every bucket carrying a TTL policy and returns the
// total number of records purged. A Store built by Start with a positive
// TTLCheckIntervalMs calls it on that interval; otherwise callers invoke PurgeTTL on
// whatever schedule they choose.
func (s *Store) PurgeTTL() int {
	total := 0
	for _, entry := range s.buckets {
		if entry.def.TTL != nil {
			total += entry.a.PurgeExpired(time.Now())
		}
	}
	return total
}

// GetStats reports per-bucket stats for every registered bucket.
func (s *Store) GetStats() map[string]actor.Stats {
	out := make(map[string]actor.Stats, len(s.buckets))
	for name, entry := range s.buckets {
		out[name] = entry.a.GetStats()
	}
	return out
}

// Stop performs the shutdown sequence: the TTL loop (if running) is stopped first,
// then persistence flushes synchronously, then every BucketActor stops, then the event
// bus stops. Stop is idempotent.
func (s *Store) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	if s.ttlStop != nil {
		close(s.ttlStop)
		<-s.ttlDone
	}
	if s.persistence != nil {
		s.persistence.Stop()
	}
	for _, entry := range s.buckets {
		entry.a.Stop()
	}
	s.bus.Close()
}
