// Package reactive implements QueryManager: named pure query functions run against a
// dependency-recording bucket proxy, subscribed callers are re-run and woken only when
// their recorded dependencies are touched and the result actually changed.
package reactive

import (
	"github.com/hamicek/noex-store-sub003/actor"
	"github.com/hamicek/noex-store-sub003/schema"
)

// BucketSource resolves a bucket name to its live actor, same shape as txn.BucketSource;
// kept as its own interface so this package never imports the store facade.
type BucketSource interface {
	ActorFor(name string) (*actor.BucketActor, error)
}

// deps accumulates the two dependency kinds recorded during one query run: bucket-level
// (any read other than a keyed get) and record-level ((bucket, key) from get).
type deps struct {
	buckets map[string]bool
	records map[string]map[string]bool
}

func newDeps() *deps {
	return &deps{buckets: make(map[string]bool), records: make(map[string]map[string]bool)}
}

func (d *deps) addBucket(name string) {
	d.buckets[name] = true
}

func (d *deps) addRecord(bucket, key string) {
	m := d.records[bucket]
	if m == nil {
		m = make(map[string]bool)
		d.records[bucket] = m
	}
	m[key] = true
}

// RecordingContext is the `ctx` handed to a query function: every read through it is
// logged into the deps accumulated for the in-flight run.
type RecordingContext struct {
	source BucketSource
	deps   *deps
}

func newRecordingContext(source BucketSource) *RecordingContext {
	return &RecordingContext{source: source, deps: newDeps()}
}

// Bucket returns a dependency-recording proxy for bucket name. A query function that
// references a bucket which does not (yet) exist gets a proxy whose reads simply return
// empty results rather than an error, so a query can depend on a bucket defined later.
func (rc *RecordingContext) Bucket(name string) *BucketProxy {
	return &BucketProxy{name: name, rc: rc}
}

// BucketProxy is the bucket-scoped read surface exposed to a query function.
type BucketProxy struct {
	name string
	rc   *RecordingContext
}

func (p *BucketProxy) actorOrNil() *actor.BucketActor {
	a, err := p.rc.source.ActorFor(p.name)
	if err != nil {
		return nil
	}
	return a
}

// Get records a record-level dependency on (bucket, key).
func (p *BucketProxy) Get(key string) (schema.Document, bool) {
	p.rc.deps.addRecord(p.name, key)
	a := p.actorOrNil()
	if a == nil {
		return nil, false
	}
	return a.Get(key)
}

// All records a bucket-level dependency.
func (p *BucketProxy) All() []schema.Document {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return nil
	}
	return a.All()
}

// Where records a bucket-level dependency.
func (p *BucketProxy) Where(filter map[string]any) []schema.Document {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return nil
	}
	return a.Where(filter)
}

// FindOne records a bucket-level dependency.
func (p *BucketProxy) FindOne(filter map[string]any) (schema.Document, bool) {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return nil, false
	}
	return a.FindOne(filter)
}

// Count records a bucket-level dependency.
func (p *BucketProxy) Count(filter map[string]any) int {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return 0
	}
	return a.Count(filter)
}

// First records a bucket-level dependency.
func (p *BucketProxy) First(n int) []schema.Document {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return nil
	}
	return a.First(n)
}

// Last records a bucket-level dependency.
func (p *BucketProxy) Last(n int) []schema.Document {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return nil
	}
	return a.Last(n)
}

// Paginate records a bucket-level dependency.
func (p *BucketProxy) Paginate(after string, limit int) actor.PageResult {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return actor.PageResult{Records: []schema.Document{}}
	}
	return a.Paginate(after, limit)
}

// Sum records a bucket-level dependency.
func (p *BucketProxy) Sum(field string, filter map[string]any) float64 {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return 0
	}
	return a.Sum(field, filter)
}

// Avg records a bucket-level dependency.
func (p *BucketProxy) Avg(field string, filter map[string]any) float64 {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return 0
	}
	return a.Avg(field, filter)
}

// Min records a bucket-level dependency.
func (p *BucketProxy) Min(field string, filter map[string]any) (float64, bool) {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return 0, false
	}
	return a.Min(field, filter)
}

// Max records a bucket-level dependency.
func (p *BucketProxy) Max(field string, filter map[string]any) (float64, bool) {
	p.rc.deps.addBucket(p.name)
	a := p.actorOrNil()
	if a == nil {
		return 0, false
	}
	return a.Max(field, filter)
}
