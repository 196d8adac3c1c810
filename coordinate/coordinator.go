package coordinate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	rv "github.com/medvertical/validator"
)

// Validator runs one full validation of a document.
type Validator interface {
	Validate(ctx context.Context, payload []byte, req rv.Request) (*rv.Outcome, error)
}

// entry is one cached validation result. A failed validation is cached too,
// as an error placeholder, so a broken document does not hammer the workers
// until its TTL passes or it is invalidated.
type entry struct {
	outcome  *rv.Outcome
	err      error
	storedAt time.Time
}

func (e *entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.storedAt) >= ttl
}

// Stats is a point-in-time snapshot of the coordinator's cache.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Coordinator caches outcomes by document identity and collapses concurrent
// validations of the same document into one worker invocation.
type Coordinator struct {
	validator Validator
	ttl       time.Duration
	log       zerolog.Logger
	metrics   *rv.Metrics

	mu      sync.Mutex
	entries map[string]*entry

	group singleflight.Group

	evictions atomic.Uint64

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a coordinator and starts its sweep loop. Cache hits and misses
// are recorded on metrics; pass nil to keep counters private.
func New(v Validator, ttl, sweepInterval time.Duration, metrics *rv.Metrics, log zerolog.Logger) *Coordinator {
	if metrics == nil {
		metrics = rv.NewMetrics()
	}
	c := &Coordinator{
		validator: v,
		ttl:       ttl,
		log:       log,
		metrics:   metrics,
		entries:   make(map[string]*entry),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// EnsureValidated returns the cached outcome for the document, validating it
// first if no fresh outcome exists. Concurrent calls for the same document
// share a single validation.
func (c *Coordinator) EnsureValidated(ctx context.Context, payload []byte, req rv.Request) (*rv.Outcome, error) {
	docID, err := rv.DocumentID(payload)
	if err != nil {
		return nil, err
	}

	if out, err, ok := c.lookup(docID); ok {
		return out, err
	}

	v, err, _ := c.group.Do(docID, func() (any, error) {
		// A concurrent caller may have finished while we waited on the key.
		if out, err, ok := c.lookup(docID); ok {
			return out, err
		}
		out, err := c.validator.Validate(ctx, payload, req)
		c.store(docID, out, err)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*rv.Outcome), nil
}

// IssuesForAspect is a pure cache read: it returns the cached bucket for one
// aspect, or nil when no entry exists, the entry has expired, or the cached
// validation failed. It never submits work; callers run EnsureValidated
// first when they need a fresh outcome.
func (c *Coordinator) IssuesForAspect(docID string, aspect rv.Aspect) []rv.Issue {
	out, _, ok := c.lookup(docID)
	if !ok || out == nil {
		return nil
	}
	return out.ByAspect()[aspect]
}

// lookup returns the cached outcome for docID if a fresh entry exists.
// Expired entries are evicted on the spot.
func (c *Coordinator) lookup(docID string) (*rv.Outcome, error, bool) {
	c.mu.Lock()
	e, ok := c.entries[docID]
	if ok && e.expired(time.Now(), c.ttl) {
		delete(c.entries, docID)
		c.evictions.Add(1)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.RecordCacheMiss()
		return nil, nil, false
	}
	c.metrics.RecordCacheHit()
	return e.outcome, e.err, true
}

func (c *Coordinator) store(docID string, out *rv.Outcome, err error) {
	// A caller-side cancellation says nothing about the document; caching it
	// would pin a bogus failure for the full TTL.
	if rv.IsCode(err, rv.CodeCanceled) || rv.IsShuttingDown(err) {
		return
	}
	c.mu.Lock()
	c.entries[docID] = &entry{outcome: out, err: err, storedAt: time.Now()}
	c.mu.Unlock()
	if err != nil {
		c.log.Debug().Str("doc_id", docID).Err(err).Msg("cached failed validation")
	}
}

// Invalidate drops the cached outcome for one document. Reports whether an
// entry existed.
func (c *Coordinator) Invalidate(docID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[docID]; !ok {
		return false
	}
	delete(c.entries, docID)
	c.evictions.Add(1)
	return true
}

// InvalidateAll empties the cache and returns the number of entries dropped.
func (c *Coordinator) InvalidateAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.evictions.Add(uint64(n))
	return n
}

// Len returns the number of cached entries, fresh or not.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns the cache counters.
func (c *Coordinator) Snapshot() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Entries:   entries,
		Hits:      c.metrics.CacheHits(),
		Misses:    c.metrics.CacheMisses(),
		Evictions: c.evictions.Load(),
	}
}

// Close stops the sweep loop. The cache remains readable afterwards.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

func (c *Coordinator) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.sweep(); n > 0 {
				c.log.Debug().Int("evicted", n).Msg("cache sweep")
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Coordinator) sweep() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for docID, e := range c.entries {
		if e.expired(now, c.ttl) {
			delete(c.entries, docID)
			n++
		}
	}
	c.evictions.Add(uint64(n))
	return n
}
