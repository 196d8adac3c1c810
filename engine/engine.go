// Package engine assembles the validation service: the worker pool, the
// dispatcher, and the coordination cache behind one façade.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	rv "github.com/medvertical/validator"
	"github.com/medvertical/validator/coordinate"
	"github.com/medvertical/validator/dispatch"
	"github.com/medvertical/validator/logger"
	"github.com/medvertical/validator/pool"
	"github.com/medvertical/validator/process"
)

// Engine is the validation service façade. Construct it with New, call
// Initialize before the first validation, and Shutdown when done.
type Engine struct {
	opts    *rv.Options
	log     zerolog.Logger
	metrics *rv.Metrics

	pool  *pool.Pool
	disp  *dispatch.Dispatcher
	coord *coordinate.Coordinator

	shutting atomic.Bool
}

// New creates an engine that launches real validator processes.
func New(opts ...rv.Option) (*Engine, error) {
	o := rv.DefaultOptions()
	for _, fn := range opts {
		fn(o)
	}
	workerLog := logger.Component("worker")
	factory := func(ctx context.Context) (pool.Worker, error) {
		return process.Start(process.Config{
			Command: o.Command,
			WorkDir: o.WorkDir,
			Log:     workerLog,
		})
	}
	return NewWithFactory(factory, o)
}

// NewWithFactory creates an engine over a custom worker factory. Tests use
// this to substitute in-process workers.
func NewWithFactory(factory pool.Factory, o *rv.Options) (*Engine, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		opts:    o,
		log:     logger.Component("engine"),
		metrics: rv.NewMetrics(),
	}
	e.pool = pool.New(factory, o, logger.Component("pool"))
	e.disp = dispatch.New(e.pool, o, logger.Component("dispatch"))
	e.pool.SetIdleCallback(e.disp.Kick)
	e.coord = coordinate.New(e, o.CacheTTL, o.SweepInterval, e.metrics, logger.Component("coordinate"))
	return e, nil
}

// Initialize spawns and warms the initial worker set. The engine accepts no
// work until Initialize returns nil.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.pool.Initialize(ctx); err != nil {
		return err
	}
	e.pool.StartMaintenance()
	e.log.Info().
		Int("workers", e.pool.Live()).
		Strs("command", e.opts.Command).
		Msg("engine initialized")
	return nil
}

// Validate runs one validation of the document, bypassing the coordination
// cache. The call blocks until an outcome, a failure, or a deadline.
func (e *Engine) Validate(ctx context.Context, payload []byte, req rv.Request) (*rv.Outcome, error) {
	if e.shutting.Load() {
		return nil, rv.ErrShuttingDown
	}
	if req.FHIRVersion == "" {
		req.FHIRVersion = e.opts.FHIRVersion
	}

	start := time.Now()
	out, err := e.disp.Validate(ctx, payload, req)
	if err != nil {
		if rv.IsTimeout(err) {
			e.metrics.RecordTimeout()
		} else {
			e.metrics.RecordError()
		}
		return nil, err
	}
	e.metrics.RecordValidation(time.Since(start), out.Valid())
	return out, nil
}

// EnsureValidated returns the cached outcome for the document, running one
// validation first if no fresh outcome exists. Concurrent calls for the same
// document share a single validation.
func (e *Engine) EnsureValidated(ctx context.Context, payload []byte, req rv.Request) (*rv.Outcome, error) {
	if e.shutting.Load() {
		return nil, rv.ErrShuttingDown
	}
	return e.coord.EnsureValidated(ctx, payload, req)
}

// IssuesForAspect reads the cached issues for one aspect of a document. It
// never triggers a validation; an absent or expired entry yields nil.
func (e *Engine) IssuesForAspect(docID string, aspect rv.Aspect) []rv.Issue {
	return e.coord.IssuesForAspect(docID, aspect)
}

// Invalidate drops the cached outcome for one document identity.
func (e *Engine) Invalidate(docID string) bool { return e.coord.Invalidate(docID) }

// InvalidateAll empties the coordination cache.
func (e *Engine) InvalidateAll() int { return e.coord.InvalidateAll() }

// Metrics exposes the engine's counters for telemetry collectors.
func (e *Engine) Metrics() *rv.Metrics { return e.metrics }

// Stats returns a point-in-time snapshot of the engine.
func (e *Engine) Stats() rv.Stats {
	idle, busy, failed := e.pool.Counts()
	cache := e.coord.Snapshot()
	return rv.Stats{
		PoolSize:         e.pool.Live(),
		Idle:             idle,
		Busy:             busy,
		Failed:           failed,
		Queued:           e.disp.QueueDepth(),
		TotalValidations: e.metrics.ValidationsTotal(),
		TotalErrors:      e.metrics.ErrorsTotal(),
		TotalTimeouts:    e.metrics.TimeoutsTotal(),
		AvgLatency:       e.metrics.AvgLatency(),
		MinLatency:       e.metrics.MinLatency(),
		MaxLatency:       e.metrics.MaxLatency(),
		CacheEntries:     cache.Entries,
		CacheHits:        cache.Hits,
		CacheMisses:      cache.Misses,
	}
}

// Shutdown stops the engine: new work is rejected, queued jobs fail with
// ErrShuttingDown, in-flight jobs get the shutdown grace to finish, then all
// workers terminate.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.shutting.CompareAndSwap(false, true) {
		return nil
	}
	e.log.Info().Msg("engine shutting down")
	e.coord.Close()
	e.disp.Shutdown()
	return e.pool.Shutdown(ctx)
}
