package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	rv "github.com/medvertical/validator"
)

// Worker is one external validator process handle as the pool sees it.
// *process.Worker is the production implementation.
type Worker interface {
	ID() string
	State() rv.WorkerState
	SetState(rv.WorkerState)
	Healthy() bool
	CreatedAt() time.Time
	LastUsedAt() time.Time
	ValidationCount() int
	ConsecutiveFailures() int
	RecordOutcome(failed bool)
	Invoke(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error)
	Terminate(grace time.Duration)
}

// Factory spawns one unwarmed worker.
type Factory func(ctx context.Context) (Worker, error)

// Pool owns the worker set and enforces the configured bounds. Workers are
// never shared outside the pool; the dispatcher borrows them through
// AcquireIdle and returns them through Release.
type Pool struct {
	opts    *rv.Options
	factory Factory
	warmer  *Warmer
	log     zerolog.Logger

	mu       sync.Mutex
	workers  map[string]Worker
	spawning int
	shutting bool
	onIdle   func()

	maintStop  chan struct{}
	maintDone  chan struct{}
	maintStart sync.Once
	maintHalt  sync.Once

	wg sync.WaitGroup
}

// New creates a pool. No workers are spawned until Initialize.
func New(factory Factory, opts *rv.Options, log zerolog.Logger) *Pool {
	return &Pool{
		opts:      opts,
		factory:   factory,
		warmer:    NewWarmer(opts.WarmupTimeout, opts.FHIRVersion),
		log:       log,
		workers:   make(map[string]Worker),
		maintStop: make(chan struct{}),
		maintDone: make(chan struct{}),
	}
}

// SetIdleCallback registers the dispatcher's kick, invoked whenever a worker
// becomes idle. Must be called before Initialize.
func (p *Pool) SetIdleCallback(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onIdle = fn
}

// Initialize spawns and warms min(target, max) workers concurrently. Any
// warmup failure fails the whole initialization; partially spawned workers
// are terminated. An empty pool cannot make progress, so the caller must
// treat this error as fatal.
func (p *Pool) Initialize(ctx context.Context) error {
	n := p.opts.TargetWorkers
	if n > p.opts.MaxWorkers {
		n = p.opts.MaxWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			return p.spawnOne(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		p.terminateAll()
		return rv.Wrap(err, rv.CodeSpawn, "pool initialization failed")
	}

	p.log.Info().Int("workers", p.Live()).Msg("pool initialized")
	return nil
}

// spawnOne creates a worker, warms it, and publishes it as idle. A warmup
// failure discards the worker without touching already-idle ones.
func (p *Pool) spawnOne(ctx context.Context) error {
	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		return rv.ErrShuttingDown
	}
	if len(p.workers)+p.spawning >= p.opts.MaxWorkers {
		p.mu.Unlock()
		return nil
	}
	p.spawning++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.spawning--
		p.mu.Unlock()
	}()

	w, err := p.factory(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := p.warmer.Warm(ctx, w); err != nil {
		w.Terminate(p.opts.TerminateGrace)
		return err
	}

	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		w.Terminate(p.opts.TerminateGrace)
		return rv.ErrShuttingDown
	}
	w.SetState(rv.WorkerIdle)
	p.workers[w.ID()] = w
	cb := p.onIdle
	p.mu.Unlock()

	p.log.Info().
		Str("worker_id", w.ID()).
		Dur("warmup", time.Since(start)).
		Msg("worker warmed and idle")

	if cb != nil {
		cb()
	}
	return nil
}

// AcquireIdle hands an idle worker to the dispatcher, marking it busy.
func (p *Pool) AcquireIdle() (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutting {
		return nil, false
	}
	for _, w := range p.workers {
		if w.State() == rv.WorkerIdle {
			w.SetState(rv.WorkerBusy)
			return w, true
		}
	}
	return nil, false
}

// Release returns a worker after a job. A process failure bumps the
// consecutive failure count; exceeding the threshold recycles the worker.
func (p *Pool) Release(id string, failed bool) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	w.RecordOutcome(failed)
	if failed && w.ConsecutiveFailures() > p.opts.FailureThreshold {
		w.SetState(rv.WorkerFailed)
		p.mu.Unlock()
		p.log.Warn().
			Str("worker_id", id).
			Int("consecutive_failures", w.ConsecutiveFailures()).
			Msg("failure threshold exceeded, recycling worker")
		p.Recycle(id)
		return
	}
	if !w.Healthy() {
		w.SetState(rv.WorkerFailed)
		p.mu.Unlock()
		p.Recycle(id)
		return
	}
	w.SetState(rv.WorkerIdle)
	cb := p.onIdle
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Recycle takes a worker out of service, terminates it, and spawns a
// replacement when below target and not shutting down.
func (p *Pool) Recycle(id string) {
	w, ok := p.remove(id)
	if !ok {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.Terminate(p.opts.TerminateGrace)
	}()

	p.mu.Lock()
	replace := !p.shutting && len(p.workers)+p.spawning < p.opts.TargetWorkers
	p.mu.Unlock()
	if replace {
		p.RequestSpawn()
	}
}

// RequestSpawn asynchronously grows the pool toward max. Safe to call when
// at capacity; the request is then a no-op.
func (p *Pool) RequestSpawn() {
	p.mu.Lock()
	if p.shutting || len(p.workers)+p.spawning >= p.opts.MaxWorkers {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.spawnOne(context.Background()); err != nil && !rv.IsShuttingDown(err) {
			// Not retried immediately; the next maintenance cycle tops up.
			p.log.Warn().Err(err).Msg("steady-state spawn failed")
		}
	}()
}

// CanGrow reports whether the pool is below max capacity.
func (p *Pool) CanGrow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.shutting && len(p.workers)+p.spawning < p.opts.MaxWorkers
}

// Live returns the number of workers in the pool.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Counts returns pool occupancy by state.
func (p *Pool) Counts() (idle, busy, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		switch w.State() {
		case rv.WorkerIdle:
			idle++
		case rv.WorkerBusy:
			busy++
		case rv.WorkerFailed:
			failed++
		}
	}
	return idle, busy, failed
}

// StartMaintenance launches the periodic maintenance loop.
func (p *Pool) StartMaintenance() {
	p.maintStart.Do(func() {
		go func() {
			defer close(p.maintDone)
			ticker := time.NewTicker(p.opts.MaintenanceInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.maintStop:
					return
				case <-ticker.C:
					p.Maintain()
				}
			}
		}()
	})
}

// Maintain runs one maintenance pass: recycle over-age, over-used, failed,
// and dead workers; scale surplus idle workers down toward target (never
// below min); top the pool back up to min after earlier spawn failures.
func (p *Pool) Maintain() {
	now := time.Now()

	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		return
	}

	// Candidates leave the worker map in the same critical section that
	// selects them, so AcquireIdle can never hand out a worker that is
	// about to be terminated.
	var doomed []Worker
	var idle []string
	for id, w := range p.workers {
		state := w.State()
		switch {
		case state == rv.WorkerFailed || !w.Healthy():
			delete(p.workers, id)
			doomed = append(doomed, w)
		case state != rv.WorkerIdle:
			// Busy workers are left alone.
		case p.opts.MaxWorkerAge > 0 && now.Sub(w.CreatedAt()) > p.opts.MaxWorkerAge:
			delete(p.workers, id)
			doomed = append(doomed, w)
		case p.opts.MaxWorkerValidations > 0 && w.ValidationCount() >= p.opts.MaxWorkerValidations:
			delete(p.workers, id)
			doomed = append(doomed, w)
		default:
			idle = append(idle, id)
		}
	}

	live := len(p.workers)
	for _, id := range idle {
		if live <= p.opts.TargetWorkers || live <= p.opts.MinWorkers {
			break
		}
		doomed = append(doomed, p.workers[id])
		delete(p.workers, id)
		live--
	}
	deficit := p.opts.MinWorkers - live - p.spawning
	p.mu.Unlock()

	if len(doomed) > 0 {
		p.log.Info().Int("recycling", len(doomed)).Msg("maintenance pass")
	}
	for _, w := range doomed {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Terminate(p.opts.TerminateGrace)
		}()
	}

	for i := 0; i < deficit; i++ {
		p.spawnWithRetry()
	}
}

// spawnWithRetry paces maintenance respawns with exponential backoff so a
// flapping validator binary cannot cause a spawn storm within one tick.
func (p *Pool) spawnWithRetry() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
			if !p.CanGrow() {
				return struct{}{}, backoff.Permanent(rv.New(rv.CodeSpawn, "pool at capacity"))
			}
			return struct{}{}, p.spawnOne(context.Background())
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
		if err != nil && !rv.IsShuttingDown(err) {
			p.log.Warn().Err(err).Msg("maintenance respawn exhausted retries")
		}
	}()
}

// Shutdown drains the pool: maintenance stops, new acquires are rejected,
// busy workers get the grace period to finish, then everything terminates.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutting {
		p.mu.Unlock()
		return nil
	}
	p.shutting = true
	p.mu.Unlock()

	p.stopMaintenance()

	deadline := time.NewTimer(p.opts.ShutdownGrace)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

drain:
	for {
		_, busy, _ := p.Counts()
		if busy == 0 {
			break
		}
		select {
		case <-deadline.C:
			p.log.Warn().Int("busy", busy).Msg("shutdown grace elapsed with jobs in flight")
			break drain
		case <-ctx.Done():
			break drain
		case <-tick.C:
		}
	}

	p.terminateAll()
	p.wg.Wait()
	p.log.Info().Msg("pool shut down")
	return nil
}

func (p *Pool) stopMaintenance() {
	p.maintHalt.Do(func() {
		close(p.maintStop)
	})
	p.maintStart.Do(func() {
		// Loop never started; nothing will close maintDone.
		close(p.maintDone)
	})
	<-p.maintDone
}

func (p *Pool) remove(id string) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	if ok {
		delete(p.workers, id)
	}
	return w, ok
}

func (p *Pool) terminateAll() {
	p.mu.Lock()
	workers := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]Worker)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			w.Terminate(p.opts.TerminateGrace)
		}(w)
	}
	wg.Wait()
}
