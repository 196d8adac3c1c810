package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	rv "github.com/medvertical/validator"
	"github.com/medvertical/validator/pool"
)

// WorkerPool is the dispatcher's view of the pool.
type WorkerPool interface {
	AcquireIdle() (pool.Worker, bool)
	Release(id string, failed bool)
	CanGrow() bool
	RequestSpawn()
}

// Dispatcher owns the FIFO queue and the matching loop. Strict submission
// order among waiting jobs; no priorities, no per-caller quotas.
type Dispatcher struct {
	pool WorkerPool
	opts *rv.Options
	log  zerolog.Logger

	mu       sync.Mutex
	queue    []*Job
	inFlight int
	shutting bool
}

// New creates a dispatcher over the given pool.
func New(p WorkerPool, opts *rv.Options, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{pool: p, opts: opts, log: log}
}

// Validate submits one job and blocks until it resolves, fails, times out,
// or shutdown rejects it.
func (d *Dispatcher) Validate(ctx context.Context, payload []byte, req rv.Request) (*rv.Outcome, error) {
	job := NewJob(payload, req)
	if err := d.submit(job); err != nil {
		return nil, err
	}

	timer := time.NewTimer(d.opts.EffectiveTimeout(req))
	defer timer.Stop()

	select {
	case r := <-job.resp:
		return r.outcome, r.err

	case <-timer.C:
		d.removeQueued(job)
		if job.abandoned() {
			d.log.Warn().Str("job_id", job.ID).Msg("job deadline exceeded")
			return nil, rv.Newf(rv.CodeTimeout, "validation job %s exceeded its deadline", job.ID)
		}
		// The outcome won the race; take it.
		r := <-job.resp
		return r.outcome, r.err

	case <-ctx.Done():
		d.removeQueued(job)
		if job.abandoned() {
			return nil, rv.Wrap(ctx.Err(), rv.CodeCanceled, "validation canceled by caller")
		}
		r := <-job.resp
		return r.outcome, r.err
	}
}

// submit enqueues the job and immediately attempts dispatch.
func (d *Dispatcher) submit(job *Job) error {
	d.mu.Lock()
	if d.shutting {
		d.mu.Unlock()
		return rv.ErrShuttingDown
	}
	d.queue = append(d.queue, job)
	depth := len(d.queue)
	d.mu.Unlock()

	d.log.Debug().Str("job_id", job.ID).Int("queued", depth).Msg("job submitted")
	d.Kick()
	return nil
}

// Kick runs the dispatch loop. The pool calls this whenever a worker
// becomes idle; submit and job completion call it internally.
func (d *Dispatcher) Kick() {
	for {
		d.mu.Lock()
		if d.shutting || len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		w, ok := d.pool.AcquireIdle()
		if !ok {
			d.mu.Unlock()
			// Queue backs up: grow if capacity remains, otherwise the
			// job waits for a release.
			if d.pool.CanGrow() {
				d.pool.RequestSpawn()
			}
			return
		}
		job := d.queue[0]
		d.queue = d.queue[1:]
		d.inFlight++
		d.mu.Unlock()

		go d.run(job, w)
	}
}

// run executes one job against its assigned worker, releases the worker,
// and loops the dispatcher.
func (d *Dispatcher) run(job *Job, w pool.Worker) {
	// The job's budget runs from submission, not dispatch; time spent queued
	// counts against it, so a worker never outlives the caller's deadline.
	deadline := job.EnqueuedAt.Add(d.opts.EffectiveTimeout(job.Req))
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	out, err := w.Invoke(ctx, job.Req, job.Payload)

	// Only process failures count against the worker; a deadline is the
	// job's problem, not the worker's.
	d.pool.Release(w.ID(), rv.IsProcess(err))

	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()

	if !job.deliver(out, err) {
		d.log.Debug().Str("job_id", job.ID).Msg("discarding outcome for abandoned job")
	}
	d.Kick()
}

// removeQueued drops a job from the queue if it has not been dispatched.
func (d *Dispatcher) removeQueued(job *Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, queued := range d.queue {
		if queued == job {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// QueueDepth returns the number of jobs waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// InFlight returns the number of jobs currently running on workers.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}

// Shutdown rejects every queued job immediately. In-flight jobs keep their
// workers until they finish; the pool bounds that wait.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.shutting = true
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, job := range queued {
		job.deliver(nil, rv.ErrShuttingDown)
	}
	if len(queued) > 0 {
		d.log.Info().Int("rejected", len(queued)).Msg("queued jobs rejected by shutdown")
	}
}
