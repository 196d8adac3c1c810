package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rv "github.com/medvertical/validator"
	"github.com/medvertical/validator/pool"
)

type fakeWorker struct {
	id     string
	invoke func(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error)

	mu    sync.Mutex
	state rv.WorkerState
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) State() rv.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorker) SetState(s rv.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

func (w *fakeWorker) Healthy() bool            { return true }
func (w *fakeWorker) CreatedAt() time.Time     { return time.Now() }
func (w *fakeWorker) LastUsedAt() time.Time    { return time.Now() }
func (w *fakeWorker) ValidationCount() int     { return 0 }
func (w *fakeWorker) ConsecutiveFailures() int { return 0 }
func (w *fakeWorker) RecordOutcome(bool)       {}
func (w *fakeWorker) Terminate(time.Duration)  {}

func (w *fakeWorker) Invoke(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error) {
	if w.invoke != nil {
		return w.invoke(ctx, req, payload)
	}
	return &rv.Outcome{}, nil
}

type release struct {
	id     string
	failed bool
}

// fakePool hands out a fixed set of workers, records releases, and puts
// healthy workers straight back on the idle list.
type fakePool struct {
	mu       sync.Mutex
	idle     []*fakeWorker
	workers  map[string]*fakeWorker
	grow     bool
	spawns   int
	releases []release
}

func (p *fakePool) AcquireIdle() (pool.Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil, false
	}
	w := p.idle[0]
	p.idle = p.idle[1:]
	w.SetState(rv.WorkerBusy)
	return w, true
}

func (p *fakePool) Release(id string, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases = append(p.releases, release{id: id, failed: failed})
	if w, ok := p.workers[id]; ok && !failed {
		w.SetState(rv.WorkerIdle)
		p.idle = append(p.idle, w)
	}
}

func (p *fakePool) CanGrow() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.grow
}

func (p *fakePool) RequestSpawn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.spawns++
}

func (p *fakePool) addIdle(w *fakeWorker) {
	p.mu.Lock()
	if p.workers == nil {
		p.workers = make(map[string]*fakeWorker)
	}
	p.workers[w.id] = w
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

func (p *fakePool) releaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.releases)
}

func testDispatcher(t *testing.T, p *fakePool, timeout time.Duration) *Dispatcher {
	t.Helper()
	opts := rv.DefaultOptions()
	opts.JobTimeout = timeout
	return New(p, opts, zerolog.Nop())
}

func TestValidateFIFOOrder(t *testing.T) {
	var order []string
	var orderMu sync.Mutex

	p := &fakePool{}
	d := testDispatcher(t, p, 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		payload := []byte(fmt.Sprintf(`{"n":%d}`, i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := d.Validate(context.Background(), payload, rv.Request{FHIRVersion: rv.R4})
			require.NoError(t, err)
			require.NotNil(t, out)
		}()
		// No idle worker yet, so each job parks in the queue; waiting for
		// the depth to grow pins the submission order.
		require.Eventually(t, func() bool {
			return d.QueueDepth() == i+1
		}, time.Second, time.Millisecond)
	}

	w := &fakeWorker{id: "w-1", invoke: func(_ context.Context, _ rv.Request, payload []byte) (*rv.Outcome, error) {
		orderMu.Lock()
		order = append(order, string(payload))
		orderMu.Unlock()
		return &rv.Outcome{}, nil
	}}
	p.addIdle(w)
	d.Kick()
	wg.Wait()

	require.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, order)
}

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	const workers = 2
	const jobs = 5

	var current, peak atomic.Int32
	block := make(chan struct{})

	p := &fakePool{}
	d := testDispatcher(t, p, 5*time.Second)

	for i := 0; i < workers; i++ {
		w := &fakeWorker{id: fmt.Sprintf("w-%d", i)}
		w.invoke = func(_ context.Context, _ rv.Request, _ []byte) (*rv.Outcome, error) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-block
			current.Add(-1)
			return &rv.Outcome{}, nil
		}
		p.addIdle(w)
	}

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
			require.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool {
		return current.Load() == workers
	}, time.Second, time.Millisecond)
	close(block)
	wg.Wait()

	assert.Equal(t, int32(workers), peak.Load())
	assert.Equal(t, jobs, p.releaseCount())
}

func TestValidateTimesOutWhileQueued(t *testing.T) {
	p := &fakePool{} // never any idle worker
	d := testDispatcher(t, p, 50*time.Millisecond)

	_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
	require.Error(t, err)
	assert.True(t, rv.IsTimeout(err))
	assert.Equal(t, 0, d.QueueDepth(), "timed out job must leave the queue")
}

func TestPerRequestTimeoutOverride(t *testing.T) {
	p := &fakePool{}
	d := testDispatcher(t, p, time.Hour)

	start := time.Now()
	_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{
		FHIRVersion: rv.R4,
		Timeout:     30 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, rv.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueWaitCountsAgainstInvokeDeadline(t *testing.T) {
	const timeout = 300 * time.Millisecond
	const queued = 100 * time.Millisecond

	p := &fakePool{}
	d := testDispatcher(t, p, timeout)

	remaining := make(chan time.Duration, 1)
	w := &fakeWorker{id: "w-1", invoke: func(ctx context.Context, _ rv.Request, _ []byte) (*rv.Outcome, error) {
		dl, ok := ctx.Deadline()
		require.True(t, ok, "invoke context must carry the job deadline")
		remaining <- time.Until(dl)
		return &rv.Outcome{}, nil
	}}

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return d.QueueDepth() == 1
	}, time.Second, time.Millisecond)

	// The job sits queued before a worker shows up; that wait must already
	// be spent from its budget when the invoke starts.
	time.Sleep(queued)
	p.addIdle(w)
	d.Kick()

	require.NoError(t, <-errCh)
	left := <-remaining
	assert.Less(t, left, timeout-queued+50*time.Millisecond)
	assert.Greater(t, left, time.Duration(0))
}

func TestLateOutcomeDiscarded(t *testing.T) {
	done := make(chan struct{})
	p := &fakePool{}
	d := testDispatcher(t, p, 30*time.Millisecond)

	w := &fakeWorker{id: "w-1", invoke: func(ctx context.Context, _ rv.Request, _ []byte) (*rv.Outcome, error) {
		<-done
		return &rv.Outcome{}, nil
	}}
	p.addIdle(w)

	_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
	require.Error(t, err)
	assert.True(t, rv.IsTimeout(err))

	// The worker finishes after the caller gave up; the outcome is dropped
	// and the worker still goes back to the pool.
	close(done)
	require.Eventually(t, func() bool {
		return p.releaseCount() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, d.InFlight())
}

func TestValidateCanceled(t *testing.T) {
	p := &fakePool{}
	d := testDispatcher(t, p, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Validate(ctx, []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return d.QueueDepth() == 1
	}, time.Second, time.Millisecond)

	cancel()
	err := <-errCh
	require.Error(t, err)
	assert.True(t, rv.IsCode(err, rv.CodeCanceled))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProcessFailureMarksRelease(t *testing.T) {
	p := &fakePool{}
	d := testDispatcher(t, p, time.Second)

	w := &fakeWorker{id: "w-1", invoke: func(context.Context, rv.Request, []byte) (*rv.Outcome, error) {
		return nil, rv.New(rv.CodeProcess, "validator wrote garbage")
	}}
	p.addIdle(w)

	_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
	require.Error(t, err)
	assert.True(t, rv.IsProcess(err))

	require.Eventually(t, func() bool { return p.releaseCount() == 1 }, time.Second, time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.True(t, p.releases[0].failed)
}

func TestBackpressureRequestsSpawn(t *testing.T) {
	p := &fakePool{grow: true}
	d := testDispatcher(t, p, 50*time.Millisecond)

	_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
	require.Error(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Greater(t, p.spawns, 0)
}

func TestShutdownRejectsQueued(t *testing.T) {
	p := &fakePool{}
	d := testDispatcher(t, p, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		_, err := d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return d.QueueDepth() == 1
	}, time.Second, time.Millisecond)

	d.Shutdown()

	err := <-errCh
	require.Error(t, err)
	assert.ErrorIs(t, err, rv.ErrShuttingDown)

	// New submissions are rejected outright.
	_, err = d.Validate(context.Background(), []byte(`{}`), rv.Request{FHIRVersion: rv.R4})
	assert.ErrorIs(t, err, rv.ErrShuttingDown)
}
