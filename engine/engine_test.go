package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rv "github.com/medvertical/validator"
	"github.com/medvertical/validator/pool"
)

// fakeWorker satisfies pool.Worker without spawning a process. Warmup goes
// through Invoke like any other request.
type fakeWorker struct {
	id     string
	invoke func(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error)

	mu          sync.Mutex
	state       rv.WorkerState
	createdAt   time.Time
	lastUsed    time.Time
	validations int
	consecFails int
	terminated  atomic.Bool
}

func (f *fakeWorker) ID() string { return f.id }

func (f *fakeWorker) State() rv.WorkerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeWorker) SetState(s rv.WorkerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = s
}

func (f *fakeWorker) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == rv.WorkerIdle || f.state == rv.WorkerBusy || f.state == rv.WorkerStarting
}

func (f *fakeWorker) CreatedAt() time.Time  { return f.createdAt }
func (f *fakeWorker) LastUsedAt() time.Time { f.mu.Lock(); defer f.mu.Unlock(); return f.lastUsed }

func (f *fakeWorker) ValidationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validations
}

func (f *fakeWorker) ConsecutiveFailures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.consecFails
}

func (f *fakeWorker) RecordOutcome(failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validations++
	f.lastUsed = time.Now()
	if failed {
		f.consecFails++
	} else {
		f.consecFails = 0
	}
}

func (f *fakeWorker) Invoke(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error) {
	if f.invoke != nil {
		return f.invoke(ctx, req, payload)
	}
	return &rv.Outcome{EngineVersion: "fake"}, nil
}

func (f *fakeWorker) Terminate(time.Duration) { f.terminated.Store(true) }

func isWarmup(payload []byte) bool {
	return strings.Contains(string(payload), "warmup-sentinel")
}

// newTestEngine builds an engine over fake workers. The invoke hook sees
// only real validations, never warmup probes.
func newTestEngine(t *testing.T, min, target, max int,
	invoke func(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error)) (*Engine, *atomic.Int32) {
	t.Helper()

	var spawned atomic.Int32
	factory := func(ctx context.Context) (pool.Worker, error) {
		n := spawned.Add(1)
		w := &fakeWorker{id: fmt.Sprintf("w-%d", n), createdAt: time.Now(), state: rv.WorkerStarting}
		w.invoke = func(ctx context.Context, req rv.Request, payload []byte) (*rv.Outcome, error) {
			if isWarmup(payload) || invoke == nil {
				return &rv.Outcome{EngineVersion: "fake"}, nil
			}
			return invoke(ctx, req, payload)
		}
		return w, nil
	}

	o := rv.DefaultOptions()
	o.Command = []string{"fake-validator"}
	o.MinWorkers, o.TargetWorkers, o.MaxWorkers = min, target, max
	o.CacheTTL = time.Minute
	o.SweepInterval = time.Minute

	e, err := NewWithFactory(factory, o)
	require.NoError(t, err)
	require.NoError(t, e.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, &spawned
}

func TestValidateEndToEnd(t *testing.T) {
	e, _ := newTestEngine(t, 1, 2, 4, func(context.Context, rv.Request, []byte) (*rv.Outcome, error) {
		return &rv.Outcome{
			EngineVersion: "6.3.1",
			Issues: []rv.Issue{
				{Severity: rv.SeverityError, Code: "structure", Aspect: rv.AspectStructural, Path: "Patient.gender"},
			},
		}, nil
	})

	out, err := e.Validate(context.Background(), []byte(`{"resourceType":"Patient","id":"p1"}`), rv.Request{})
	require.NoError(t, err)
	assert.False(t, out.Valid())
	assert.Equal(t, 1, out.ErrorCount())

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.TotalValidations)
	assert.Equal(t, 2, stats.PoolSize)
}

func TestValidateScalesUnderLoad(t *testing.T) {
	const jobs = 6

	var inFlight, peak atomic.Int32
	e, spawned := newTestEngine(t, 2, 2, 4, func(ctx context.Context, _ rv.Request, _ []byte) (*rv.Outcome, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &rv.Outcome{EngineVersion: "fake"}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		doc := []byte(fmt.Sprintf(`{"resourceType":"Patient","id":"p%d"}`, i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Validate(context.Background(), doc, rv.Request{})
			require.NoError(t, err)
			require.NotNil(t, out)
		}()
	}
	wg.Wait()

	stats := e.Stats()
	assert.Equal(t, uint64(jobs), stats.TotalValidations)
	assert.LessOrEqual(t, peak.Load(), int32(4), "concurrency must not exceed max workers")
	assert.LessOrEqual(t, spawned.Load(), int32(4))
	assert.GreaterOrEqual(t, spawned.Load(), int32(2))
}

func TestEnsureValidatedCoalesces(t *testing.T) {
	const callers = 8

	var validations atomic.Int32
	release := make(chan struct{})
	e, _ := newTestEngine(t, 2, 2, 4, func(ctx context.Context, _ rv.Request, _ []byte) (*rv.Outcome, error) {
		validations.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &rv.Outcome{EngineVersion: "fake"}, nil
	})

	doc := []byte(`{"resourceType":"Patient","id":"shared"}`)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.EnsureValidated(context.Background(), doc, rv.Request{FHIRVersion: rv.R4})
			require.NoError(t, err)
			require.NotNil(t, out)
		}()
	}

	require.Eventually(t, func() bool { return validations.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), validations.Load())
	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.TotalValidations)
	assert.Equal(t, 1, stats.CacheEntries)
}

func TestIssuesForAspect(t *testing.T) {
	e, _ := newTestEngine(t, 1, 1, 2, func(context.Context, rv.Request, []byte) (*rv.Outcome, error) {
		return &rv.Outcome{
			EngineVersion: "fake",
			Issues: []rv.Issue{
				{Severity: rv.SeverityError, Code: "structure", Aspect: rv.AspectStructural, Path: "Observation.status"},
				{Severity: rv.SeverityWarning, Code: "code-invalid", Aspect: rv.AspectTerminology, Path: "Observation.code"},
			},
		}, nil
	})

	doc := []byte(`{"resourceType":"Observation","id":"obs-1"}`)

	// Reads are cache-only; nothing exists until EnsureValidated runs.
	assert.Empty(t, e.IssuesForAspect("Observation/obs-1", rv.AspectTerminology))

	_, err := e.EnsureValidated(context.Background(), doc, rv.Request{FHIRVersion: rv.R4})
	require.NoError(t, err)

	term := e.IssuesForAspect("Observation/obs-1", rv.AspectTerminology)
	require.Len(t, term, 1)
	assert.Equal(t, "Observation.code", term[0].Path)

	// Cached outcome serves the second aspect without a new validation.
	structural := e.IssuesForAspect("Observation/obs-1", rv.AspectStructural)
	require.Len(t, structural, 1)
	assert.Equal(t, uint64(1), e.Stats().TotalValidations)
}

func TestInvalidateForcesRevalidation(t *testing.T) {
	var validations atomic.Int32
	e, _ := newTestEngine(t, 1, 1, 2, func(context.Context, rv.Request, []byte) (*rv.Outcome, error) {
		validations.Add(1)
		return &rv.Outcome{EngineVersion: "fake"}, nil
	})

	doc := []byte(`{"resourceType":"Patient","id":"p1"}`)
	_, err := e.EnsureValidated(context.Background(), doc, rv.Request{})
	require.NoError(t, err)
	require.True(t, e.Invalidate("Patient/p1"))

	_, err = e.EnsureValidated(context.Background(), doc, rv.Request{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), validations.Load())
}

func TestShutdownRejectsNewWork(t *testing.T) {
	e, _ := newTestEngine(t, 1, 1, 2, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	_, err := e.Validate(context.Background(), []byte(`{"resourceType":"Patient"}`), rv.Request{})
	assert.ErrorIs(t, err, rv.ErrShuttingDown)
	_, err = e.EnsureValidated(context.Background(), []byte(`{"resourceType":"Patient"}`), rv.Request{})
	assert.ErrorIs(t, err, rv.ErrShuttingDown)

	// Shutdown is idempotent.
	require.NoError(t, e.Shutdown(ctx))
}

func TestNewWithFactoryRejectsBadOptions(t *testing.T) {
	o := rv.DefaultOptions() // no command configured
	_, err := NewWithFactory(func(context.Context) (pool.Worker, error) { return nil, nil }, o)
	require.Error(t, err)
	assert.True(t, rv.IsCode(err, rv.CodeConfig))
}
