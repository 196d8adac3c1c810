package recordvalidator

import "time"

// Option configures the validation core.
type Option func(*Options)

// Options holds all configuration for the validation core.
type Options struct {
	// Command launches one external validator process. The process is
	// expected to speak the file-based request/response protocol on stdio.
	Command []string

	// WorkDir is where per-worker exchange directories are created.
	// Empty means the system temp directory.
	WorkDir string

	// FHIRVersion is the default target schema version for requests that
	// do not override it.
	FHIRVersion FHIRVersion

	// Pool bounds. Invariant: MinWorkers <= TargetWorkers <= MaxWorkers.
	MinWorkers    int
	TargetWorkers int
	MaxWorkers    int

	// JobTimeout bounds one validation job end to end.
	JobTimeout time.Duration

	// WarmupTimeout bounds the sentinel validation run against a fresh
	// worker. First-use cost is substantially higher than steady state,
	// so this is deliberately separate from JobTimeout.
	WarmupTimeout time.Duration

	// ShutdownGrace bounds the wait for in-flight jobs during shutdown.
	ShutdownGrace time.Duration

	// TerminateGrace is the wait between graceful and forced process
	// termination when recycling a worker.
	TerminateGrace time.Duration

	// MaintenanceInterval is the period of the pool maintenance loop.
	MaintenanceInterval time.Duration

	// MaxWorkerAge recycles workers older than this.
	MaxWorkerAge time.Duration

	// MaxWorkerValidations recycles workers that served this many jobs,
	// bounding memory growth and staleness in the external process.
	MaxWorkerValidations int

	// FailureThreshold recycles a worker once its consecutive failure
	// count exceeds this.
	FailureThreshold int

	// CacheTTL is the lifetime of a coordination cache entry.
	CacheTTL time.Duration

	// SweepInterval is the period of the cache expiry sweep. Zero disables
	// the sweep; expired entries are then only evicted lazily on read.
	SweepInterval time.Duration
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		FHIRVersion: R4,

		MinWorkers:    1,
		TargetWorkers: 2,
		MaxWorkers:    4,

		JobTimeout:     5 * time.Minute,
		WarmupTimeout:  90 * time.Second,
		ShutdownGrace:  30 * time.Second,
		TerminateGrace: 5 * time.Second,

		MaintenanceInterval:  time.Minute,
		MaxWorkerAge:         30 * time.Minute,
		MaxWorkerValidations: 500,
		FailureThreshold:     5,

		CacheTTL:      10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// Validate checks option invariants.
func (o *Options) Validate() error {
	if len(o.Command) == 0 {
		return New(CodeConfig, "no validator command configured")
	}
	if o.MinWorkers < 0 {
		return Newf(CodeConfig, "min workers %d is negative", o.MinWorkers)
	}
	if o.MaxWorkers < 1 {
		return Newf(CodeConfig, "max workers %d must be at least 1", o.MaxWorkers)
	}
	if o.MinWorkers > o.TargetWorkers || o.TargetWorkers > o.MaxWorkers {
		return Newf(CodeConfig, "pool bounds must satisfy min <= target <= max, got {%d, %d, %d}",
			o.MinWorkers, o.TargetWorkers, o.MaxWorkers)
	}
	if o.JobTimeout <= 0 {
		return New(CodeConfig, "job timeout must be positive")
	}
	if o.WarmupTimeout <= 0 {
		return New(CodeConfig, "warmup timeout must be positive")
	}
	if o.FailureThreshold < 1 {
		return Newf(CodeConfig, "failure threshold %d must be at least 1", o.FailureThreshold)
	}
	if o.CacheTTL <= 0 {
		return New(CodeConfig, "cache TTL must be positive")
	}
	return nil
}

// EffectiveTimeout resolves a request's timeout against the configured
// default.
func (o *Options) EffectiveTimeout(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return o.JobTimeout
}

// --- Options ---

// WithCommand sets the external validator launch command.
func WithCommand(name string, args ...string) Option {
	return func(o *Options) {
		o.Command = append([]string{name}, args...)
	}
}

// WithWorkDir sets the exchange directory root.
func WithWorkDir(dir string) Option {
	return func(o *Options) {
		o.WorkDir = dir
	}
}

// WithFHIRVersion sets the default target schema version.
func WithFHIRVersion(v FHIRVersion) Option {
	return func(o *Options) {
		o.FHIRVersion = v
	}
}

// WithPoolBounds sets the pool's {min, target, max} worker bounds.
func WithPoolBounds(min, target, max int) Option {
	return func(o *Options) {
		o.MinWorkers = min
		o.TargetWorkers = target
		o.MaxWorkers = max
	}
}

// WithJobTimeout sets the default per-job deadline.
func WithJobTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.JobTimeout = d
	}
}

// WithWarmupTimeout sets the sentinel validation deadline.
func WithWarmupTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.WarmupTimeout = d
	}
}

// WithShutdownGrace sets the in-flight drain bound during shutdown.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *Options) {
		o.ShutdownGrace = d
	}
}

// WithMaintenanceInterval sets the pool maintenance period.
func WithMaintenanceInterval(d time.Duration) Option {
	return func(o *Options) {
		o.MaintenanceInterval = d
	}
}

// WithWorkerLimits sets the age and usage bounds that trigger recycling.
func WithWorkerLimits(maxAge time.Duration, maxValidations int) Option {
	return func(o *Options) {
		o.MaxWorkerAge = maxAge
		o.MaxWorkerValidations = maxValidations
	}
}

// WithFailureThreshold sets the consecutive-failure recycle threshold.
func WithFailureThreshold(n int) Option {
	return func(o *Options) {
		o.FailureThreshold = n
	}
}

// WithCacheTTL sets the coordination cache entry lifetime.
func WithCacheTTL(d time.Duration) Option {
	return func(o *Options) {
		o.CacheTTL = d
	}
}

// WithSweepInterval sets the cache expiry sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		o.SweepInterval = d
	}
}
