// Package config provides configuration loading for the validation core.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	rv "github.com/medvertical/validator"
)

// Option defines the interface for configuration loader options.
type Option func(*loaderConfig) error

// loaderConfig defines how a configuration is loaded.
type loaderConfig struct {
	path string
	env  bool
}

// WithConfigPath loads configuration from a YAML file.
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}
		if !filepath.IsAbs(path) && !filepath.IsLocal(path) {
			return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
		}
		cfg.path = path
		return nil
	}
}

// WithEnvOverrides applies RECORDS_* environment variables on top of the
// file values.
func WithEnvOverrides() Option {
	return func(cfg *loaderConfig) error {
		cfg.env = true
		return nil
	}
}

// Config is the root configuration structure.
type Config struct {
	// Command launches one external validator process.
	Command []string `yaml:"command"`

	// WorkDir is the root for per-worker exchange directories.
	WorkDir string `yaml:"workDir,omitempty"`

	// FHIRVersion is the default target schema version.
	FHIRVersion string `yaml:"fhirVersion,omitempty"`

	Pool     PoolConfig     `yaml:"pool"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Cache    CacheConfig    `yaml:"cache"`
}

// PoolConfig holds worker pool bounds and recycling limits.
type PoolConfig struct {
	Min                  int           `yaml:"min"`
	Target               int           `yaml:"target"`
	Max                  int           `yaml:"max"`
	MaintenanceInterval  time.Duration `yaml:"maintenanceInterval,omitempty"`
	MaxWorkerAge         time.Duration `yaml:"maxWorkerAge,omitempty"`
	MaxWorkerValidations int           `yaml:"maxWorkerValidations,omitempty"`
	FailureThreshold     int           `yaml:"failureThreshold,omitempty"`
}

// TimeoutsConfig holds the centrally defined timeouts.
type TimeoutsConfig struct {
	Job           time.Duration `yaml:"job,omitempty"`
	Warmup        time.Duration `yaml:"warmup,omitempty"`
	ShutdownGrace time.Duration `yaml:"shutdownGrace,omitempty"`
}

// CacheConfig holds coordination cache tuning.
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl,omitempty"`
	SweepInterval time.Duration `yaml:"sweepInterval,omitempty"`
}

// Load reads configuration according to the given options. With no options
// it returns defaults with environment overrides applied.
func Load(opts ...Option) (*Config, error) {
	lc := &loaderConfig{env: len(opts) == 0}
	for _, opt := range opts {
		if err := opt(lc); err != nil {
			return nil, err
		}
	}

	cfg := defaults()

	if lc.path != "" {
		data, err := os.ReadFile(lc.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if lc.env {
		applyEnvOverrides(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	o := rv.DefaultOptions()
	return &Config{
		FHIRVersion: o.FHIRVersion.String(),
		Pool: PoolConfig{
			Min:                  o.MinWorkers,
			Target:               o.TargetWorkers,
			Max:                  o.MaxWorkers,
			MaintenanceInterval:  o.MaintenanceInterval,
			MaxWorkerAge:         o.MaxWorkerAge,
			MaxWorkerValidations: o.MaxWorkerValidations,
			FailureThreshold:     o.FailureThreshold,
		},
		Timeouts: TimeoutsConfig{
			Job:           o.JobTimeout,
			Warmup:        o.WarmupTimeout,
			ShutdownGrace: o.ShutdownGrace,
		},
		Cache: CacheConfig{
			TTL:           o.CacheTTL,
			SweepInterval: o.SweepInterval,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RECORDS_VALIDATOR_COMMAND"); v != "" {
		cfg.Command = strings.Fields(v)
	}
	if v := os.Getenv("RECORDS_VALIDATOR_WORKDIR"); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv("RECORDS_FHIR_VERSION"); v != "" {
		cfg.FHIRVersion = v
	}
	overrideInt("RECORDS_POOL_MIN", &cfg.Pool.Min)
	overrideInt("RECORDS_POOL_TARGET", &cfg.Pool.Target)
	overrideInt("RECORDS_POOL_MAX", &cfg.Pool.Max)
	overrideInt("RECORDS_POOL_FAILURE_THRESHOLD", &cfg.Pool.FailureThreshold)
	overrideDuration("RECORDS_TIMEOUT_JOB", &cfg.Timeouts.Job)
	overrideDuration("RECORDS_TIMEOUT_WARMUP", &cfg.Timeouts.Warmup)
	overrideDuration("RECORDS_TIMEOUT_SHUTDOWN_GRACE", &cfg.Timeouts.ShutdownGrace)
	overrideDuration("RECORDS_CACHE_TTL", &cfg.Cache.TTL)
	overrideDuration("RECORDS_CACHE_SWEEP_INTERVAL", &cfg.Cache.SweepInterval)
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.Command) == 0 {
		return fmt.Errorf("command is required")
	}
	if c.Pool.Min > c.Pool.Target || c.Pool.Target > c.Pool.Max {
		return fmt.Errorf("pool bounds must satisfy min <= target <= max, got {%d, %d, %d}",
			c.Pool.Min, c.Pool.Target, c.Pool.Max)
	}
	if c.FHIRVersion != "" && !rv.FHIRVersion(c.FHIRVersion).IsValid() {
		return fmt.Errorf("unsupported FHIR version %q", c.FHIRVersion)
	}
	return nil
}

// Options converts the configuration into core options.
func (c *Config) Options() []rv.Option {
	opts := []rv.Option{
		rv.WithCommand(c.Command[0], c.Command[1:]...),
		rv.WithPoolBounds(c.Pool.Min, c.Pool.Target, c.Pool.Max),
	}
	if c.WorkDir != "" {
		opts = append(opts, rv.WithWorkDir(c.WorkDir))
	}
	if c.FHIRVersion != "" {
		opts = append(opts, rv.WithFHIRVersion(rv.FHIRVersion(c.FHIRVersion)))
	}
	if c.Timeouts.Job > 0 {
		opts = append(opts, rv.WithJobTimeout(c.Timeouts.Job))
	}
	if c.Timeouts.Warmup > 0 {
		opts = append(opts, rv.WithWarmupTimeout(c.Timeouts.Warmup))
	}
	if c.Timeouts.ShutdownGrace > 0 {
		opts = append(opts, rv.WithShutdownGrace(c.Timeouts.ShutdownGrace))
	}
	if c.Pool.MaintenanceInterval > 0 {
		opts = append(opts, rv.WithMaintenanceInterval(c.Pool.MaintenanceInterval))
	}
	if c.Pool.MaxWorkerAge > 0 || c.Pool.MaxWorkerValidations > 0 {
		opts = append(opts, rv.WithWorkerLimits(c.Pool.MaxWorkerAge, c.Pool.MaxWorkerValidations))
	}
	if c.Pool.FailureThreshold > 0 {
		opts = append(opts, rv.WithFailureThreshold(c.Pool.FailureThreshold))
	}
	if c.Cache.TTL > 0 {
		opts = append(opts, rv.WithCacheTTL(c.Cache.TTL))
	}
	if c.Cache.SweepInterval > 0 {
		opts = append(opts, rv.WithSweepInterval(c.Cache.SweepInterval))
	}
	return opts
}
