package recordvalidator

import (
	"sync/atomic"
	"time"
)

// Metrics tracks validation performance using lock-free atomic operations.
// All methods are safe for concurrent use.
type Metrics struct {
	validationsTotal atomic.Uint64
	validationsValid atomic.Uint64
	errorsTotal      atomic.Uint64
	timeoutsTotal    atomic.Uint64

	// Timing (stored as nanoseconds)
	latencyTotal atomic.Uint64
	latencyMin   atomic.Uint64
	latencyMax   atomic.Uint64

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	// Initialize min to max uint64 so first value becomes the minimum
	m.latencyMin.Store(^uint64(0))
	return m
}

// RecordValidation records one completed validation call.
func (m *Metrics) RecordValidation(duration time.Duration, valid bool) {
	m.validationsTotal.Add(1)
	if valid {
		m.validationsValid.Add(1)
	}

	ns := uint64(duration.Nanoseconds()) //nolint:gosec // Safe: nanoseconds are always positive for valid durations
	m.latencyTotal.Add(ns)

	// Update min (CAS loop)
	for {
		old := m.latencyMin.Load()
		if ns >= old {
			break
		}
		if m.latencyMin.CompareAndSwap(old, ns) {
			break
		}
	}

	// Update max (CAS loop)
	for {
		old := m.latencyMax.Load()
		if ns <= old {
			break
		}
		if m.latencyMax.CompareAndSwap(old, ns) {
			break
		}
	}
}

// RecordError records a failed validation call.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// RecordTimeout records a job that exceeded its deadline.
func (m *Metrics) RecordTimeout() {
	m.timeoutsTotal.Add(1)
	m.errorsTotal.Add(1)
}

// RecordCacheHit records a coordination cache hit.
func (m *Metrics) RecordCacheHit() {
	m.cacheHits.Add(1)
}

// RecordCacheMiss records a coordination cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.cacheMisses.Add(1)
}

// ValidationsTotal returns the total number of validation calls completed.
func (m *Metrics) ValidationsTotal() uint64 {
	return m.validationsTotal.Load()
}

// ErrorsTotal returns the total number of failed validation calls.
func (m *Metrics) ErrorsTotal() uint64 {
	return m.errorsTotal.Load()
}

// TimeoutsTotal returns the total number of timed-out jobs.
func (m *Metrics) TimeoutsTotal() uint64 {
	return m.timeoutsTotal.Load()
}

// AvgLatency returns the average validation duration.
func (m *Metrics) AvgLatency() time.Duration {
	total := m.validationsTotal.Load()
	if total == 0 {
		return 0
	}
	return time.Duration(m.latencyTotal.Load() / total) //nolint:gosec // Safe: nanoseconds within int64 range
}

// MinLatency returns the minimum validation duration.
func (m *Metrics) MinLatency() time.Duration {
	minVal := m.latencyMin.Load()
	if minVal == ^uint64(0) {
		return 0
	}
	return time.Duration(minVal) //nolint:gosec // Safe: nanoseconds within int64 range
}

// MaxLatency returns the maximum validation duration.
func (m *Metrics) MaxLatency() time.Duration {
	return time.Duration(m.latencyMax.Load()) //nolint:gosec // Safe: nanoseconds within int64 range
}

// CacheHits returns the total coordination cache hits.
func (m *Metrics) CacheHits() uint64 {
	return m.cacheHits.Load()
}

// CacheMisses returns the total coordination cache misses.
func (m *Metrics) CacheMisses() uint64 {
	return m.cacheMisses.Load()
}

// Stats is a point-in-time observability snapshot. It is safe to poll
// frequently.
type Stats struct {
	// Pool occupancy by lifecycle state.
	PoolSize int `json:"poolSize"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Failed   int `json:"failed"`

	// Queued is the current dispatcher queue depth.
	Queued int `json:"queued"`

	// Totals since startup.
	TotalValidations uint64 `json:"totalValidations"`
	TotalErrors      uint64 `json:"totalErrors"`
	TotalTimeouts    uint64 `json:"totalTimeouts"`

	// Latency over completed validations.
	AvgLatency time.Duration `json:"avgLatency"`
	MinLatency time.Duration `json:"minLatency"`
	MaxLatency time.Duration `json:"maxLatency"`

	// Coordination cache occupancy and traffic.
	CacheEntries int    `json:"cacheEntries"`
	CacheHits    uint64 `json:"cacheHits"`
	CacheMisses  uint64 `json:"cacheMisses"`
}
