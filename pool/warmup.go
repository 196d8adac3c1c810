package pool

import (
	"context"
	"time"

	rv "github.com/medvertical/validator"
)

// sentinelDocument is the minimal, always-valid resource used to force the
// external engine through its first-use initialization before a worker
// serves real traffic. The result is discarded.
var sentinelDocument = []byte(`{"resourceType":"Patient","id":"warmup-sentinel","active":true}`)

// Warmer runs the sentinel validation against freshly spawned workers.
type Warmer struct {
	timeout time.Duration
	version rv.FHIRVersion
}

// NewWarmer creates a Warmer. The timeout is separate from job timeouts
// because first-use cost is substantially higher than steady state.
func NewWarmer(timeout time.Duration, version rv.FHIRVersion) *Warmer {
	return &Warmer{timeout: timeout, version: version}
}

// Warm submits the sentinel through the worker's normal execution path,
// bypassing the queue. Failure means the worker never becomes idle.
func (wr *Warmer) Warm(ctx context.Context, w Worker) error {
	ctx, cancel := context.WithTimeout(ctx, wr.timeout)
	defer cancel()

	if _, err := w.Invoke(ctx, rv.Request{FHIRVersion: wr.version}, sentinelDocument); err != nil {
		return rv.Wrapf(err, rv.CodeSpawn, "worker %s failed warmup", w.ID())
	}
	return nil
}
