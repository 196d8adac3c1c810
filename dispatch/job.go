package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	rv "github.com/medvertical/validator"
)

// result is a job's terminal outcome.
type result struct {
	outcome *rv.Outcome
	err     error
}

// Job is one queued validation request. The dispatcher owns it from enqueue
// until a terminal outcome is delivered; workers never touch it directly.
type Job struct {
	// ID is the job's opaque identity.
	ID string

	// Payload is the document to validate.
	Payload []byte

	// Req carries the per-job validation options.
	Req rv.Request

	// EnqueuedAt is the submission timestamp.
	EnqueuedAt time.Time

	resp      chan result
	delivered atomic.Bool
}

// NewJob builds a job around a payload and request options.
func NewJob(payload []byte, req rv.Request) *Job {
	return &Job{
		ID:         uuid.NewString(),
		Payload:    payload,
		Req:        req,
		EnqueuedAt: time.Now(),
		resp:       make(chan result, 1),
	}
}

// deliver hands the terminal outcome to the waiting caller. Exactly one
// delivery wins; later ones report false and are discarded by the caller.
func (j *Job) deliver(out *rv.Outcome, err error) bool {
	if !j.delivered.CompareAndSwap(false, true) {
		return false
	}
	j.resp <- result{outcome: out, err: err}
	return true
}

// abandoned marks the job as terminally rejected without an outcome,
// claiming the delivery slot so a late outcome is dropped.
func (j *Job) abandoned() bool {
	return j.delivered.CompareAndSwap(false, true)
}
