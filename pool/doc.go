// Package pool owns the set of external validator workers.
//
// The pool enforces configured {min, target, max} bounds, warms every fresh
// worker with a sentinel validation before exposing it, and runs a periodic
// maintenance loop that recycles workers by age, usage, and failure state
// and scales surplus idle workers back toward the target.
//
// The dispatcher's only touchpoints are AcquireIdle and Release; everything
// else is lifecycle management.
package pool
