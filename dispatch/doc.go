// Package dispatch matches queued validation jobs to idle workers.
//
// Jobs wait in a single FIFO queue. The dispatch loop runs on submission, on
// worker release, and whenever a new worker becomes idle. When no worker is
// idle and the pool is below max capacity, the dispatcher requests an
// asynchronous spawn and leaves the job queued; the freshly warmed worker
// triggers another dispatch attempt on arrival.
//
// Completion is a buffered channel per job. A job that misses its deadline
// is rejected to its caller immediately; an outcome that arrives later is
// discarded.
package dispatch
