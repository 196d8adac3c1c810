// Package coordinate deduplicates validation work across callers.
//
// Outcomes are cached by document identity with a TTL. Concurrent requests
// for the same document coalesce onto a single in-flight validation; every
// waiter receives the one outcome. Expired entries are evicted lazily on
// lookup and by a periodic sweep, so a read never observes a stale outcome
// even between sweeps.
package coordinate
