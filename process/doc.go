// Package process manages one long-lived external validator process.
//
// A worker launches the configured command once and keeps it running across
// many validation requests, so the engine's expensive rule-package loading is
// paid once per process instead of once per call.
//
// The boundary is deliberately strict: requests and responses are versioned
// JSON envelopes exchanged through files in a per-worker directory, with the
// file paths passed over the process's stdio, one line per request. Any
// deviation from the envelope shape fails the call as a process error rather
// than being scraped around.
package process
