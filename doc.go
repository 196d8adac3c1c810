// Package recordvalidator provides pooled access to an external clinical
// validation engine.
//
// The external engine is authoritative but expensive: it loads large rule and
// schema packages before it can answer a single request. This package keeps a
// bounded pool of long-lived validator processes warm, dispatches validation
// jobs to them in FIFO order, and coordinates results through a TTL cache so
// the engine is invoked at most once per document per time window.
//
// # Quick Start
//
//	import (
//	    rv "github.com/medvertical/validator"
//	    "github.com/medvertical/validator/engine"
//	)
//
//	eng, err := engine.New(
//	    rv.WithCommand("java", "-jar", "validator.jar", "--server"),
//	    rv.WithPoolBounds(2, 2, 4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Shutdown(context.Background())
//
//	outcome, err := eng.Validate(ctx, resourceJSON, rv.Request{})
//
// # Aspect Fan-Out
//
// Multiple independent rule categories ("aspects") consume the same external
// outcome. The coordination cache partitions one invocation's issues by
// aspect so each category reads its bucket instead of re-invoking the engine:
//
//	outcome, err := eng.EnsureValidated(ctx, resourceJSON, rv.Request{})
//	issues := eng.IssuesForAspect("Patient/123", rv.AspectTerminology)
//
// # Architecture
//
//   - process: one managed external validator process and its file-based
//     request/response boundary
//   - pool: worker lifecycle, warmup, maintenance, and recycling
//   - dispatch: FIFO job queue with elastic scaling between pool bounds
//   - coordinate: TTL cache with per-document single-flight coalescing
//   - engine: the facade wiring the pieces together
//
// The root package holds the shared vocabulary: issues, aspects, outcomes,
// requests, options, metrics, and the error taxonomy.
package recordvalidator
