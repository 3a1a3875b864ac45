// Package services defines shared utilities consumed by the workflow lanes
// and the pipeline stage machinery.
//
// Key responsibilities:
//   - Context helpers that stamp group ids, stage names, and correlation
//     identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that translate failures
//     into consistent retry-vs-operator-attention handling.
//
// Use these helpers when wiring new stage or publish logic so operational
// behaviour (error handling, observability, retries) stays uniform across
// the pipeline.
package services
