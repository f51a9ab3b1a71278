// Package writer implements the background persistence writer.
//
// Sessions, alerts and sampled telemetry are queued without blocking the
// caller and written to the durable store in batches:
//   - Session snapshots are coalesced by ID, so a batch carries only the latest
//   - Alerts and samples are appended in arrival order
//   - A failed batch is retried with backoff, then dropped and logged
//
// Writes are serialized, so a later session snapshot never lands before an
// earlier one.
package writer
