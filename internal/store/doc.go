// Package store provides SQLite-backed history for scenario runs.
//
// Each run is stored once with its outcome and canonical snapshot, and its
// trace events are stored row by row so individual tasks can be queried.
//
// # Ordering
//
//   - Runs are keyed by UUIDv7 ids, so ORDER BY id is creation order
//     without storing wall time.
//   - Trace events are keyed by (run_id, seq) and always read ORDER BY seq.
//
// # Idempotency
//
// WriteRun uses ON CONFLICT(id) DO NOTHING: writing the same run id twice
// keeps the first run and its events untouched.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
