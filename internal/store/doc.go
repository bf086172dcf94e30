// Package store provides SQLite-backed durable storage for the audit log
// of compute endpoint decisions.
//
// The store is an append-only log with two tables:
//   - runs: one row per session the endpoint served
//   - requests: one row per session request and the endpoint's decision
//
// Artifacts are never persisted. A request that carried an artifact
// records only its BLAKE3 digest, so the log can prove what was
// submitted without retaining anyone's private input.
//
// # Ordering
//
// All ordering uses the seq INTEGER assigned by the audit recorder's
// logical clock, never timestamps. Every read orders by seq so two
// reads of the same log always agree.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
