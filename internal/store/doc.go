// Package store provides durable storage for cancellation runs: an
// append-only event log per run plus denormalized query rows.
//
// SQLite with WAL mode backs the log. All event writes are idempotent via
// content-addressed ids and ON CONFLICT DO NOTHING, so crash recovery can
// blindly re-append and replay: the current state of any run is the fold
// of its events in seq order, and the runs row is only a snapshot of that
// fold.
package store
