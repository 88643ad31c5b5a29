// Package engine implements the cancellation orchestration engine.
//
// The engine owns the run lifecycle: it accepts cancellation requests,
// drives each run's state machine in a dedicated goroutine, and enforces
// the at-most-one-live-run invariant per (user, service) pair.
//
// ARCHITECTURE:
//
// Run-per-goroutine state machine:
// Each run is owned by exactly one goroutine. All run mutation is
// expressed as an event appended to the durable log BEFORE the engine
// acts on the new state; the store's runs row is a read-side snapshot.
// This ordering is what makes crash recovery sound: on restart the
// engine replays the log, resumes the logical clock at the last seq,
// and re-executes the current state's step. Re-appending an already
// logged transition is a no-op (content-addressed event ids).
//
// Event Processing Flow:
//  1. Submit() validates the request, claims the pair key, and writes
//     the run row in INITIATED.
//  2. The runner goroutine steps the machine: each step appends a
//     transition event, then performs the state's side effects through
//     the gateway.
//  3. Terminal states close the session (best-effort), append the
//     outcome event, and notify the user.
//
// Logical Clock:
// All events for a run are stamped with a monotonic seq from the run's
// Clock. Wall-clock timestamps are never used for ordering.
package engine
