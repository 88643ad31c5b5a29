// Package run defines the domain records shared across the cancellation
// orchestrator: the immutable request, the run's state machine vocabulary,
// the append-only event types, and the content-addressed identity scheme
// used to make event writes idempotent.
//
// Nothing in this package performs I/O. The engine owns Run mutation, the
// store owns persistence, and everything else treats these types as values.
package run
