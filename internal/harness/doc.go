// Package harness provides a conformance testing framework for the
// cancellation orchestration engine.
//
// A scenario is a YAML file describing one cancellation run end to end:
// the request, a scripted browser provider (what each Observe returns,
// how code injection responds, whether proof capture works), the codes
// the user submits, and assertions on the terminal run.
//
// The harness executes scenarios against the REAL engine: a fresh
// in-memory store, the real registry, gateway, and Shield, with only
// the external collaborators (browser provider, notifier) scripted.
// Determinism comes from fixed run ids, a fixed wall clock, and zero
// backoff sleeps, which makes the resulting event log byte-stable and
// suitable for golden file comparison.
package harness
