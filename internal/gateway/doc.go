// Package gateway is the uniform invocation boundary around external
// collaborators: the browser-automation provider, the proof-storage
// provider, and the notification provider.
//
// Every call is wrapped with a declarative per-call policy (attempt cap,
// exponential backoff with jitter, per-call timeout) and a failure
// taxonomy: TRANSIENT failures are retried locally up to the cap and never
// surface past the engine unless exhausted; PERMANENT failures surface
// immediately. Request shapes carry the run's identifiers so repeated
// invocation for the same run/step never duplicates the external side
// effect - idempotency is owed by the collaborator, keyed on those ids.
package gateway
