package run

import "time"

// EventKind distinguishes records in the run's append-only event log.
type EventKind string

const (
	// EventTransition records a state machine transition.
	EventTransition EventKind = "transition"
	// EventShield records a Dark-Pattern Shield classification and action.
	EventShield EventKind = "shield"
	// EventProof records proof artifact capture (or its failure).
	EventProof EventKind = "proof"
	// EventOutcome records terminal outcome reporting.
	EventOutcome EventKind = "outcome"
)

// Event is one entry in a run's durable log. Recovery replays a run's
// events in seq order to reconstruct its current state, so every mutation
// of a run must be expressed as an Event before it takes effect.
//
// ID is content-addressed over (run, seq, kind, states, payload) so that
// re-appending the same event after a crash is a no-op at the store layer.
type Event struct {
	ID    string            `json:"id"`
	RunID string            `json:"run_id"`
	Seq   int64             `json:"seq"`
	Kind  EventKind         `json:"kind"`
	From  State             `json:"from"`
	To    State             `json:"to"`
	// Payload carries small, flat context: reason codes, session ids,
	// classifications. Values only, never credentials.
	Payload map[string]string `json:"payload,omitempty"`
}

// Common payload keys.
const (
	PayloadReason         = "reason"
	PayloadSessionID      = "session_id"
	PayloadClassification = "classification"
	PayloadAction         = "action"
	PayloadLoopCount      = "loop_count"
	PayloadMessage        = "message"
	PayloadScreenshotURL  = "screenshot_url"
	PayloadVideoURL       = "video_url"
	PayloadOutcome        = "outcome"
)

// DarkPatternEvent is the audit record of one Shield decision for a run.
// The sequence of these events enforces and evidences the retention-loop
// bound.
type DarkPatternEvent struct {
	RunID          string `json:"run_id"`
	Seq            int64  `json:"seq"`
	Classification string `json:"classification"`
	Action         string `json:"action"`
	// LoopCount is the retention-loop counter AFTER this decision applied.
	LoopCount int `json:"loop_count"`
}

// ProofArtifact references captured evidence of a completed cancellation.
// Immutable once created. Missing marks a completed run whose evidence
// capture failed; the run still completes.
type ProofArtifact struct {
	RunID         string    `json:"run_id"`
	ScreenshotURL string    `json:"screenshot_url"`
	VideoURL      string    `json:"video_url,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
	Missing       bool      `json:"missing"`
}

// BrowserSession is one live provider-issued automation session.
// Referenced, never mutated, by the engine; closed on terminal run state.
type BrowserSession struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Live  bool   `json:"live"`
}
