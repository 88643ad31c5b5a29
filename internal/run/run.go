package run

import "time"

// Run is one execution instance of the cancellation orchestration.
// Exactly one live Run exists per (user, service) pair.
//
// The Run is owned exclusively by its engine goroutine: all mutation flows
// through appended Events, and no other goroutine reads the in-memory Run.
// The store's runs row is a denormalized snapshot for queries only.
type Run struct {
	ID      string              `json:"id"`
	Request CancellationRequest `json:"request"`

	State     State   `json:"state"`
	Outcome   Outcome `json:"outcome,omitempty"`
	Reason    Reason  `json:"reason,omitempty"`
	SessionID string  `json:"session_id,omitempty"`

	// LoopCount is the retention-loop counter; it strictly increases only
	// on DECLINE_OFFER decisions.
	LoopCount int `json:"loop_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the run has reached a terminal state.
func (r *Run) Terminal() bool {
	return r.State.Terminal()
}
