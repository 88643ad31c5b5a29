package run

// State is the orchestration run's current position in the state machine.
//
// Lifecycle: INITIATED → SESSION_STARTING → {AWAITING_VERIFICATION ⇄
// SHIELD_EVALUATING} → CAPTURING_PROOF → COMPLETED, with FAILED and
// ABANDONED reachable from any non-terminal state.
type State string

const (
	StateInitiated            State = "INITIATED"
	StateSessionStarting      State = "SESSION_STARTING"
	StateAwaitingVerification State = "AWAITING_VERIFICATION"
	StateShieldEvaluating     State = "SHIELD_EVALUATING"
	StateCapturingProof       State = "CAPTURING_PROOF"
	StateCompleted            State = "COMPLETED"
	StateFailed               State = "FAILED"
	StateAbandoned            State = "ABANDONED"
)

// validStates is the closed set of run states.
var validStates = map[State]bool{
	StateInitiated:            true,
	StateSessionStarting:      true,
	StateAwaitingVerification: true,
	StateShieldEvaluating:     true,
	StateCapturingProof:       true,
	StateCompleted:            true,
	StateFailed:               true,
	StateAbandoned:            true,
}

// Valid reports whether s is a known run state.
func (s State) Valid() bool {
	return validStates[s]
}

// Terminal reports whether s is a terminal state. No gateway calls are
// issued for a run once it reaches a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAbandoned
}

// Outcome is the terminal result reported to collaborators.
type Outcome string

const (
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeAbandoned Outcome = "ABANDONED"
)

// OutcomeFor maps a terminal state to its reported outcome.
// Returns "" for non-terminal states.
func OutcomeFor(s State) Outcome {
	switch s {
	case StateCompleted:
		return OutcomeCompleted
	case StateFailed:
		return OutcomeFailed
	case StateAbandoned:
		return OutcomeAbandoned
	default:
		return ""
	}
}

// Reason is a typed reason code attached to every FAILED or ABANDONED run.
// Silent failure is disallowed: terminal reporting always carries one.
type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonInvalidCredentials   Reason = "INVALID_CREDENTIALS"
	ReasonUnsupportedMerchant  Reason = "UNSUPPORTED_MERCHANT"
	ReasonProviderError        Reason = "PROVIDER_ERROR"
	ReasonNeedsHumanReview     Reason = "NEEDS_HUMAN_REVIEW"
	ReasonLoopExceeded         Reason = "LOOP_EXCEEDED"
	ReasonTimeout              Reason = "TIMEOUT"
	ReasonVerificationRejected Reason = "VERIFICATION_REJECTED"
	ReasonUserCancelled        Reason = "USER_CANCELLED"

	// ReasonProofUnavailable is recorded on the proof artifact, never as a
	// run failure: cancellation success and proof-capture success are
	// independent outcomes.
	ReasonProofUnavailable Reason = "PROOF_UNAVAILABLE"
)
