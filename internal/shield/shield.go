package shield

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Classification is the Shield's verdict on a page observation.
type Classification string

const (
	RetentionOffer        Classification = "RETENTION_OFFER"
	VerificationGate      Classification = "VERIFICATION_GATE"
	ConfirmationDialog    Classification = "CONFIRMATION_DIALOG"
	CancelledConfirmation Classification = "CANCELLED_CONFIRMATION"
	Unrecognized          Classification = "UNRECOGNIZED"
)

// Action is the orchestration step the Shield recommends.
type Action string

const (
	// Proceed continues automation toward cancellation confirmation.
	Proceed Action = "PROCEED"
	// DeclineOffer declines a retention offer and re-evaluates.
	DeclineOffer Action = "DECLINE_OFFER"
	// RequestVerification suspends the run for an out-of-band code.
	RequestVerification Action = "REQUEST_VERIFICATION"
	// Escalate fails the run for human review.
	Escalate Action = "ESCALATE"
	// ConfirmedCancelled moves the run to proof capture.
	ConfirmedCancelled Action = "CONFIRMED_CANCELLED"
	// Retry re-fetches a fresh observation without acting on the page.
	// Used once per unrecognized page to absorb transient render delays.
	Retry Action = "RETRY"
)

// Input is everything a decision depends on. The Shield itself is
// stateless: loop counters and the retry flag are owned by the run.
type Input struct {
	Observation PageObservation

	// LoopCount is the number of retention offers declined so far.
	LoopCount int
	// Ceiling is the retention-loop bound; reaching it forces ESCALATE.
	Ceiling int
	// RetriedUnrecognized is set once the single same-state retry for an
	// unrecognized page has been consumed.
	RetriedUnrecognized bool
}

// Decision is a classification plus the chosen action. Matched carries the
// marker phrase that triggered the classification, for the audit trail.
type Decision struct {
	Classification Classification `json:"classification"`
	Action         Action         `json:"action"`
	Matched        string         `json:"matched,omitempty"`
}

// Decide classifies the observation and maps it to an action.
//
// Precedence: a verification gate outranks everything else in the same
// observation (a login/identity gate cannot be proceeded past), then a
// cancelled confirmation, then a retention offer, then a confirmation
// dialog. Unrecognized pages get one Retry, then Escalate - the Shield
// never loops indefinitely on unknown state.
func Decide(in Input, m Markers) Decision {
	text := normalize(in.Observation.Title + "\n" + in.Observation.Text)

	if in.Observation.ChallengeVisible {
		return Decision{Classification: VerificationGate, Action: RequestVerification}
	}
	if phrase, ok := matchAny(text, m.Verification); ok {
		return Decision{Classification: VerificationGate, Action: RequestVerification, Matched: phrase}
	}
	if phrase, ok := matchAny(text, m.Cancelled); ok {
		return Decision{Classification: CancelledConfirmation, Action: ConfirmedCancelled, Matched: phrase}
	}
	if phrase, ok := matchAny(text, m.Retention); ok {
		if in.LoopCount >= in.Ceiling {
			return Decision{Classification: RetentionOffer, Action: Escalate, Matched: phrase}
		}
		return Decision{Classification: RetentionOffer, Action: DeclineOffer, Matched: phrase}
	}
	if phrase, ok := matchAny(text, m.Confirmation); ok {
		return Decision{Classification: ConfirmationDialog, Action: Proceed, Matched: phrase}
	}

	if in.RetriedUnrecognized {
		return Decision{Classification: Unrecognized, Action: Escalate}
	}
	return Decision{Classification: Unrecognized, Action: Retry}
}

// caseFolder performs Unicode case folding for marker matching.
var caseFolder = cases.Fold()

// normalize prepares page text for matching: NFKC normalization collapses
// presentation variants, case folding removes case distinctions.
func normalize(s string) string {
	return caseFolder.String(norm.NFKC.String(s))
}

// matchAny reports the first marker phrase contained in the normalized
// text. Marker phrases are normalized the same way as the text.
func matchAny(normalizedText string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if p == "" {
			continue
		}
		if strings.Contains(normalizedText, normalize(p)) {
			return p, true
		}
	}
	return "", false
}
