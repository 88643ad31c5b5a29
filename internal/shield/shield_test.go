package shield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func obs(text string) PageObservation {
	return PageObservation{URL: "https://merchant.example/cancel", Text: text}
}

func TestDecide_Classification(t *testing.T) {
	m := DefaultMarkers()

	tests := []struct {
		name           string
		text           string
		classification Classification
		action         Action
	}{
		{
			name:           "retention offer",
			text:           "Before you go, how about 50% off for three months?",
			classification: RetentionOffer,
			action:         DeclineOffer,
		},
		{
			name:           "pause pitch is retention",
			text:           "Why not pause your subscription instead?",
			classification: RetentionOffer,
			action:         DeclineOffer,
		},
		{
			name:           "verification gate",
			text:           "Enter the verification code we sent to your email.",
			classification: VerificationGate,
			action:         RequestVerification,
		},
		{
			name:           "confirmation dialog",
			text:           "Are you sure? Click Yes, cancel to continue.",
			classification: ConfirmationDialog,
			action:         Proceed,
		},
		{
			name:           "cancelled confirmation",
			text:           "Your subscription has been cancelled.",
			classification: CancelledConfirmation,
			action:         ConfirmedCancelled,
		},
		{
			name:           "case insensitive matching",
			text:           "YOUR SUBSCRIPTION HAS BEEN CANCELLED",
			classification: CancelledConfirmation,
			action:         ConfirmedCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(Input{Observation: obs(tt.text), Ceiling: 3}, m)
			assert.Equal(t, tt.classification, d.Classification)
			assert.Equal(t, tt.action, d.Action)
			assert.NotEmpty(t, d.Matched, "marker classifications carry the matched phrase")
		})
	}
}

func TestDecide_Precedence(t *testing.T) {
	m := DefaultMarkers()

	// Verification outranks everything else on the same page.
	d := Decide(Input{Observation: obs("Before you go, enter the verification code we sent."), Ceiling: 3}, m)
	assert.Equal(t, VerificationGate, d.Classification)

	// Cancelled confirmation outranks retention copy on the same page.
	d = Decide(Input{Observation: obs("Your subscription has been cancelled. We're sorry to see you go."), Ceiling: 3}, m)
	assert.Equal(t, CancelledConfirmation, d.Classification)

	// Retention outranks confirmation dialogs.
	d = Decide(Input{Observation: obs("Are you sure? Here's a special offer to stay."), Ceiling: 3}, m)
	assert.Equal(t, RetentionOffer, d.Classification)
}

func TestDecide_ChallengeVisibleOverridesText(t *testing.T) {
	d := Decide(Input{
		Observation: PageObservation{Text: "Your subscription has been cancelled.", ChallengeVisible: true},
		Ceiling:     3,
	}, DefaultMarkers())

	assert.Equal(t, VerificationGate, d.Classification)
	assert.Equal(t, RequestVerification, d.Action)
}

func TestDecide_RetentionCeiling(t *testing.T) {
	m := DefaultMarkers()
	offer := obs("Before you go, here's a special offer.")

	d := Decide(Input{Observation: offer, LoopCount: 2, Ceiling: 3}, m)
	assert.Equal(t, DeclineOffer, d.Action, "below ceiling the offer is declined")

	d = Decide(Input{Observation: offer, LoopCount: 3, Ceiling: 3}, m)
	assert.Equal(t, Escalate, d.Action, "at ceiling the run escalates")
	assert.Equal(t, RetentionOffer, d.Classification)
}

func TestDecide_UnrecognizedRetryThenEscalate(t *testing.T) {
	m := DefaultMarkers()
	blank := obs("Loading...")

	d := Decide(Input{Observation: blank, Ceiling: 3}, m)
	assert.Equal(t, Unrecognized, d.Classification)
	assert.Equal(t, Retry, d.Action, "first unrecognized page earns one retry")

	d = Decide(Input{Observation: blank, Ceiling: 3, RetriedUnrecognized: true}, m)
	assert.Equal(t, Unrecognized, d.Classification)
	assert.Equal(t, Escalate, d.Action, "second unrecognized page escalates")
}

func TestDecide_IsPure(t *testing.T) {
	m := DefaultMarkers()
	in := Input{Observation: obs("Before you go, special offer!"), LoopCount: 1, Ceiling: 3}

	first := Decide(in, m)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Decide(in, m), "same input must always yield the same decision")
	}
}

func TestMarkers_Merge(t *testing.T) {
	profile := Markers{
		Retention: []string{"loyalty pricing"},
		Cancelled: []string{"membership closed"},
	}
	merged := profile.Merge(DefaultMarkers())

	// Profile phrases come first so they win ties within a class.
	assert.Equal(t, "loyalty pricing", merged.Retention[0])
	assert.Equal(t, "membership closed", merged.Cancelled[0])
	assert.Contains(t, merged.Retention, "before you go")
	assert.Contains(t, merged.Verification, "verification code")

	d := Decide(Input{Observation: obs("Special loyalty pricing just for you"), Ceiling: 3}, merged)
	assert.Equal(t, RetentionOffer, d.Classification)
}
