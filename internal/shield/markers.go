package shield

// Markers are phrase lists that classify a page observation. A merchant
// profile may supply tuned markers; defaults below cover the generic dark
// patterns observed across cancellation flows: confirm-shaming copy,
// retention-offer bait, obstruction dialogs, and verification gates.
type Markers struct {
	// Verification marks pages gated on an out-of-band code.
	Verification []string `json:"verification,omitempty"`
	// Cancelled marks terminal confirmation-of-cancellation pages.
	Cancelled []string `json:"cancelled,omitempty"`
	// Retention marks retention offers (discounts, pauses, guilt trips).
	Retention []string `json:"retention,omitempty"`
	// Confirmation marks intermediate "are you sure" dialogs to step past.
	Confirmation []string `json:"confirmation,omitempty"`
}

// Merge overlays profile markers on top of the defaults. Profile phrases
// are checked before the generic ones so a merchant-specific phrase wins
// ties within a class.
func (m Markers) Merge(defaults Markers) Markers {
	return Markers{
		Verification: append(append([]string{}, m.Verification...), defaults.Verification...),
		Cancelled:    append(append([]string{}, m.Cancelled...), defaults.Cancelled...),
		Retention:    append(append([]string{}, m.Retention...), defaults.Retention...),
		Confirmation: append(append([]string{}, m.Confirmation...), defaults.Confirmation...),
	}
}

// DefaultMarkers returns the built-in generic phrase lists.
func DefaultMarkers() Markers {
	return Markers{
		Verification: []string{
			"verification code",
			"enter the code",
			"two-factor",
			"2fa",
			"one-time passcode",
			"code we sent",
			"security code",
		},
		Cancelled: []string{
			"subscription cancelled",
			"subscription canceled",
			"has been cancelled",
			"has been canceled",
			"successfully cancelled",
			"successfully canceled",
			"cancellation confirmed",
			"your membership has ended",
		},
		Retention: []string{
			"before you go",
			"sorry to see you go",
			"we'd hate to see you go",
			"stay for",
			"% off",
			"special offer",
			"pause your subscription",
			"pause instead",
			"keep your benefits",
			"don't want to save",
			"are you sure you want to leave",
		},
		Confirmation: []string{
			"are you sure",
			"confirm cancellation",
			"cancel anyway",
			"finish cancellation",
			"complete cancellation",
			"continue to cancel",
			"yes, cancel",
		},
	}
}
