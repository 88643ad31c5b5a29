package shield

// PageObservation is an ephemeral snapshot of the automation agent's
// current page: a textual summary plus agent-reported flags. It informs
// exactly one decision and is never stored or reused across transitions -
// the engine re-fetches a fresh observation after every action.
type PageObservation struct {
	// URL is the page URL at observation time.
	URL string `json:"url"`
	// Title is the document title, if the agent reports one.
	Title string `json:"title,omitempty"`
	// Text is the agent's textual summary of visible page content.
	Text string `json:"text"`
	// ChallengeVisible is set when the agent detects an input field
	// soliciting an out-of-band verification code.
	ChallengeVisible bool `json:"challenge_visible,omitempty"`
}
