package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/subzero-app/subzero/internal/gateway"
	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/shield"
)

// finishTimeout bounds terminal cleanup (session close, outcome event,
// notification) when the runner's own context is already cancelled.
const finishTimeout = 30 * time.Second

// runner owns one run's state machine. All mutation of r.run happens on
// the runner goroutine; external control arrives via requestCancel.
type runner struct {
	eng     *Engine
	run     *run.Run
	clock   *Clock
	quota   *StepQuota
	markers shield.Markers
	ceiling int
	log     *slog.Logger

	cancel    context.CancelFunc
	cancelled atomic.Bool

	// retried is the single same-state retry budget for unrecognized
	// pages; it resets whenever a page classifies.
	retried bool
	// codeAttempts counts verification codes injected for this run.
	codeAttempts int
}

// requestCancel flags the run as user-cancelled and interrupts the runner
// goroutine. Safe from any goroutine.
func (r *runner) requestCancel() {
	r.cancelled.Store(true)
	r.cancel()
}

// execute drives the state machine from the run's current state until a
// terminal state. Entered at INITIATED for fresh runs and at whatever
// state the log replayed to for recovered runs.
func (r *runner) execute(ctx context.Context) {
	for !r.run.Terminal() {
		if ctx.Err() != nil {
			r.interrupted()
			return
		}

		var err error
		switch r.run.State {
		case run.StateInitiated:
			err = r.transition(ctx, run.StateSessionStarting, nil)
		case run.StateSessionStarting:
			err = r.stepStart(ctx)
		case run.StateAwaitingVerification:
			err = r.stepVerification(ctx)
		case run.StateShieldEvaluating:
			err = r.stepShield(ctx)
		case run.StateCapturingProof:
			err = r.stepProof(ctx)
		default:
			err = fmt.Errorf("run %s in unknown state %q", r.run.ID, r.run.State)
		}

		if err != nil {
			if ctx.Err() != nil {
				r.interrupted()
				return
			}
			r.failOnError(ctx, err)
		}
	}

	r.finish(ctx)
}

// interrupted handles a context interruption: a user cancel terminates
// the run as ABANDONED; an engine shutdown leaves it non-terminal on
// disk for recovery at next startup.
func (r *runner) interrupted() {
	if !r.cancelled.Load() {
		r.log.Info("run interrupted by shutdown, left for recovery",
			"run_id", r.run.ID,
			"state", r.run.State,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	if err := r.transition(ctx, run.StateAbandoned, map[string]string{
		run.PayloadReason: string(run.ReasonUserCancelled),
	}); err != nil {
		r.log.Error("failed to record user cancellation",
			"run_id", r.run.ID,
			"error", err,
		)
		return
	}
	r.finish(ctx)
}

// failOnError maps a step error to a terminal FAILED transition.
func (r *runner) failOnError(ctx context.Context, err error) {
	reason := run.ReasonProviderError
	if IsStepsExceededError(err) {
		reason = run.ReasonNeedsHumanReview
	}

	r.log.Warn("run step failed",
		"run_id", r.run.ID,
		"state", r.run.State,
		"reason", reason,
		"error", err,
	)
	r.fail(ctx, reason)
}

// fail terminates the run as FAILED with the given reason.
func (r *runner) fail(ctx context.Context, reason run.Reason) {
	if err := r.transition(ctx, run.StateFailed, map[string]string{
		run.PayloadReason: string(reason),
	}); err != nil {
		r.log.Error("failed to record run failure",
			"run_id", r.run.ID,
			"reason", reason,
			"error", err,
		)
		// Give up; recovery will retry the state this run is stuck in.
		r.cancel()
	}
}

// transition appends a state transition event and applies it to the
// in-memory run. The event is durable before the new state's side
// effects execute.
//
// Terminal transitions bypass the step quota so a quota-exhausted run
// can still record its failure.
func (r *runner) transition(ctx context.Context, to run.State, payload map[string]string) error {
	if !to.Terminal() {
		if err := r.quota.Check(r.run.ID); err != nil {
			return err
		}
	}

	from := r.run.State
	seq := r.clock.Next()

	ev, err := run.NewEvent(r.run.ID, seq, run.EventTransition, from, to, payload)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}

	next := r.applied(to, payload)
	if _, err := r.eng.store.AppendEvent(ctx, ev, next); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	*r.run = next

	r.log.Info("run transitioned",
		"run_id", r.run.ID,
		"seq", seq,
		"from", from,
		"to", to,
	)
	return nil
}

// applied folds a transition into a copy of the in-memory run, mirroring
// what replay does with the stored event. The copy becomes the run only
// once the event is durably appended, so a failed append leaves the
// in-memory run matching the log.
func (r *runner) applied(to run.State, payload map[string]string) run.Run {
	next := *r.run
	next.State = to
	if v, ok := payload[run.PayloadSessionID]; ok {
		next.SessionID = v
	}
	if v, ok := payload[run.PayloadReason]; ok {
		next.Reason = run.Reason(v)
	}
	if v, ok := payload[run.PayloadLoopCount]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			next.LoopCount = n
		}
	}
	if outcome := run.OutcomeFor(to); outcome != "" {
		next.Outcome = outcome
	}
	next.UpdatedAt = r.eng.now()
	return next
}

// stepStart asks the provider to open the cancellation session.
func (r *runner) stepStart(ctx context.Context) error {
	res, err := r.eng.gw.StartAutomation(ctx, gateway.StartRequest{
		RunID:         r.run.ID,
		UserID:        r.run.Request.UserID,
		Service:       r.run.Request.Service,
		LoginURL:      r.run.Request.LoginURL,
		CredentialRef: r.run.Request.CredentialRef,
		Backend:       r.run.Request.Backend,
	})
	if err != nil {
		return fmt.Errorf("start automation: %w", err)
	}

	switch res.Status {
	case gateway.StatusSuccess:
		return r.transition(ctx, run.StateShieldEvaluating, map[string]string{
			run.PayloadSessionID: res.SessionID,
		})

	case gateway.StatusVerificationRequired:
		return r.transition(ctx, run.StateAwaitingVerification, map[string]string{
			run.PayloadSessionID: res.SessionID,
		})

	case gateway.StatusFailed:
		reason := startFailureReason(res.FailureCode)
		return r.transition(ctx, run.StateFailed, map[string]string{
			run.PayloadReason:  string(reason),
			run.PayloadMessage: res.Message,
		})

	default:
		return fmt.Errorf("start automation: unknown status %q", res.Status)
	}
}

// startFailureReason maps a provider failure code to a reason code.
func startFailureReason(code string) run.Reason {
	switch code {
	case "INVALID_CREDENTIALS":
		return run.ReasonInvalidCredentials
	case "UNSUPPORTED_MERCHANT":
		return run.ReasonUnsupportedMerchant
	default:
		return run.ReasonProviderError
	}
}

// stepVerification suspends the run on an out-of-band code: registers a
// challenge, notifies the user, and blocks until the code arrives or the
// challenge expires. Wrong codes get fresh challenges up to the attempt
// budget.
func (r *runner) stepVerification(ctx context.Context) error {
	// A recovered run may have a stale challenge from before the crash.
	r.eng.registry.Withdraw(r.run.SessionID)

	deadline := r.eng.now().Add(r.eng.settings.VerificationDeadline)
	waiter, err := r.eng.registry.Register(r.run.SessionID, r.run.ID, deadline)
	if err != nil {
		return fmt.Errorf("register challenge: %w", err)
	}

	r.notifyVerification(ctx, deadline)

	select {
	case <-ctx.Done():
		r.eng.registry.Withdraw(r.run.SessionID)
		return ctx.Err()

	case res := <-waiter:
		if res.Expired {
			return r.transition(ctx, run.StateAbandoned, map[string]string{
				run.PayloadReason: string(run.ReasonTimeout),
			})
		}
		return r.injectCode(ctx, res.Code)
	}
}

// injectCode delivers a resolved code to the session and routes on the
// provider's verdict.
func (r *runner) injectCode(ctx context.Context, code string) error {
	r.codeAttempts++

	res, err := r.eng.gw.InjectCode(ctx, gateway.InjectRequest{
		RunID:     r.run.ID,
		SessionID: r.run.SessionID,
		Code:      code,
	})
	if err != nil {
		return fmt.Errorf("inject code: %w", err)
	}

	switch res.Status {
	case gateway.StatusSuccess:
		return r.transition(ctx, run.StateShieldEvaluating, nil)

	case gateway.StatusVerificationRequired:
		// Code rejected; the session wants another one.
		if r.codeAttempts >= r.eng.settings.CodeAttempts {
			return r.transition(ctx, run.StateFailed, map[string]string{
				run.PayloadReason: string(run.ReasonVerificationRejected),
			})
		}
		r.log.Info("verification code rejected, awaiting another",
			"run_id", r.run.ID,
			"attempt", r.codeAttempts,
		)
		// Stay in AWAITING_VERIFICATION; the loop re-registers.
		return nil

	case gateway.StatusFailed:
		return r.transition(ctx, run.StateFailed, map[string]string{
			run.PayloadReason:  string(run.ReasonProviderError),
			run.PayloadMessage: res.Message,
		})

	default:
		return fmt.Errorf("inject code: unknown status %q", res.Status)
	}
}

// notifyVerification tells the user a code is needed. Best-effort: a
// notification failure must not fail the run, the user can still find
// the pending challenge through status.
func (r *runner) notifyVerification(ctx context.Context, deadline time.Time) {
	_, err := r.eng.gw.Notify(ctx, gateway.NotifyRequest{
		RunID:  r.run.ID,
		UserID: r.run.Request.UserID,
		Title:  "Verification needed",
		Body:   fmt.Sprintf("Enter the code %s sent you to finish cancelling.", r.run.Request.Service),
		Payload: map[string]string{
			"session_id": r.run.SessionID,
			"deadline":   deadline.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		r.log.Warn("verification notification failed",
			"run_id", r.run.ID,
			"error", err,
		)
	}
}

// stepShield fetches a fresh observation, asks the Shield for a decision,
// records it, and acts. Observations are never reused across decisions.
func (r *runner) stepShield(ctx context.Context) error {
	obs, err := r.eng.gw.Observe(ctx, gateway.ObserveRequest{
		RunID:     r.run.ID,
		SessionID: r.run.SessionID,
	})
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}

	decision := shield.Decide(shield.Input{
		Observation:         obs,
		LoopCount:           r.run.LoopCount,
		Ceiling:             r.ceiling,
		RetriedUnrecognized: r.retried,
	}, r.markers)

	seq := r.clock.Next()
	audit := run.DarkPatternEvent{
		RunID:          r.run.ID,
		Seq:            seq,
		Classification: string(decision.Classification),
		Action:         string(decision.Action),
		LoopCount:      r.nextLoopCount(decision.Action),
	}
	if err := r.eng.store.AppendShieldEvent(ctx, audit); err != nil {
		return fmt.Errorf("append shield event: %w", err)
	}

	r.log.Info("shield decision",
		"run_id", r.run.ID,
		"seq", seq,
		"classification", decision.Classification,
		"action", decision.Action,
		"matched", decision.Matched,
		"loop_count", audit.LoopCount,
	)

	if decision.Classification != shield.Unrecognized {
		r.retried = false
	}

	switch decision.Action {
	case shield.Retry:
		r.retried = true
		return nil // loop re-observes without acting

	case shield.Proceed:
		if err := r.selfTransition(ctx, decision); err != nil {
			return err
		}
		return r.advance(ctx, decision.Action)

	case shield.DeclineOffer:
		if err := r.selfTransition(ctx, decision); err != nil {
			return err
		}
		return r.advance(ctx, decision.Action)

	case shield.RequestVerification:
		return r.transition(ctx, run.StateAwaitingVerification, decisionPayload(decision))

	case shield.ConfirmedCancelled:
		return r.transition(ctx, run.StateCapturingProof, decisionPayload(decision))

	case shield.Escalate:
		reason := run.ReasonNeedsHumanReview
		if decision.Classification == shield.RetentionOffer {
			reason = run.ReasonLoopExceeded
		}
		payload := decisionPayload(decision)
		payload[run.PayloadReason] = string(reason)
		return r.transition(ctx, run.StateFailed, payload)

	default:
		return fmt.Errorf("shield: unknown action %q", decision.Action)
	}
}

// nextLoopCount returns the retention-loop counter after a decision.
// Only DECLINE_OFFER advances it.
func (r *runner) nextLoopCount(action shield.Action) int {
	if action == shield.DeclineOffer {
		return r.run.LoopCount + 1
	}
	return r.run.LoopCount
}

// selfTransition records a SHIELD_EVALUATING step that stays in place:
// proceeding through a dialog or declining an offer.
func (r *runner) selfTransition(ctx context.Context, decision shield.Decision) error {
	payload := decisionPayload(decision)
	if decision.Action == shield.DeclineOffer {
		payload[run.PayloadLoopCount] = strconv.Itoa(r.run.LoopCount + 1)
	}
	return r.transition(ctx, run.StateShieldEvaluating, payload)
}

// advance drives the agent one step per the decision.
func (r *runner) advance(ctx context.Context, action shield.Action) error {
	err := r.eng.gw.Advance(ctx, gateway.AdvanceRequest{
		RunID:     r.run.ID,
		SessionID: r.run.SessionID,
		Action:    action,
	})
	if err != nil {
		return fmt.Errorf("advance (%s): %w", action, err)
	}
	return nil
}

// decisionPayload builds the transition payload for a Shield decision.
func decisionPayload(d shield.Decision) map[string]string {
	return map[string]string{
		run.PayloadClassification: string(d.Classification),
		run.PayloadAction:         string(d.Action),
	}
}

// stepProof captures evidence of the confirmed cancellation. Capture
// failure never fails the run: the cancellation already happened on the
// merchant side, so the run completes with a missing-proof artifact.
func (r *runner) stepProof(ctx context.Context) error {
	res, err := r.eng.gw.CaptureProof(ctx, gateway.ProofRequest{
		RunID:     r.run.ID,
		SessionID: r.run.SessionID,
	})

	var artifact run.ProofArtifact
	var payload map[string]string

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("proof capture failed, completing without evidence",
			"run_id", r.run.ID,
			"error", err,
		)
		artifact = run.ProofArtifact{
			RunID:      r.run.ID,
			CapturedAt: r.eng.now(),
			Missing:    true,
		}
		payload = map[string]string{
			run.PayloadReason: string(run.ReasonProofUnavailable),
		}
	} else {
		artifact = run.ProofArtifact{
			RunID:         r.run.ID,
			ScreenshotURL: res.ScreenshotURL,
			VideoURL:      res.VideoURL,
			CapturedAt:    res.CapturedAt,
		}
		payload = map[string]string{
			run.PayloadScreenshotURL: res.ScreenshotURL,
		}
		if res.VideoURL != "" {
			payload[run.PayloadVideoURL] = res.VideoURL
		}
	}

	if err := r.eng.store.WriteProofArtifact(ctx, artifact); err != nil {
		return fmt.Errorf("write proof artifact: %w", err)
	}

	seq := r.clock.Next()
	ev, err := run.NewEvent(r.run.ID, seq, run.EventProof,
		run.StateCapturingProof, run.StateCapturingProof, payload)
	if err != nil {
		return fmt.Errorf("proof event: %w", err)
	}
	if _, err := r.eng.store.AppendEvent(ctx, ev, *r.run); err != nil {
		return fmt.Errorf("append proof event: %w", err)
	}

	return r.transition(ctx, run.StateCompleted, nil)
}

// finish runs terminal cleanup: close the session, record the outcome
// event, and notify the user. All best-effort except the outcome event.
func (r *runner) finish(ctx context.Context) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), finishTimeout)
		defer cancel()
	}

	if r.run.SessionID != "" {
		err := r.eng.gw.CloseSession(ctx, gateway.CloseRequest{
			RunID:     r.run.ID,
			SessionID: r.run.SessionID,
		})
		if err != nil {
			r.log.Warn("session close failed",
				"run_id", r.run.ID,
				"session_id", r.run.SessionID,
				"error", err,
			)
		}
	}

	payload := map[string]string{
		run.PayloadOutcome: string(r.run.Outcome),
	}
	if r.run.Reason != run.ReasonNone {
		payload[run.PayloadReason] = string(r.run.Reason)
	}

	seq := r.clock.Next()
	ev, err := run.NewEvent(r.run.ID, seq, run.EventOutcome,
		r.run.State, r.run.State, payload)
	if err == nil {
		_, err = r.eng.store.AppendEvent(ctx, ev, *r.run)
	}
	if err != nil {
		r.log.Error("failed to record outcome event",
			"run_id", r.run.ID,
			"error", err,
		)
	}

	r.notifyOutcome(ctx)

	r.log.Info("run finished",
		"run_id", r.run.ID,
		"outcome", r.run.Outcome,
		"reason", r.run.Reason,
		"loop_count", r.run.LoopCount,
		"steps", r.quota.Current(),
	)
}

// notifyOutcome reports the terminal outcome to the user. Completed runs
// carry the savings context from the original request.
func (r *runner) notifyOutcome(ctx context.Context) {
	var title, body string
	payload := map[string]string{
		"outcome": string(r.run.Outcome),
	}

	switch r.run.Outcome {
	case run.OutcomeCompleted:
		title = fmt.Sprintf("%s cancelled", r.run.Request.Service)
		body = "Your subscription has been cancelled."
		if r.run.Request.MonthlyCents > 0 {
			body = fmt.Sprintf("Your subscription has been cancelled. You'll save $%.2f/month.",
				float64(r.run.Request.MonthlyCents)/100)
			payload["monthly_cents"] = strconv.FormatInt(r.run.Request.MonthlyCents, 10)
		}
		if r.run.Request.AnnualCents > 0 {
			payload["annual_cents"] = strconv.FormatInt(r.run.Request.AnnualCents, 10)
		}
	case run.OutcomeFailed:
		title = fmt.Sprintf("Couldn't cancel %s", r.run.Request.Service)
		body = "We couldn't finish the cancellation."
		payload["reason"] = string(r.run.Reason)
	case run.OutcomeAbandoned:
		title = fmt.Sprintf("%s cancellation stopped", r.run.Request.Service)
		body = "The cancellation was stopped before it finished."
		payload["reason"] = string(r.run.Reason)
	default:
		return
	}

	_, err := r.eng.gw.Notify(ctx, gateway.NotifyRequest{
		RunID:   r.run.ID,
		UserID:  r.run.Request.UserID,
		Title:   title,
		Body:    body,
		Payload: payload,
	})
	if err != nil {
		r.log.Warn("outcome notification failed",
			"run_id", r.run.ID,
			"error", err,
		)
	}
}
