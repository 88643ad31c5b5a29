package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/subzero-app/subzero/internal/engine"
	"github.com/subzero-app/subzero/internal/gateway"
	"github.com/subzero-app/subzero/internal/registry"
	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/store"
)

// scenarioTimeout bounds one scenario execution. Scripted providers
// respond instantly; hitting this means the run deadlocked.
const scenarioTimeout = 10 * time.Second

// fixedNow is the frozen wall clock scenarios run under.
var fixedNow = capturedAt

// Result is the outcome of one scenario execution.
type Result struct {
	// Run is the terminal run snapshot.
	Run run.Run

	// Events is the run's full event log.
	Events []run.Event

	// ShieldEvents is the Shield audit trail.
	ShieldEvents []run.DarkPatternEvent

	// Proof is the proof artifact, if one was written.
	Proof      run.ProofArtifact
	ProofFound bool

	// Provider exposes call counts for assertions.
	Provider *ScriptedProvider

	// Notifications are all recorded push notifications, in order.
	Notifications []Notification

	// Errors collects assertion failures. Empty means the scenario
	// passed.
	Errors []string
}

// Passed reports whether all assertions held.
func (r *Result) Passed() bool {
	return len(r.Errors) == 0
}

// AddError records an assertion failure.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Run executes a scenario against the real engine and evaluates its
// assertions.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers (fixed run id, frozen clock, no backoff sleeps)
// ensure reproducible event logs.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	provider := NewScriptedProvider(scenario.Script)
	notifier := NewRecordingNotifier()

	gw := gateway.New(provider, notifier, gateway.DefaultPolicies(),
		gateway.WithLogger(quiet),
		gateway.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
	)

	reg := registry.New(
		registry.WithClock(func() time.Time { return fixedNow }),
		registry.WithLogger(quiet),
	)

	settings := engine.Settings{
		VerificationDeadline: scenario.Settings.VerificationDeadline,
		RetentionCeiling:     scenario.Settings.RetentionCeiling,
		CodeAttempts:         scenario.Settings.CodeAttempts,
		MaxSteps:             scenario.Settings.MaxSteps,
	}.WithDefaults()

	eng := engine.New(st, gw, reg, nil,
		engine.WithSettings(settings),
		engine.WithLogger(quiet),
		engine.WithRunIDs(engine.NewFixedGenerator(scenario.RunID)),
		engine.WithClock(func() time.Time { return fixedNow }),
	)

	ctx, cancel := context.WithTimeout(context.Background(), scenarioTimeout)
	defer cancel()

	runID, err := eng.Submit(ctx, run.CancellationRequest{
		UserID:        scenario.Request.UserID,
		Service:       scenario.Request.Service,
		LoginURL:      scenario.Request.LoginURL,
		CredentialRef: scenario.Request.CredentialRef,
		Backend:       run.Backend(scenario.Request.Backend),
		MonthlyCents:  scenario.Request.MonthlyCents,
		AnnualCents:   scenario.Request.AnnualCents,
	})
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	if err := drive(ctx, scenario, eng, reg, notifier, settings); err != nil {
		return nil, err
	}

	if err := eng.Shutdown(ctx); err != nil {
		return nil, fmt.Errorf("engine did not stop: %w", err)
	}

	result, err := collect(ctx, st, runID, provider, notifier)
	if err != nil {
		return nil, err
	}

	evaluateAssertions(result, scenario.Assertions)
	return result, nil
}

// drive plays the user's part: it watches notifications and answers
// verification requests with the scenario's codes, or lets the
// challenge expire. Returns once the outcome notification arrives.
func drive(
	ctx context.Context,
	scenario *Scenario,
	eng *engine.Engine,
	reg *registry.Registry,
	notifier *RecordingNotifier,
	settings engine.Settings,
) error {
	nextCode := 0
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("scenario timed out waiting for outcome: %w", ctx.Err())

		case note := <-notifier.Signals:
			if _, terminal := note.Payload["outcome"]; terminal {
				return nil
			}

			sessionID := note.Payload["session_id"]
			if sessionID == "" {
				continue
			}

			if scenario.ExpireVerification {
				reg.Sweep(fixedNow.Add(settings.VerificationDeadline + time.Second))
				continue
			}
			if nextCode < len(scenario.Codes) {
				code := scenario.Codes[nextCode]
				nextCode++
				if err := eng.ResolveCode(sessionID, code); err != nil {
					return fmt.Errorf("resolve code %d: %w", nextCode, err)
				}
				continue
			}
			return fmt.Errorf("run requested a verification code but the scenario has none left")
		}
	}
}

// collect reads the run's terminal state and full audit trail.
func collect(ctx context.Context, st *store.Store, runID string, provider *ScriptedProvider, notifier *RecordingNotifier) (*Result, error) {
	r, err := st.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read terminal run: %w", err)
	}

	events, err := st.ListEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	shieldEvents, err := st.ListShieldEvents(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read shield events: %w", err)
	}
	proof, found, err := st.GetProofArtifact(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("read proof artifact: %w", err)
	}

	return &Result{
		Run:           r,
		Events:        events,
		ShieldEvents:  shieldEvents,
		Proof:         proof,
		ProofFound:    found,
		Provider:      provider,
		Notifications: notifier.Sent(),
	}, nil
}

// evaluateAssertions checks the scenario's assertions against the result.
func evaluateAssertions(result *Result, a Assertions) {
	if got := string(result.Run.Outcome); got != a.Outcome {
		result.AddError("outcome: got %q, want %q", got, a.Outcome)
	}
	if got := string(result.Run.Reason); got != a.Reason {
		result.AddError("reason: got %q, want %q", got, a.Reason)
	}
	if result.Run.LoopCount != a.LoopCount {
		result.AddError("loop_count: got %d, want %d", result.Run.LoopCount, a.LoopCount)
	}

	if len(a.States) > 0 {
		var got []string
		for _, ev := range result.Events {
			if ev.Kind == run.EventTransition {
				got = append(got, string(ev.To))
			}
		}
		if !equalStrings(got, a.States) {
			result.AddError("states: got %v, want %v", got, a.States)
		}
	}

	if len(a.ShieldTrace) > 0 {
		if len(result.ShieldEvents) != len(a.ShieldTrace) {
			result.AddError("shield_trace: got %d events, want %d", len(result.ShieldEvents), len(a.ShieldTrace))
		} else {
			for i, want := range a.ShieldTrace {
				got := result.ShieldEvents[i]
				if got.Classification != want.Classification || got.Action != want.Action {
					result.AddError("shield_trace[%d]: got %s/%s, want %s/%s",
						i, got.Classification, got.Action, want.Classification, want.Action)
				}
				if want.LoopCount != 0 && got.LoopCount != want.LoopCount {
					result.AddError("shield_trace[%d]: loop_count got %d, want %d", i, got.LoopCount, want.LoopCount)
				}
			}
		}
	}

	if a.Proof != nil {
		if !result.ProofFound {
			result.AddError("proof: no artifact written")
		} else {
			if result.Proof.Missing != a.Proof.Missing {
				result.AddError("proof: missing got %v, want %v", result.Proof.Missing, a.Proof.Missing)
			}
			if a.Proof.ScreenshotURL != "" && result.Proof.ScreenshotURL != a.Proof.ScreenshotURL {
				result.AddError("proof: screenshot_url got %q, want %q", result.Proof.ScreenshotURL, a.Proof.ScreenshotURL)
			}
		}
	}

	if a.ProofCalls != nil && result.Provider.ProofCalls != *a.ProofCalls {
		result.AddError("proof_calls: got %d, want %d", result.Provider.ProofCalls, *a.ProofCalls)
	}

	if a.Notified {
		found := false
		for _, note := range result.Notifications {
			if note.Payload["outcome"] != "" {
				found = true
				break
			}
		}
		if !found {
			result.AddError("notified: no outcome notification dispatched")
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
