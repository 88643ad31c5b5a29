package harness

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/subzero-app/subzero/internal/run"
)

// TraceSnapshot captures a scenario's complete audit trail. Canonical
// JSON serialization keeps golden comparison deterministic.
type TraceSnapshot struct {
	ScenarioName string
	Result       *Result
}

// toCanonicalMap converts the snapshot to a map for canonical JSON
// serialization. Event ids ride along: they are content-addressed, so a
// golden mismatch on an id means the event's identity inputs changed.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	events := make([]any, len(s.Result.Events))
	for i, ev := range s.Result.Events {
		m := map[string]any{
			"id":   ev.ID,
			"seq":  ev.Seq,
			"kind": string(ev.Kind),
			"from": string(ev.From),
			"to":   string(ev.To),
		}
		if len(ev.Payload) > 0 {
			m["payload"] = ev.Payload
		}
		events[i] = m
	}

	shieldTrace := make([]any, len(s.Result.ShieldEvents))
	for i, ev := range s.Result.ShieldEvents {
		shieldTrace[i] = map[string]any{
			"seq":            ev.Seq,
			"classification": ev.Classification,
			"action":         ev.Action,
			"loop_count":     ev.LoopCount,
		}
	}

	out := map[string]any{
		"scenario_name": s.ScenarioName,
		"run_id":        s.Result.Run.ID,
		"outcome":       string(s.Result.Run.Outcome),
		"events":        events,
		"shield_trace":  shieldTrace,
	}
	if s.Result.Run.Reason != run.ReasonNone {
		out["reason"] = string(s.Result.Run.Reason)
	}
	if s.Result.ProofFound {
		out["proof"] = map[string]any{
			"screenshot_url": s.Result.Proof.ScreenshotURL,
			"missing":        s.Result.Proof.Missing,
		}
	}
	return out
}

// RunWithGolden executes a scenario, fails the test on assertion
// errors, and compares the audit trail against a golden file stored in
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	if !result.Passed() {
		t.Errorf("scenario %s failed:\n%s", scenario.Name, strings.Join(result.Errors, "\n"))
	}

	snapshot := TraceSnapshot{ScenarioName: scenario.Name, Result: result}
	traceJSON, err := run.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		t.Fatalf("scenario %s: marshal trace: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)

	return result
}

// Summarize renders a human-readable scenario result for CLI output.
func Summarize(result *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %s", result.Run.ID, result.Run.Outcome)
	if result.Run.Reason != run.ReasonNone {
		fmt.Fprintf(&b, " (%s)", result.Run.Reason)
	}
	fmt.Fprintf(&b, "\n  transitions: %d, shield decisions: %d, loop count: %d\n",
		len(result.Events), len(result.ShieldEvents), result.Run.LoopCount)
	for _, msg := range result.Errors {
		fmt.Fprintf(&b, "  FAIL: %s\n", msg)
	}
	return b.String()
}
