package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/subzero-app/subzero/internal/run"
)

// Snapshot is the state of a run reconstructed from its event log.
// Replaying the same log always yields the same snapshot: events are
// folded in seq order and carry everything a transition changed.
type Snapshot struct {
	RunID     string
	State     run.State
	Outcome   run.Outcome
	Reason    run.Reason
	SessionID string
	LoopCount int
	LastSeq   int64
	// Events is the replayed log, in fold order.
	Events []run.Event
}

// ReplayRun folds a run's event log into its current state. This is the
// recovery path: the runs row is only a cache, the log is the truth.
func (s *Store) ReplayRun(ctx context.Context, runID string) (Snapshot, error) {
	events, err := s.ListEvents(ctx, runID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("replay run %s: %w", runID, err)
	}

	snap := Snapshot{
		RunID:  runID,
		State:  run.StateInitiated,
		Events: events,
	}

	for _, ev := range events {
		snap.LastSeq = ev.Seq

		switch ev.Kind {
		case run.EventTransition:
			snap.State = ev.To
			if v, ok := ev.Payload[run.PayloadSessionID]; ok {
				snap.SessionID = v
			}
			if v, ok := ev.Payload[run.PayloadReason]; ok {
				snap.Reason = run.Reason(v)
			}
			if v, ok := ev.Payload[run.PayloadLoopCount]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					snap.LoopCount = n
				}
			}
			if outcome := run.OutcomeFor(ev.To); outcome != "" {
				snap.Outcome = outcome
			}

		case run.EventShield, run.EventProof, run.EventOutcome:
			// Informational; no state change beyond the transition that
			// preceded them. Shield decisions live in the shield_events
			// audit table, and the loop counter they advance rides on the
			// decline self-transition's payload.
		}
	}

	return snap, nil
}

// VerifyRun replays a run and compares the fold against the snapshot row.
// A divergence means the snapshot cache drifted from the log; the log
// wins. Returns a descriptive error listing each mismatched field.
func (s *Store) VerifyRun(ctx context.Context, runID string) error {
	snap, err := s.ReplayRun(ctx, runID)
	if err != nil {
		return err
	}
	row, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	var mismatches []string
	if row.State != snap.State {
		mismatches = append(mismatches, fmt.Sprintf("state: row=%s replay=%s", row.State, snap.State))
	}
	if row.Outcome != snap.Outcome {
		mismatches = append(mismatches, fmt.Sprintf("outcome: row=%s replay=%s", row.Outcome, snap.Outcome))
	}
	if row.Reason != snap.Reason {
		mismatches = append(mismatches, fmt.Sprintf("reason: row=%s replay=%s", row.Reason, snap.Reason))
	}
	if row.SessionID != snap.SessionID {
		mismatches = append(mismatches, fmt.Sprintf("session_id: row=%s replay=%s", row.SessionID, snap.SessionID))
	}
	if row.LoopCount != snap.LoopCount {
		mismatches = append(mismatches, fmt.Sprintf("loop_count: row=%d replay=%d", row.LoopCount, snap.LoopCount))
	}

	if len(mismatches) > 0 {
		return fmt.Errorf("run %s diverged from event log: %v", runID, mismatches)
	}
	return nil
}
