package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/subzero-app/subzero/internal/run"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// GetRun reads a run's snapshot row.
func (s *Store) GetRun(ctx context.Context, runID string) (run.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, service, login_url, credential_ref, backend,
		       monthly_cents, annual_cents, state, outcome, reason,
		       session_id, loop_count, created_at, updated_at
		FROM runs
		WHERE id = ?
	`, runID)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return run.Run{}, fmt.Errorf("get run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return run.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// FindLiveRunForPair returns the id of the live (non-terminal) run for a
// (user, service) pair, or "" if none exists. This backs the at-most-one
// live run invariant across restarts. Matching uses the same
// Unicode-case-folded pair key as the in-process live-run map.
func (s *Store) FindLiveRunForPair(ctx context.Context, userID, service string) (string, error) {
	pairKey := run.CancellationRequest{UserID: userID, Service: service}.PairKey()

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs
		WHERE pair_key = ?
		  AND state NOT IN (?, ?, ?)
		ORDER BY created_at DESC
		LIMIT 1
	`, pairKey,
		string(run.StateCompleted), string(run.StateFailed), string(run.StateAbandoned),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find live run: %w", err)
	}
	return id, nil
}

// ListEvents returns a run's events in seq order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]run.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, kind, from_state, to_state, payload
		FROM run_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []run.Event
	for rows.Next() {
		var ev run.Event
		var kind, from, to, payloadJSON string
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Seq, &kind, &from, &to, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = run.EventKind(kind)
		ev.From = run.State(from)
		ev.To = run.State(to)
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for event %s: %w", ev.ID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if events == nil {
		events = []run.Event{}
	}
	return events, nil
}

// ListShieldEvents returns a run's Shield audit trail in seq order.
func (s *Store) ListShieldEvents(ctx context.Context, runID string) ([]run.DarkPatternEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, classification, action, loop_count
		FROM shield_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list shield events: %w", err)
	}
	defer rows.Close()

	var events []run.DarkPatternEvent
	for rows.Next() {
		var ev run.DarkPatternEvent
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Classification, &ev.Action, &ev.LoopCount); err != nil {
			return nil, fmt.Errorf("scan shield event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shield events: %w", err)
	}

	if events == nil {
		events = []run.DarkPatternEvent{}
	}
	return events, nil
}

// GetProofArtifact returns the run's proof artifact, if captured.
func (s *Store) GetProofArtifact(ctx context.Context, runID string) (run.ProofArtifact, bool, error) {
	var artifact run.ProofArtifact
	var capturedAt string
	var missing int
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, screenshot_url, video_url, captured_at, missing
		FROM proof_artifacts
		WHERE run_id = ?
	`, runID).Scan(&artifact.RunID, &artifact.ScreenshotURL, &artifact.VideoURL, &capturedAt, &missing)
	if errors.Is(err, sql.ErrNoRows) {
		return run.ProofArtifact{}, false, nil
	}
	if err != nil {
		return run.ProofArtifact{}, false, fmt.Errorf("get proof artifact: %w", err)
	}

	artifact.Missing = missing != 0
	artifact.CapturedAt, err = time.Parse(timeFormat, capturedAt)
	if err != nil {
		return run.ProofArtifact{}, false, fmt.Errorf("parse captured_at: %w", err)
	}
	return artifact, true, nil
}

// FindIncompleteRuns returns all runs in a non-terminal state, oldest
// first. Used on startup to resume runs interrupted by a crash.
func (s *Store) FindIncompleteRuns(ctx context.Context) ([]run.Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, service, login_url, credential_ref, backend,
		       monthly_cents, annual_cents, state, outcome, reason,
		       session_id, loop_count, created_at, updated_at
		FROM runs
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at ASC
	`,
		string(run.StateCompleted), string(run.StateFailed), string(run.StateAbandoned),
	)
	if err != nil {
		return nil, fmt.Errorf("find incomplete runs: %w", err)
	}
	defer rows.Close()

	var runs []run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("find incomplete runs: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incomplete runs: %w", err)
	}
	return runs, nil
}

// GetLastSeq returns the highest seq appended for a run, or 0 for none.
// Used for recovery to resume the run's logical clock.
func (s *Store) GetLastSeq(ctx context.Context, runID string) (int64, error) {
	var maxSeq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?
	`, runID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("get last seq: %w", err)
	}
	return maxSeq, nil
}

// ListRunIDs returns all run ids, newest first.
func (s *Store) ListRunIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM runs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list run ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run ids: %w", err)
	}

	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (run.Run, error) {
	var r run.Run
	var backend, state, outcome, reason, createdAt, updatedAt string
	err := row.Scan(
		&r.ID,
		&r.Request.UserID,
		&r.Request.Service,
		&r.Request.LoginURL,
		&r.Request.CredentialRef,
		&backend,
		&r.Request.MonthlyCents,
		&r.Request.AnnualCents,
		&state,
		&outcome,
		&reason,
		&r.SessionID,
		&r.LoopCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return run.Run{}, err
	}

	r.Request.Backend = run.Backend(backend)
	r.State = run.State(state)
	r.Outcome = run.Outcome(outcome)
	r.Reason = run.Reason(reason)

	if r.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return run.Run{}, fmt.Errorf("parse created_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return run.Run{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return r, nil
}
