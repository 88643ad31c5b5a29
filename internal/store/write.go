package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/subzero-app/subzero/internal/run"
)

// timeFormat is the stored timestamp layout.
const timeFormat = time.RFC3339Nano

// CreateRun inserts the run row in its initial state.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: returns inserted=false
// if the run already exists (e.g. re-submission after a crash).
func (s *Store) CreateRun(ctx context.Context, r run.Run) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, user_id, service, pair_key, login_url, credential_ref, backend,
		 monthly_cents, annual_cents, state, outcome, reason, session_id,
		 loop_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		r.ID,
		r.Request.UserID,
		r.Request.Service,
		r.Request.PairKey(),
		r.Request.LoginURL,
		r.Request.CredentialRef,
		string(r.Request.Backend),
		r.Request.MonthlyCents,
		r.Request.AnnualCents,
		string(r.State),
		string(r.Outcome),
		string(r.Reason),
		r.SessionID,
		r.LoopCount,
		r.CreatedAt.UTC().Format(timeFormat),
		r.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return false, fmt.Errorf("create run: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("create run: rows affected: %w", err)
	}
	return n > 0, nil
}

// AppendEvent atomically appends a run event and refreshes the run's
// snapshot row in a single transaction. The event insert is idempotent
// (ON CONFLICT DO NOTHING on the content-addressed id); when the event
// already exists the snapshot is left untouched and inserted=false is
// returned, which is what makes crash-replay of a transition a no-op.
func (s *Store) AppendEvent(ctx context.Context, ev run.Event, snapshot run.Run) (inserted bool, err error) {
	payloadJSON, err := marshalPayload(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("append event: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO run_events
		(id, run_id, seq, kind, from_state, to_state, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		ev.ID,
		ev.RunID,
		ev.Seq,
		string(ev.Kind),
		string(ev.From),
		string(ev.To),
		payloadJSON,
	)
	if err != nil {
		return false, fmt.Errorf("append event: insert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append event: rows affected: %w", err)
	}

	if n == 0 {
		// Already appended - snapshot already reflects it.
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("append event: commit (existing): %w", err)
		}
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, outcome = ?, reason = ?, session_id = ?,
		    loop_count = ?, updated_at = ?
		WHERE id = ?
	`,
		string(snapshot.State),
		string(snapshot.Outcome),
		string(snapshot.Reason),
		snapshot.SessionID,
		snapshot.LoopCount,
		snapshot.UpdatedAt.UTC().Format(timeFormat),
		ev.RunID,
	)
	if err != nil {
		return false, fmt.Errorf("append event: update snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("append event: commit: %w", err)
	}

	return true, nil
}

// AppendShieldEvent records a Shield decision in the audit trail.
// Idempotent on (run_id, seq).
func (s *Store) AppendShieldEvent(ctx context.Context, ev run.DarkPatternEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shield_events
		(run_id, seq, classification, action, loop_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		ev.RunID,
		ev.Seq,
		ev.Classification,
		ev.Action,
		ev.LoopCount,
	)
	if err != nil {
		return fmt.Errorf("append shield event: %w", err)
	}
	return nil
}

// WriteProofArtifact records the proof reference for a run. Write-once:
// a second write for the same run is silently ignored.
func (s *Store) WriteProofArtifact(ctx context.Context, artifact run.ProofArtifact) error {
	missing := 0
	if artifact.Missing {
		missing = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proof_artifacts
		(run_id, screenshot_url, video_url, captured_at, missing)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		artifact.RunID,
		artifact.ScreenshotURL,
		artifact.VideoURL,
		artifact.CapturedAt.UTC().Format(timeFormat),
		missing,
	)
	if err != nil {
		return fmt.Errorf("write proof artifact: %w", err)
	}
	return nil
}

// marshalPayload serializes an event payload for storage. Empty payloads
// are stored as "{}" so the column is always valid JSON.
func marshalPayload(payload map[string]string) (string, error) {
	if len(payload) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}
