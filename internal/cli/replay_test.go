package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/store"
)

// seedCompletedRun writes a finished run with its full audit trail and
// returns the database path.
func seedCompletedRun(t *testing.T, runID string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	r := run.Run{
		ID: runID,
		Request: run.CancellationRequest{
			UserID:        "user-1",
			Service:       "netflix",
			LoginURL:      "https://www.netflix.com/login",
			CredentialRef: "vault:user-1/netflix",
			Backend:       run.BackendHosted,
		},
		State:     run.StateInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = st.CreateRun(ctx, r)
	require.NoError(t, err)

	transitions := []struct {
		seq     int64
		to      run.State
		payload map[string]string
	}{
		{1, run.StateSessionStarting, nil},
		{2, run.StateShieldEvaluating, map[string]string{run.PayloadSessionID: "netflix_user-1_a"}},
		{3, run.StateCapturingProof, nil},
		{4, run.StateCompleted, nil},
	}
	for _, tr := range transitions {
		ev, err := run.NewEvent(runID, tr.seq, run.EventTransition, r.State, tr.to, tr.payload)
		require.NoError(t, err)
		r.State = tr.to
		if v, ok := tr.payload[run.PayloadSessionID]; ok {
			r.SessionID = v
		}
		if outcome := run.OutcomeFor(tr.to); outcome != "" {
			r.Outcome = outcome
		}
		_, err = st.AppendEvent(ctx, ev, r)
		require.NoError(t, err)
	}

	require.NoError(t, st.AppendShieldEvent(ctx, run.DarkPatternEvent{
		RunID:          runID,
		Seq:            2,
		Classification: "CANCELLED_CONFIRMATION",
		Action:         "CONFIRMED_CANCELLED",
	}))
	require.NoError(t, st.WriteProofArtifact(ctx, run.ProofArtifact{
		RunID:         runID,
		ScreenshotURL: "https://proofs.example/" + runID + ".png",
		CapturedAt:    now,
	}))

	return path
}

func TestReplayCommand_AllVerified(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	stdout, _, err := executeCommand("replay", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ Run: run-1")
	assert.Contains(t, stdout, "All run snapshots match their event logs")
}

func TestReplayCommand_SingleRun(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	stdout, _, err := executeCommand("replay", "--db", path, "run-1", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Replay Summary: 1 run(s)")
	assert.Contains(t, stdout, "Outcome: COMPLETED")
}

func TestReplayCommand_JSON(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	stdout, _, err := executeCommand("replay", "--db", path, "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["all_verified"])
	assert.Equal(t, float64(1), data["total_runs"])
}

func TestReplayCommand_Divergence(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	// Drift the snapshot behind the log's back.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE runs SET state = 'FAILED' WHERE id = 'run-1'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stdout, _, err := executeCommand("replay", "--db", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "✗ Run: run-1")
	assert.Contains(t, stdout, "Snapshot verification failed")
}

func TestReplayCommand_EmptyDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	stdout, _, err := executeCommand("replay", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "No runs found")
}

func TestReplayCommand_UnknownRun(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	_, _, err := executeCommand("replay", "--db", path, "missing")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
