package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subzero-app/subzero/internal/run"
)

func TestReplayRun_FoldsTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := testRun("run-1")
	_, err := st.CreateRun(ctx, r)
	require.NoError(t, err)

	appendTransition(t, st, &r, 1, run.StateSessionStarting, nil)
	appendTransition(t, st, &r, 2, run.StateShieldEvaluating, map[string]string{
		run.PayloadSessionID: "netflix_user-1_a",
	})
	appendTransition(t, st, &r, 3, run.StateCapturingProof, nil)
	appendTransition(t, st, &r, 4, run.StateCompleted, nil)

	snap, err := st.ReplayRun(ctx, "run-1")
	require.NoError(t, err)

	assert.Equal(t, run.StateCompleted, snap.State)
	assert.Equal(t, run.OutcomeCompleted, snap.Outcome)
	assert.Equal(t, "netflix_user-1_a", snap.SessionID)
	assert.Equal(t, int64(4), snap.LastSeq)
	assert.Len(t, snap.Events, 4)
}

func TestReplayRun_EmptyLog(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := testRun("run-1")
	_, err := st.CreateRun(ctx, r)
	require.NoError(t, err)

	snap, err := st.ReplayRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StateInitiated, snap.State, "no events replays to the initial state")
	assert.Equal(t, int64(0), snap.LastSeq)
}

func TestReplayRun_LoopCountFoldsFromTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := testRun("run-1")
	_, err := st.CreateRun(ctx, r)
	require.NoError(t, err)

	appendTransition(t, st, &r, 1, run.StateSessionStarting, nil)
	appendTransition(t, st, &r, 2, run.StateShieldEvaluating, nil)

	// Declining a retention offer is a self-transition carrying the
	// advanced loop counter.
	r.LoopCount = 1
	appendTransition(t, st, &r, 3, run.StateShieldEvaluating, map[string]string{
		run.PayloadClassification: "RETENTION_OFFER",
		run.PayloadAction:         "DECLINE_OFFER",
		run.PayloadLoopCount:      "1",
	})

	snap, err := st.ReplayRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.LoopCount)
	assert.Equal(t, run.StateShieldEvaluating, snap.State)
}

func TestReplayRun_NonTransitionEventsAreInformational(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := testRun("run-1")
	_, err := st.CreateRun(ctx, r)
	require.NoError(t, err)

	appendTransition(t, st, &r, 1, run.StateSessionStarting, nil)
	appendTransition(t, st, &r, 2, run.StateShieldEvaluating, nil)

	// A shield-kind event in the run log must not move the fold: its
	// payload is audit context, not state.
	ev, err := run.NewEvent("run-1", 3, run.EventShield, run.StateShieldEvaluating, run.StateShieldEvaluating, map[string]string{
		run.PayloadClassification: "RETENTION_OFFER",
		run.PayloadAction:         "DECLINE_OFFER",
		run.PayloadLoopCount:      "5",
	})
	require.NoError(t, err)
	inserted, err := st.AppendEvent(ctx, ev, r)
	require.NoError(t, err)
	require.True(t, inserted)

	snap, err := st.ReplayRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.LoopCount)
	assert.Equal(t, run.StateShieldEvaluating, snap.State)
	assert.Equal(t, int64(3), snap.LastSeq)
}

func TestReplayRun_FailureReason(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := testRun("run-1")
	_, err := st.CreateRun(ctx, r)
	require.NoError(t, err)

	appendTransition(t, st, &r, 1, run.StateSessionStarting, nil)
	appendTransition(t, st, &r, 2, run.StateFailed, map[string]string{
		run.PayloadReason: string(run.ReasonInvalidCredentials),
	})

	snap, err := st.ReplayRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StateFailed, snap.State)
	assert.Equal(t, run.OutcomeFailed, snap.Outcome)
	assert.Equal(t, run.ReasonInvalidCredentials, snap.Reason)
}

func TestVerifyRun_Matches(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := testRun("run-1")
	_, err := st.CreateRun(ctx, r)
	require.NoError(t, err)

	appendTransition(t, st, &r, 1, run.StateSessionStarting, nil)
	appendTransition(t, st, &r, 2, run.StateShieldEvaluating, map[string]string{
		run.PayloadSessionID: "netflix_user-1_a",
	})

	assert.NoError(t, st.VerifyRun(ctx, "run-1"))
}

func TestVerifyRun_DetectsDrift(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	r := testRun("run-1")
	_, err := st.CreateRun(ctx, r)
	require.NoError(t, err)

	appendTransition(t, st, &r, 1, run.StateSessionStarting, nil)

	// Corrupt the snapshot row behind the log's back.
	_, err = st.db.ExecContext(ctx, `UPDATE runs SET state = 'COMPLETED', outcome = 'COMPLETED' WHERE id = 'run-1'`)
	require.NoError(t, err)

	err = st.VerifyRun(ctx, "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diverged")
	assert.Contains(t, err.Error(), "state")
}
