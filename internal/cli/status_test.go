package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand_Text(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	stdout, _, err := executeCommand("status", "--db", path, "run-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Run: run-1")
	assert.Contains(t, stdout, "User: user-1")
	assert.Contains(t, stdout, "Service: netflix")
	assert.Contains(t, stdout, "State: COMPLETED")
	assert.Contains(t, stdout, "Outcome: COMPLETED")
	assert.Contains(t, stdout, "Session: netflix_user-1_a")
	assert.Contains(t, stdout, "CANCELLED_CONFIRMATION -> CONFIRMED_CANCELLED")
	assert.Contains(t, stdout, "Proof: https://proofs.example/run-1.png")
	assert.NotContains(t, stdout, "Event log", "event log only prints with --verbose")
}

func TestStatusCommand_VerbosePrintsEventLog(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	stdout, _, err := executeCommand("status", "--db", path, "run-1", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Event log (4):")
	assert.Contains(t, stdout, "transition INITIATED -> SESSION_STARTING")
}

func TestStatusCommand_JSON(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	stdout, _, err := executeCommand("status", "--db", path, "run-1", "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	runData, ok := data["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "run-1", runData["id"])
	assert.Equal(t, "COMPLETED", runData["state"])
	assert.NotNil(t, data["proof"])
}

func TestStatusCommand_RunNotFound(t *testing.T) {
	path := seedCompletedRun(t, "run-1")

	_, _, err := executeCommand("status", "--db", path, "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "no run missing")
}

func TestStatusCommand_MissingDatabaseFlag(t *testing.T) {
	_, _, err := executeCommand("status", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
}

func TestStatusCommand_BadDatabasePath(t *testing.T) {
	_, _, err := executeCommand("status", "--db", filepath.Join(t.TempDir(), "missing", "x.db"), "run-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
