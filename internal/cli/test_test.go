package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scenariosDir points at the harness conformance fixtures.
const scenariosDir = "../harness/testdata/scenarios"

func TestTestCommand_AllPass(t *testing.T) {
	stdout, _, err := executeCommand("test", scenariosDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ immediate-confirmation")
	assert.Contains(t, stdout, "✓ retention-loop-ceiling")
	assert.Contains(t, stdout, "✓ verification-then-retention")
	assert.Contains(t, stdout, "✓ verification-timeout")
	assert.Contains(t, stdout, "✓ All scenarios passed")
}

func TestTestCommand_Filter(t *testing.T) {
	stdout, _, err := executeCommand("test", scenariosDir, "--filter", "verification-*")
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ verification-timeout")
	assert.NotContains(t, stdout, "immediate-confirmation")
	assert.Contains(t, stdout, "2 passed, 0 failed, 2 total")
}

func TestTestCommand_JSON(t *testing.T) {
	stdout, _, err := executeCommand("test", scenariosDir, "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(4), data["total"])
	assert.Equal(t, float64(4), data["passed"])
	assert.Equal(t, float64(0), data["failed"])
}

func TestTestCommand_FailingScenario(t *testing.T) {
	dir := t.TempDir()
	failing := `
name: wrong-outcome
description: asserts the wrong outcome on purpose
run_id: run-x
request:
  user_id: user-1
  service: netflix
  login_url: https://www.netflix.com/login
  credential_ref: cred-1
script:
  start:
    status: SUCCESS
    session_id: sess-1
  observations:
    - text: Your subscription has been cancelled.
assertions:
  outcome: FAILED
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong-outcome.yaml"), []byte(failing), 0o644))

	stdout, _, err := executeCommand("test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "✗ wrong-outcome")
	assert.Contains(t, stdout, "outcome: got \"COMPLETED\", want \"FAILED\"")
	assert.Contains(t, stdout, "1 failed")
}

func TestTestCommand_MissingDirectory(t *testing.T) {
	_, _, err := executeCommand("test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_EmptyDirectory(t *testing.T) {
	stdout, _, err := executeCommand("test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, stdout, "No scenarios found.")
}

func TestFindScenarioFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.yaml", "b.yml", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Len(t, files, 2, "only YAML files are scenarios")

	files, err = findScenarioFiles(dir, "a")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.yaml", filepath.Base(files[0]))
}
