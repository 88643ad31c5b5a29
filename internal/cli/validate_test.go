package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfileDir(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profiles.cue"), []byte(content), 0o644))
	return dir
}

const validProfiles = `
profile: netflix: {
	service:   "netflix"
	login_url: "https://www.netflix.com/login"
	markers: retention: ["stream more for less"]
}
profile: hulu: {
	service:   "hulu"
	login_url: "https://www.hulu.com/login"
}
`

func TestValidateCommand_Valid(t *testing.T) {
	dir := writeProfileDir(t, validProfiles)

	stdout, _, err := executeCommand("validate", dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ 2 profile(s) valid")
}

func TestValidateCommand_ValidJSON(t *testing.T) {
	dir := writeProfileDir(t, validProfiles)

	stdout, _, err := executeCommand("validate", dir, "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, data["valid"])
	assert.Len(t, data["services"], 2)
}

func TestValidateCommand_InvalidProfile(t *testing.T) {
	dir := writeProfileDir(t, `
profile: broken: {
	login_url: "https://broken.example/login"
}
`)

	stdout, _, err := executeCommand("validate", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "E_PROFILE")
	assert.Contains(t, stdout, "service is required")
}

func TestValidateCommand_MissingDirectory(t *testing.T) {
	_, _, err := executeCommand("validate", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestValidateCommand_VerboseListsServices(t *testing.T) {
	dir := writeProfileDir(t, validProfiles)

	_, stderr, err := executeCommand("validate", dir, "--verbose")
	require.NoError(t, err)
	assert.Contains(t, stderr, "Validated profile:")
}
