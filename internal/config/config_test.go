package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "subzero.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.Engine.VerificationDeadline)
	assert.Equal(t, 3, cfg.Engine.RetentionCeiling)
	assert.Equal(t, 3, cfg.Engine.CodeAttempts)
	assert.Equal(t, 50, cfg.Engine.MaxSteps)
	assert.Equal(t, 10*time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 1, cfg.Gateway.Close.MaxAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(`
db_path: /var/lib/subzero/runs.db
profiles_dir: /etc/subzero/profiles
engine:
  verification_deadline: 2m
  retention_ceiling: 5
  code_attempts: 2
  max_steps: 100
  sweep_interval: 1s
gateway:
  start:
    max_attempts: 4
    initial_backoff: 500ms
    max_backoff: 5s
    timeout: 20s
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/subzero/runs.db", cfg.DBPath)
	assert.Equal(t, "/etc/subzero/profiles", cfg.ProfilesDir)
	assert.Equal(t, 2*time.Minute, cfg.Engine.VerificationDeadline)
	assert.Equal(t, 5, cfg.Engine.RetentionCeiling)
	assert.Equal(t, 2, cfg.Engine.CodeAttempts)
	assert.Equal(t, 100, cfg.Engine.MaxSteps)
	assert.Equal(t, time.Second, cfg.Engine.SweepInterval)
	assert.Equal(t, 4, cfg.Gateway.Start.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Gateway.Start.InitialBackoff)
}

func TestParse_PartialKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
db_path: custom.db
engine:
  retention_ceiling: 1
`))
	require.NoError(t, err)

	assert.Equal(t, "custom.db", cfg.DBPath)
	assert.Equal(t, 1, cfg.Engine.RetentionCeiling)
	assert.Equal(t, 5*time.Minute, cfg.Engine.VerificationDeadline, "omitted fields keep defaults")
	assert.Equal(t, 50, cfg.Engine.MaxSteps)
}

func TestParse_UnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte(`
db_path: custom.db
retention_celing: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParse_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty db_path", "db_path: \"\"", "db_path is required"},
		{"negative ceiling", "engine:\n  retention_ceiling: -1", "retention_ceiling"},
		{"negative deadline", "engine:\n  verification_deadline: -1s", "verification_deadline"},
		{"negative code attempts", "engine:\n  code_attempts: -1", "code_attempts"},
		{"negative max steps", "engine:\n  max_steps: -5", "max_steps"},
		{"negative sweep interval", "engine:\n  sweep_interval: -1s", "sweep_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("db_path: [unclosed"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_path: from-file.db\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file.db", cfg.DBPath)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}
