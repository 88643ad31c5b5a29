// Package config loads the orchestrator's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/subzero-app/subzero/internal/gateway"
)

// Config is the full orchestrator configuration.
type Config struct {
	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`

	// ProfilesDir is the merchant profile CUE directory. Empty disables
	// the profile library; requests then need explicit login URLs.
	ProfilesDir string `yaml:"profiles_dir,omitempty"`

	// Engine holds the orchestration knobs.
	Engine EngineConfig `yaml:"engine,omitempty"`

	// Gateway holds the per-operation retry policies.
	Gateway gateway.Policies `yaml:"gateway,omitempty"`
}

// EngineConfig configures the run state machine.
type EngineConfig struct {
	// VerificationDeadline is how long a run waits for a code before
	// abandoning with TIMEOUT.
	VerificationDeadline time.Duration `yaml:"verification_deadline,omitempty"`

	// RetentionCeiling bounds declined retention offers per run.
	RetentionCeiling int `yaml:"retention_ceiling,omitempty"`

	// CodeAttempts bounds rejected verification codes per run.
	CodeAttempts int `yaml:"code_attempts,omitempty"`

	// MaxSteps is the per-run transition quota.
	MaxSteps int `yaml:"max_steps,omitempty"`

	// SweepInterval is how often the registry expires stale challenges.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DBPath: "subzero.db",
		Engine: EngineConfig{
			VerificationDeadline: 5 * time.Minute,
			RetentionCeiling:     3,
			CodeAttempts:         3,
			MaxSteps:             50,
			SweepInterval:        10 * time.Second,
		},
		Gateway: gateway.DefaultPolicies(),
	}
}

// Load reads and parses a YAML config file, filling omitted fields with
// defaults. Unknown fields are rejected (catches typos).
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes with strict field validation.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for usable values.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.Engine.VerificationDeadline < 0 {
		return fmt.Errorf("engine.verification_deadline must be non-negative")
	}
	if c.Engine.RetentionCeiling < 0 {
		return fmt.Errorf("engine.retention_ceiling must be non-negative")
	}
	if c.Engine.CodeAttempts < 0 {
		return fmt.Errorf("engine.code_attempts must be non-negative")
	}
	if c.Engine.MaxSteps < 0 {
		return fmt.Errorf("engine.max_steps must be non-negative")
	}
	if c.Engine.SweepInterval < 0 {
		return fmt.Errorf("engine.sweep_interval must be non-negative")
	}
	return nil
}
