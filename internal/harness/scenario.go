package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/subzero-app/subzero/internal/gateway"
)

// Scenario defines a conformance test scenario: one run, scripted
// provider behavior, and assertions on the terminal state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// RunID is the fixed run id for deterministic golden comparison.
	RunID string `yaml:"run_id"`

	// Request is the cancellation request to submit.
	Request RequestSpec `yaml:"request"`

	// Settings tunes the engine for this scenario. Zero fields take the
	// engine defaults.
	Settings SettingsSpec `yaml:"settings,omitempty"`

	// Script drives the scripted provider.
	Script Script `yaml:"script"`

	// Codes are the verification codes the user submits, one per
	// verification notification, in order.
	Codes []string `yaml:"codes,omitempty"`

	// ExpireVerification lets a pending challenge time out instead of
	// delivering a code.
	ExpireVerification bool `yaml:"expire_verification,omitempty"`

	// Assertions validate the terminal run.
	Assertions Assertions `yaml:"assertions"`
}

// RequestSpec mirrors the cancellation request in YAML form.
type RequestSpec struct {
	UserID        string `yaml:"user_id"`
	Service       string `yaml:"service"`
	LoginURL      string `yaml:"login_url"`
	CredentialRef string `yaml:"credential_ref"`
	Backend       string `yaml:"backend,omitempty"`
	MonthlyCents  int64  `yaml:"monthly_cents,omitempty"`
	AnnualCents   int64  `yaml:"annual_cents,omitempty"`
}

// SettingsSpec tunes the engine per scenario.
type SettingsSpec struct {
	VerificationDeadline time.Duration `yaml:"verification_deadline,omitempty"`
	RetentionCeiling     int           `yaml:"retention_ceiling,omitempty"`
	CodeAttempts         int           `yaml:"code_attempts,omitempty"`
	MaxSteps             int           `yaml:"max_steps,omitempty"`
}

// Script drives the scripted browser provider.
type Script struct {
	// Start is the session start result.
	Start StartSpec `yaml:"start"`

	// Observations are consumed in order by Observe calls. When the
	// list is exhausted the last observation repeats, so scenarios only
	// script the pages that change.
	Observations []ObservationSpec `yaml:"observations,omitempty"`

	// Injects are consumed in order by InjectCode calls. Exhausted
	// injects default to SUCCESS.
	Injects []InjectSpec `yaml:"injects,omitempty"`

	// Proof configures proof capture.
	Proof ProofSpec `yaml:"proof,omitempty"`
}

// StartSpec is the scripted session start result.
type StartSpec struct {
	// Status is SUCCESS, VERIFICATION_REQUIRED, or FAILED.
	Status string `yaml:"status"`

	// SessionID is the provider-issued session id.
	SessionID string `yaml:"session_id,omitempty"`

	// FailureCode maps a FAILED start to a reason code.
	FailureCode string `yaml:"failure_code,omitempty"`

	// Message is free-form provider detail.
	Message string `yaml:"message,omitempty"`
}

// ObservationSpec is one scripted page observation.
type ObservationSpec struct {
	URL              string `yaml:"url,omitempty"`
	Title            string `yaml:"title,omitempty"`
	Text             string `yaml:"text"`
	ChallengeVisible bool   `yaml:"challenge_visible,omitempty"`
}

// InjectSpec is one scripted code-injection result.
type InjectSpec struct {
	// Status is SUCCESS (code accepted), VERIFICATION_REQUIRED (code
	// rejected, session wants another), or FAILED.
	Status  string `yaml:"status"`
	Message string `yaml:"message,omitempty"`
}

// ProofSpec configures scripted proof capture.
type ProofSpec struct {
	// Fail makes proof capture return a permanent error.
	Fail          bool   `yaml:"fail,omitempty"`
	ScreenshotURL string `yaml:"screenshot_url,omitempty"`
	VideoURL      string `yaml:"video_url,omitempty"`
}

// Assertions validate the terminal run and its audit trail.
type Assertions struct {
	// Outcome is the expected terminal outcome.
	Outcome string `yaml:"outcome"`

	// Reason is the expected reason code. Empty asserts no reason.
	Reason string `yaml:"reason,omitempty"`

	// LoopCount is the expected retention-loop counter.
	LoopCount int `yaml:"loop_count,omitempty"`

	// States is the expected ordered sequence of transition targets.
	States []string `yaml:"states,omitempty"`

	// ShieldTrace is the expected ordered Shield audit trail.
	ShieldTrace []ShieldTraceSpec `yaml:"shield_trace,omitempty"`

	// Proof asserts on the proof artifact. Nil skips the check.
	Proof *ProofAssertion `yaml:"proof,omitempty"`

	// ProofCalls is the expected number of CaptureProof calls. Nil
	// skips the check; Scenario-style timeout flows assert zero.
	ProofCalls *int `yaml:"proof_calls,omitempty"`

	// Notified asserts that an outcome notification was dispatched.
	Notified bool `yaml:"notified,omitempty"`
}

// ShieldTraceSpec is one expected Shield decision.
type ShieldTraceSpec struct {
	Classification string `yaml:"classification"`
	Action         string `yaml:"action"`
	LoopCount      int    `yaml:"loop_count,omitempty"`
}

// ProofAssertion validates the proof artifact.
type ProofAssertion struct {
	Missing       bool   `yaml:"missing,omitempty"`
	ScreenshotURL string `yaml:"screenshot_url,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.RunID == "" {
		return fmt.Errorf("run_id is required")
	}

	if s.Request.UserID == "" {
		return fmt.Errorf("request.user_id is required")
	}
	if s.Request.Service == "" {
		return fmt.Errorf("request.service is required")
	}
	if s.Request.LoginURL == "" {
		return fmt.Errorf("request.login_url is required")
	}
	if s.Request.CredentialRef == "" {
		return fmt.Errorf("request.credential_ref is required")
	}

	switch gateway.Status(s.Script.Start.Status) {
	case gateway.StatusSuccess, gateway.StatusVerificationRequired:
		if s.Script.Start.SessionID == "" {
			return fmt.Errorf("script.start.session_id is required for %s", s.Script.Start.Status)
		}
	case gateway.StatusFailed:
	default:
		return fmt.Errorf("script.start.status must be SUCCESS, VERIFICATION_REQUIRED, or FAILED, got %q", s.Script.Start.Status)
	}

	for i, inj := range s.Script.Injects {
		switch gateway.Status(inj.Status) {
		case gateway.StatusSuccess, gateway.StatusVerificationRequired, gateway.StatusFailed:
		default:
			return fmt.Errorf("script.injects[%d]: unknown status %q", i, inj.Status)
		}
	}

	if len(s.Codes) > 0 && s.ExpireVerification {
		return fmt.Errorf("codes and expire_verification are mutually exclusive")
	}

	if s.Assertions.Outcome == "" {
		return fmt.Errorf("assertions.outcome is required")
	}

	return nil
}
