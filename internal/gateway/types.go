package gateway

import (
	"context"
	"time"

	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/shield"
)

// Status is the provider-reported result of a call.
type Status string

const (
	StatusSuccess              Status = "SUCCESS"
	StatusVerificationRequired Status = "VERIFICATION_REQUIRED"
	StatusFailed               Status = "FAILED"
)

// StartRequest begins a cancellation automation session.
// RunID makes the request idempotent on the provider side.
type StartRequest struct {
	RunID         string      `json:"run_id"`
	UserID        string      `json:"user_id"`
	Service       string      `json:"service"`
	LoginURL      string      `json:"login_url"`
	CredentialRef string      `json:"credential_ref"`
	Backend       run.Backend `json:"backend"`
}

// StartResult reports session start. SessionID is provider-issued and
// opaque; it is present for VERIFICATION_REQUIRED as well so the code can
// be injected into the same session later.
type StartResult struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
	// FailureCode distinguishes terminal start failures the orchestrator
	// maps to reason codes: "INVALID_CREDENTIALS", "UNSUPPORTED_MERCHANT".
	// Empty for generic provider failures.
	FailureCode    string `json:"failure_code,omitempty"`
	ScreenshotPath string `json:"screenshot_path,omitempty"`
}

// InjectRequest delivers a verification code into a live session.
type InjectRequest struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

// InjectResult reports code injection.
type InjectResult struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ObserveRequest fetches a fresh page observation from a live session.
type ObserveRequest struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// AdvanceRequest drives the agent one step: proceed through a dialog or
// decline a retention offer, per the Shield's decision.
type AdvanceRequest struct {
	RunID     string        `json:"run_id"`
	SessionID string        `json:"session_id"`
	Action    shield.Action `json:"action"`
}

// ProofRequest captures evidence of the completed cancellation.
type ProofRequest struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// ProofResult references the captured evidence.
type ProofResult struct {
	ScreenshotURL string    `json:"screenshot_url"`
	VideoURL      string    `json:"video_url,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// CloseRequest tears down a live session. Best-effort on terminal states.
type CloseRequest struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// NotifyRequest sends a push notification to the user.
type NotifyRequest struct {
	RunID   string            `json:"run_id"`
	UserID  string            `json:"user_id"`
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Payload map[string]string `json:"payload,omitempty"`
}

// NotifyResult reports notification delivery.
type NotifyResult struct {
	Status   Status    `json:"status"`
	Delivery string    `json:"delivery,omitempty"`
	At       time.Time `json:"at"`
}

// BrowserProvider is the browser-automation collaborator. Implementations
// control an actual agent (hosted CDP or local); this repository ships
// only scripted implementations for conformance testing.
type BrowserProvider interface {
	Start(ctx context.Context, req StartRequest) (StartResult, error)
	InjectCode(ctx context.Context, req InjectRequest) (InjectResult, error)
	Observe(ctx context.Context, req ObserveRequest) (shield.PageObservation, error)
	Advance(ctx context.Context, req AdvanceRequest) error
	CaptureProof(ctx context.Context, req ProofRequest) (ProofResult, error)
	Close(ctx context.Context, req CloseRequest) error
}

// Notifier is the push-notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, req NotifyRequest) (NotifyResult, error)
}
