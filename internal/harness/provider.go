package harness

import (
	"context"
	"sync"
	"time"

	"github.com/subzero-app/subzero/internal/gateway"
	"github.com/subzero-app/subzero/internal/shield"
)

// capturedAt is the fixed proof timestamp for deterministic traces.
var capturedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// ScriptedProvider implements gateway.BrowserProvider from a Script.
// Observations and inject results are consumed in order; calls are
// counted for assertions.
type ScriptedProvider struct {
	mu     sync.Mutex
	script Script

	obsIdx    int
	injectIdx int

	StartCalls   int
	ObserveCalls int
	InjectCalls  int
	AdvanceCalls int
	ProofCalls   int
	CloseCalls   int

	// Advanced records the actions passed to Advance, in order.
	Advanced []shield.Action
}

// NewScriptedProvider creates a provider driven by the script.
func NewScriptedProvider(script Script) *ScriptedProvider {
	return &ScriptedProvider{script: script}
}

// Start returns the scripted session start result.
func (p *ScriptedProvider) Start(_ context.Context, _ gateway.StartRequest) (gateway.StartResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls++

	return gateway.StartResult{
		Status:      gateway.Status(p.script.Start.Status),
		SessionID:   p.script.Start.SessionID,
		FailureCode: p.script.Start.FailureCode,
		Message:     p.script.Start.Message,
	}, nil
}

// InjectCode returns the next scripted inject result; exhausted scripts
// default to SUCCESS.
func (p *ScriptedProvider) InjectCode(_ context.Context, req gateway.InjectRequest) (gateway.InjectResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.InjectCalls++

	if p.injectIdx >= len(p.script.Injects) {
		return gateway.InjectResult{Status: gateway.StatusSuccess, SessionID: req.SessionID}, nil
	}
	spec := p.script.Injects[p.injectIdx]
	p.injectIdx++

	return gateway.InjectResult{
		Status:    gateway.Status(spec.Status),
		SessionID: req.SessionID,
		Message:   spec.Message,
	}, nil
}

// Observe returns the next scripted observation. When the script is
// exhausted the last observation repeats, so scenarios only list the
// pages that change.
func (p *ScriptedProvider) Observe(_ context.Context, _ gateway.ObserveRequest) (shield.PageObservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ObserveCalls++

	if len(p.script.Observations) == 0 {
		return shield.PageObservation{}, gateway.PermanentError("observe", "script has no observations", nil)
	}

	idx := p.obsIdx
	if idx >= len(p.script.Observations) {
		idx = len(p.script.Observations) - 1
	} else {
		p.obsIdx++
	}

	spec := p.script.Observations[idx]
	return shield.PageObservation{
		URL:              spec.URL,
		Title:            spec.Title,
		Text:             spec.Text,
		ChallengeVisible: spec.ChallengeVisible,
	}, nil
}

// Advance records the action and succeeds.
func (p *ScriptedProvider) Advance(_ context.Context, req gateway.AdvanceRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.AdvanceCalls++
	p.Advanced = append(p.Advanced, req.Action)
	return nil
}

// CaptureProof returns the scripted proof result, or a permanent error
// when the script marks capture as failing.
func (p *ScriptedProvider) CaptureProof(_ context.Context, _ gateway.ProofRequest) (gateway.ProofResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ProofCalls++

	if p.script.Proof.Fail {
		return gateway.ProofResult{}, gateway.PermanentError("proof", "capture unavailable", nil)
	}
	return gateway.ProofResult{
		ScreenshotURL: p.script.Proof.ScreenshotURL,
		VideoURL:      p.script.Proof.VideoURL,
		CapturedAt:    capturedAt,
	}, nil
}

// Close records the teardown and succeeds.
func (p *ScriptedProvider) Close(_ context.Context, _ gateway.CloseRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	return nil
}

// Notification is one recorded push notification.
type Notification struct {
	RunID   string
	UserID  string
	Title   string
	Body    string
	Payload map[string]string
}

// RecordingNotifier implements gateway.Notifier, recording every
// notification and signaling the harness as they arrive.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []Notification

	// Signals receives every notification as it is recorded. Buffered
	// so the engine never blocks on a slow test.
	Signals chan Notification
}

// NewRecordingNotifier creates an empty notifier.
func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{
		Signals: make(chan Notification, 16),
	}
}

// Notify records the notification and succeeds.
func (n *RecordingNotifier) Notify(_ context.Context, req gateway.NotifyRequest) (gateway.NotifyResult, error) {
	note := Notification{
		RunID:   req.RunID,
		UserID:  req.UserID,
		Title:   req.Title,
		Body:    req.Body,
		Payload: req.Payload,
	}

	n.mu.Lock()
	n.sent = append(n.sent, note)
	n.mu.Unlock()

	select {
	case n.Signals <- note:
	default:
	}

	return gateway.NotifyResult{Status: gateway.StatusSuccess, At: capturedAt}, nil
}

// Sent returns a copy of all recorded notifications.
func (n *RecordingNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.sent))
	copy(out, n.sent)
	return out
}
