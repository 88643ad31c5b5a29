package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/subzero-app/subzero/internal/shield"
)

// SimConfig shapes the simulated merchant flow.
type SimConfig struct {
	// RequireVerification makes every session demand an out-of-band code
	// before the cancellation flow proceeds.
	RequireVerification bool

	// RetentionOffers is how many retention offers the merchant serves
	// before showing the cancelled-confirmation page.
	RetentionOffers int

	// AcceptCode, when set, is the only verification code the merchant
	// accepts. Empty accepts any non-empty code.
	AcceptCode string
}

// SimProvider is an in-process merchant simulation. It backs serve's
// local mode so the full flow, verification codes included, can be
// exercised without a browser-automation backend.
type SimProvider struct {
	cfg SimConfig

	mu       sync.Mutex
	sessions map[string]*simSession
}

type simSession struct {
	userID     string
	service    string
	offersLeft int
}

// NewSimProvider creates a simulator with the given flow shape.
func NewSimProvider(cfg SimConfig) *SimProvider {
	if cfg.RetentionOffers < 0 {
		cfg.RetentionOffers = 0
	}
	return &SimProvider{cfg: cfg, sessions: make(map[string]*simSession)}
}

// Start opens a simulated session. Session ids follow the provider
// convention <service>_<user>_<uuid>.
func (p *SimProvider) Start(_ context.Context, req StartRequest) (StartResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sessionID := fmt.Sprintf("%s_%s_%s", req.Service, req.UserID, uuid.Must(uuid.NewV7()).String())
	p.sessions[sessionID] = &simSession{
		userID:     req.UserID,
		service:    req.Service,
		offersLeft: p.cfg.RetentionOffers,
	}

	status := StatusSuccess
	if p.cfg.RequireVerification {
		status = StatusVerificationRequired
	}
	return StartResult{Status: status, SessionID: sessionID}, nil
}

// InjectCode accepts the configured code, or any non-empty code when
// none is configured.
func (p *SimProvider) InjectCode(_ context.Context, req InjectRequest) (InjectResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sessions[req.SessionID]; !ok {
		return InjectResult{}, PermanentError("inject_code", fmt.Sprintf("unknown session %s", req.SessionID), nil)
	}
	if req.Code == "" || (p.cfg.AcceptCode != "" && req.Code != p.cfg.AcceptCode) {
		return InjectResult{Status: StatusVerificationRequired, SessionID: req.SessionID, Message: "code rejected"}, nil
	}
	return InjectResult{Status: StatusSuccess, SessionID: req.SessionID}, nil
}

// Observe serves a retention offer while any remain, then the
// cancelled-confirmation page.
func (p *SimProvider) Observe(_ context.Context, req ObserveRequest) (shield.PageObservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[req.SessionID]
	if !ok {
		return shield.PageObservation{}, PermanentError("observe", fmt.Sprintf("unknown session %s", req.SessionID), nil)
	}

	if sess.offersLeft > 0 {
		return shield.PageObservation{
			URL:   fmt.Sprintf("https://%s.example/cancel/offer", sess.service),
			Title: "Wait! A special offer",
			Text:  "Before you go, here is a special offer to stay with us at a discount.",
		}, nil
	}
	return shield.PageObservation{
		URL:   fmt.Sprintf("https://%s.example/cancel/done", sess.service),
		Title: "Cancellation complete",
		Text:  "Your subscription has been cancelled. Cancellation confirmed.",
	}, nil
}

// Advance consumes one retention offer on DECLINE_OFFER.
func (p *SimProvider) Advance(_ context.Context, req AdvanceRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[req.SessionID]
	if !ok {
		return PermanentError("advance", fmt.Sprintf("unknown session %s", req.SessionID), nil)
	}
	if req.Action == shield.DeclineOffer && sess.offersLeft > 0 {
		sess.offersLeft--
	}
	return nil
}

// CaptureProof returns a synthetic screenshot reference.
func (p *SimProvider) CaptureProof(_ context.Context, req ProofRequest) (ProofResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.sessions[req.SessionID]; !ok {
		return ProofResult{}, PermanentError("capture_proof", fmt.Sprintf("unknown session %s", req.SessionID), nil)
	}
	return ProofResult{
		ScreenshotURL: fmt.Sprintf("sim://proofs/%s.png", req.SessionID),
		CapturedAt:    time.Now().UTC(),
	}, nil
}

// Close tears down the session. Closing an unknown session is a no-op.
func (p *SimProvider) Close(_ context.Context, req CloseRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, req.SessionID)
	return nil
}
