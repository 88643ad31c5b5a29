// Package registry implements the Verification Registry: the single shared,
// lock-protected structure in the system. It maps an opaque session id to
// the orchestration run waiting on an out-of-band verification code, and
// guarantees that each challenge resolves exactly once - with a code or by
// expiry, never both.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrChallengePending is returned by Register when the session already
	// has an unresolved challenge.
	ErrChallengePending = errors.New("challenge already pending for session")
	// ErrNoChallenge is returned by Resolve when no pending challenge
	// exists for the session - including when it was already resolved or
	// already expired (write-once).
	ErrNoChallenge = errors.New("no pending challenge for session")
)

// Resolution is delivered to the waiting run exactly once per challenge.
type Resolution struct {
	// Code is the delivered verification code. Empty when Expired.
	Code string
	// Expired is set when the challenge passed its deadline undelivered.
	Expired bool
}

// Challenge is a pending out-of-band code requirement.
type Challenge struct {
	SessionID string
	RunID     string
	CreatedAt time.Time
	Deadline  time.Time
}

// challenge is the registry's internal pending entry. The waiter channel
// is buffered so the single send never blocks the registry lock.
type challenge struct {
	Challenge
	waiter chan Resolution
}

// Registry routes verification codes to waiting runs and expires stale
// challenges. All operations are atomic under one mutex: exactly one of
// {resolve, expire} wins any race for a given challenge.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*challenge // session id -> pending challenge
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source. Used by tests to control expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		pending: make(map[string]*challenge),
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a pending challenge for the session and returns the
// channel the waiting run blocks on. Fails with ErrChallengePending if a
// challenge is already pending for that session.
func (r *Registry) Register(sessionID, runID string, deadline time.Time) (<-chan Resolution, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[sessionID]; exists {
		return nil, fmt.Errorf("register session %s: %w", sessionID, ErrChallengePending)
	}

	ch := &challenge{
		Challenge: Challenge{
			SessionID: sessionID,
			RunID:     runID,
			CreatedAt: r.now(),
			Deadline:  deadline,
		},
		waiter: make(chan Resolution, 1),
	}
	r.pending[sessionID] = ch

	r.log.Debug("challenge registered",
		"session_id", sessionID,
		"run_id", runID,
		"deadline", deadline,
	)
	return ch.waiter, nil
}

// Resolve delivers a verification code to the run waiting on the session.
// The challenge is consumed: a second Resolve for the same session fails
// with ErrNoChallenge and has no side effect.
func (r *Registry) Resolve(sessionID, code string) error {
	if code == "" {
		return fmt.Errorf("resolve session %s: code is required", sessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, exists := r.pending[sessionID]
	if !exists {
		return fmt.Errorf("resolve session %s: %w", sessionID, ErrNoChallenge)
	}

	// Consume before delivering: once removed, neither a concurrent
	// Resolve nor a Sweep can touch this challenge again.
	delete(r.pending, sessionID)
	ch.waiter <- Resolution{Code: code}

	r.log.Info("challenge resolved",
		"session_id", sessionID,
		"run_id", ch.RunID,
	)
	return nil
}

// Withdraw removes a pending challenge without delivering a resolution.
// Used when the waiting run is cancelled externally. Withdrawing an
// unknown session is a no-op.
func (r *Registry) Withdraw(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, sessionID)
}

// WithdrawRun removes every pending challenge belonging to a run. Used
// on user cancellation, where the caller knows the run but not which
// session the run is blocked on.
func (r *Registry) WithdrawRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, ch := range r.pending {
		if ch.RunID == runID {
			delete(r.pending, sessionID)
		}
	}
}

// Sweep expires every challenge whose deadline is at or before now,
// delivering an expired Resolution to each waiting run. Returns the
// expired challenges for logging and diagnostics.
func (r *Registry) Sweep(now time.Time) []Challenge {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []Challenge
	for sessionID, ch := range r.pending {
		if ch.Deadline.After(now) {
			continue
		}
		delete(r.pending, sessionID)
		ch.waiter <- Resolution{Expired: true}
		expired = append(expired, ch.Challenge)

		r.log.Info("challenge expired",
			"session_id", sessionID,
			"run_id", ch.RunID,
			"deadline", ch.Deadline,
		)
	}
	return expired
}

// RunSweeper periodically sweeps expired challenges until the context is
// cancelled. Intended to run in its own goroutine.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// PendingCount returns the number of unresolved challenges.
// Used for monitoring and testing.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Pending returns the pending challenge for a session, if any.
func (r *Registry) Pending(sessionID string) (Challenge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.pending[sessionID]
	if !ok {
		return Challenge{}, false
	}
	return ch.Challenge, true
}
