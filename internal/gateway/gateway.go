package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/subzero-app/subzero/internal/shield"
)

// Gateway wraps the external collaborators behind retry, backoff, and
// per-call timeouts. One Gateway serves all runs; it holds no per-run
// state and is safe for concurrent use.
type Gateway struct {
	browser  BrowserProvider
	notifier Notifier
	policies Policies
	log      *slog.Logger
	rng      *rand.Rand
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

// WithSleep overrides the backoff sleeper. Tests use this to avoid real
// delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

// WithRand overrides the jitter source for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(g *Gateway) { g.rng = rng }
}

// New creates a Gateway over the given providers.
func New(browser BrowserProvider, notifier Notifier, policies Policies, opts ...Option) *Gateway {
	g := &Gateway{
		browser:  browser,
		notifier: notifier,
		policies: policies.WithDefaults(),
		log:      slog.Default(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// StartAutomation begins the cancellation session for a run.
func (g *Gateway) StartAutomation(ctx context.Context, req StartRequest) (StartResult, error) {
	var res StartResult
	err := g.invoke(ctx, "start", g.policies.Start, func(callCtx context.Context) error {
		var callErr error
		res, callErr = g.browser.Start(callCtx, req)
		return callErr
	})
	return res, err
}

// InjectCode delivers a verification code into the run's session.
func (g *Gateway) InjectCode(ctx context.Context, req InjectRequest) (InjectResult, error) {
	var res InjectResult
	err := g.invoke(ctx, "inject", g.policies.Inject, func(callCtx context.Context) error {
		var callErr error
		res, callErr = g.browser.InjectCode(callCtx, req)
		return callErr
	})
	return res, err
}

// Observe fetches a fresh page observation. Callers must never reuse an
// observation across transitions.
func (g *Gateway) Observe(ctx context.Context, req ObserveRequest) (shield.PageObservation, error) {
	var obs shield.PageObservation
	err := g.invoke(ctx, "observe", g.policies.Observe, func(callCtx context.Context) error {
		var callErr error
		obs, callErr = g.browser.Observe(callCtx, req)
		return callErr
	})
	return obs, err
}

// Advance drives the agent one step per the Shield's decision.
func (g *Gateway) Advance(ctx context.Context, req AdvanceRequest) error {
	return g.invoke(ctx, "advance", g.policies.Advance, func(callCtx context.Context) error {
		return g.browser.Advance(callCtx, req)
	})
}

// CaptureProof captures evidence of the completed cancellation.
func (g *Gateway) CaptureProof(ctx context.Context, req ProofRequest) (ProofResult, error) {
	var res ProofResult
	err := g.invoke(ctx, "proof", g.policies.Proof, func(callCtx context.Context) error {
		var callErr error
		res, callErr = g.browser.CaptureProof(callCtx, req)
		return callErr
	})
	return res, err
}

// CloseSession tears down a session. Best-effort: callers on a terminal
// path log the error and move on.
func (g *Gateway) CloseSession(ctx context.Context, req CloseRequest) error {
	return g.invoke(ctx, "close", g.policies.Close, func(callCtx context.Context) error {
		return g.browser.Close(callCtx, req)
	})
}

// Notify sends a push notification to the user.
func (g *Gateway) Notify(ctx context.Context, req NotifyRequest) (NotifyResult, error) {
	var res NotifyResult
	err := g.invoke(ctx, "notify", g.policies.Notify, func(callCtx context.Context) error {
		var callErr error
		res, callErr = g.notifier.Notify(callCtx, req)
		return callErr
	})
	return res, err
}

// invoke runs fn under the policy: per-attempt timeout, transient retries
// with exponential backoff and jitter, permanent failures surfaced
// immediately. A timed-out attempt fails the invocation without further
// retries - the caller owns step-level retry.
func (g *Gateway) invoke(ctx context.Context, op string, p Policy, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		// Parent cancelled: stop immediately.
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}

		// Per-call timeout: treated as failed, not retried here.
		if errors.Is(err, context.DeadlineExceeded) {
			g.log.Warn("gateway call timed out",
				"op", op,
				"attempt", attempt,
				"timeout", p.Timeout,
			)
			return fmt.Errorf("%s: call timed out after %s: %w", op, p.Timeout, err)
		}

		if IsPermanent(err) {
			g.log.Warn("gateway call failed permanently",
				"op", op,
				"attempt", attempt,
				"error", err,
			)
			return fmt.Errorf("%s: %w", op, err)
		}

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.backoffFor(attempt, g.rng)
		g.log.Debug("gateway call retrying",
			"op", op,
			"attempt", attempt,
			"backoff", delay,
			"error", err,
		)
		if err := g.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	g.log.Warn("gateway call exhausted attempts",
		"op", op,
		"attempts", p.MaxAttempts,
		"error", lastErr,
	)
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrAttemptsExhausted, p.MaxAttempts, lastErr)
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
