package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/subzero-app/subzero/internal/gateway"
	"github.com/subzero-app/subzero/internal/profile"
	"github.com/subzero-app/subzero/internal/registry"
	"github.com/subzero-app/subzero/internal/run"
	"github.com/subzero-app/subzero/internal/shield"
	"github.com/subzero-app/subzero/internal/store"
)

// shieldMarkersFor resolves the Shield markers for a service: profile
// phrases merged over the defaults, or the defaults alone without a
// library.
func shieldMarkersFor(lib *profile.Library, service string) shield.Markers {
	if lib == nil {
		return shield.DefaultMarkers()
	}
	return lib.MarkersFor(service)
}

// Settings are the engine's orchestration knobs.
type Settings struct {
	// VerificationDeadline is how long a run waits for an out-of-band
	// code before abandoning with TIMEOUT.
	VerificationDeadline time.Duration
	// RetentionCeiling bounds declined retention offers per run. A
	// merchant profile may override it upward for known offer chains.
	RetentionCeiling int
	// CodeAttempts bounds rejected verification codes per run.
	CodeAttempts int
	// MaxSteps is the per-run transition quota.
	MaxSteps int
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		VerificationDeadline: 5 * time.Minute,
		RetentionCeiling:     3,
		CodeAttempts:         3,
		MaxSteps:             DefaultMaxSteps,
	}
}

// WithDefaults fills zero fields from DefaultSettings.
func (s Settings) WithDefaults() Settings {
	def := DefaultSettings()
	if s.VerificationDeadline <= 0 {
		s.VerificationDeadline = def.VerificationDeadline
	}
	if s.RetentionCeiling <= 0 {
		s.RetentionCeiling = def.RetentionCeiling
	}
	if s.CodeAttempts <= 0 {
		s.CodeAttempts = def.CodeAttempts
	}
	if s.MaxSteps <= 0 {
		s.MaxSteps = def.MaxSteps
	}
	return s
}

// Engine accepts cancellation requests and coordinates their runs.
//
// Thread-safety model:
//   - Submit / Cancel / ResolveCode / Status: safe from any goroutine
//   - each run's state machine executes on its own goroutine
//   - the live-run map is the in-process side of the at-most-one-live-run
//     invariant; the store backs it across restarts
type Engine struct {
	store    *store.Store
	gw       *gateway.Gateway
	registry *registry.Registry
	profiles *profile.Library
	settings Settings
	runIDs   RunIDGenerator
	log      *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	byPair  map[string]*runner
	byID    map[string]*runner
	stopped bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings overrides the default orchestration settings.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s.WithDefaults() }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRunIDs overrides the run id generator. Tests use FixedGenerator
// for deterministic traces.
func WithRunIDs(gen RunIDGenerator) Option {
	return func(e *Engine) { e.runIDs = gen }
}

// WithClock overrides the wall-clock source. Used by tests to control
// verification deadlines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over the given collaborators. Profiles may be
// nil when no merchant library is loaded; requests then need explicit
// login URLs.
func New(s *store.Store, gw *gateway.Gateway, reg *registry.Registry, profiles *profile.Library, opts ...Option) *Engine {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      s,
		gw:         gw,
		registry:   reg,
		profiles:   profiles,
		settings:   DefaultSettings(),
		runIDs:     UUIDv7Generator{},
		log:        slog.Default(),
		now:        time.Now,
		byPair:     make(map[string]*runner),
		byID:       make(map[string]*runner),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit accepts a cancellation request, enforces the at-most-one-live-run
// invariant, and starts the run's goroutine. Returns the new run id.
//
// A duplicate (user, service) submission is rejected with a PAIR_BUSY
// RunError carrying the live run's id.
func (e *Engine) Submit(ctx context.Context, req run.CancellationRequest) (string, error) {
	req = e.applyProfile(req)
	if err := req.Validate(); err != nil {
		return "", &RunError{Code: ErrCodeInvalidRequest, Message: err.Error()}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return "", &RunError{Code: ErrCodeEngineStopped, Message: "engine is shutting down"}
	}

	pair := req.PairKey()
	if live, ok := e.byPair[pair]; ok {
		return "", NewPairBusyError(req.UserID, req.Service, live.run.ID)
	}

	// In-process map misses runs from a previous process lifetime that
	// were never recovered; the store is authoritative.
	liveID, err := e.store.FindLiveRunForPair(ctx, req.UserID, req.Service)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if liveID != "" {
		return "", NewPairBusyError(req.UserID, req.Service, liveID)
	}

	now := e.now()
	r := &run.Run{
		ID:        e.runIDs.Generate(),
		Request:   req,
		State:     run.StateInitiated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := e.store.CreateRun(ctx, *r); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	e.startRunner(r, NewClock())

	e.log.Info("run submitted",
		"run_id", r.ID,
		"user_id", req.UserID,
		"service", req.Service,
		"backend", req.Backend,
	)
	return r.ID, nil
}

// applyProfile fills request defaults from the merchant profile library.
func (e *Engine) applyProfile(req run.CancellationRequest) run.CancellationRequest {
	if e.profiles == nil {
		if req.Backend == "" {
			req.Backend = run.BackendHosted
		}
		return req
	}
	p, ok := e.profiles.Lookup(req.Service)
	if !ok {
		if req.Backend == "" {
			req.Backend = run.BackendHosted
		}
		return req
	}
	if req.LoginURL == "" {
		req.LoginURL = p.LoginURL
	}
	if req.Backend == "" {
		req.Backend = p.Backend
	}
	return req
}

// startRunner wires a runner for the run and launches its goroutine.
// Caller holds e.mu.
func (e *Engine) startRunner(r *run.Run, clock *Clock) {
	ctx, cancel := context.WithCancel(e.baseCtx)

	ceiling := e.settings.RetentionCeiling
	markers := shieldMarkersFor(e.profiles, r.Request.Service)
	if e.profiles != nil {
		if p, ok := e.profiles.Lookup(r.Request.Service); ok && p.RetentionCeiling > 0 {
			ceiling = p.RetentionCeiling
		}
	}

	rn := &runner{
		eng:     e,
		run:     r,
		clock:   clock,
		quota:   NewStepQuota(e.settings.MaxSteps),
		markers: markers,
		ceiling: ceiling,
		log:     e.log.With("run_id", r.ID),
		cancel:  cancel,
	}

	pair := r.Request.PairKey()
	e.byPair[pair] = rn
	e.byID[r.ID] = rn

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.release(pair, r.ID)
		rn.execute(ctx)
	}()
}

// release removes a finished runner from the live maps.
func (e *Engine) release(pair, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byPair, pair)
	delete(e.byID, runID)
}

// Cancel stops a run on the user's behalf. A live run terminates as
// ABANDONED with reason USER_CANCELLED; cancelling an already-terminal
// run is an idempotent no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	rn, live := e.byID[runID]
	e.mu.Unlock()

	if live {
		// Unblock a verification wait before interrupting the goroutine.
		// The run's session id belongs to the runner goroutine, so the
		// withdrawal is keyed by run id.
		e.registry.WithdrawRun(runID)
		rn.requestCancel()
		e.log.Info("run cancel requested", "run_id", runID)
		return nil
	}

	// No live goroutine: the run is terminal, or stranded from a crash.
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if r.Terminal() {
		return nil
	}

	return e.abandonStranded(ctx, r)
}

// abandonStranded terminates a non-terminal run that has no goroutine,
// appending the abandonment directly with a resumed clock.
func (e *Engine) abandonStranded(ctx context.Context, r run.Run) error {
	lastSeq, err := e.store.GetLastSeq(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("cancel stranded run: %w", err)
	}
	clock := NewClockAt(lastSeq)

	from := r.State
	r.State = run.StateAbandoned
	r.Outcome = run.OutcomeAbandoned
	r.Reason = run.ReasonUserCancelled
	r.UpdatedAt = e.now()

	ev, err := run.NewEvent(r.ID, clock.Next(), run.EventTransition, from, run.StateAbandoned,
		map[string]string{run.PayloadReason: string(run.ReasonUserCancelled)})
	if err != nil {
		return fmt.Errorf("cancel stranded run: %w", err)
	}
	if _, err := e.store.AppendEvent(ctx, ev, r); err != nil {
		return fmt.Errorf("cancel stranded run: %w", err)
	}

	e.log.Info("stranded run abandoned", "run_id", r.ID, "from", from)
	return nil
}

// ResolveCode delivers a user-supplied verification code to the run
// waiting on the session.
func (e *Engine) ResolveCode(sessionID, code string) error {
	return e.registry.Resolve(sessionID, code)
}

// Status returns the run's current snapshot.
func (e *Engine) Status(ctx context.Context, runID string) (run.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// Recover restarts every non-terminal run found in the store, resuming
// each run's logical clock at its last appended seq. Called once on
// startup, before Submit traffic. Returns the number of resumed runs.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	incomplete, err := e.store.FindIncompleteRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	resumed := 0
	for i := range incomplete {
		r := incomplete[i]
		if _, live := e.byID[r.ID]; live {
			continue
		}

		lastSeq, err := e.store.GetLastSeq(ctx, r.ID)
		if err != nil {
			return resumed, fmt.Errorf("recover run %s: %w", r.ID, err)
		}

		e.log.Info("recovering run",
			"run_id", r.ID,
			"state", r.State,
			"last_seq", lastSeq,
		)
		e.startRunner(&r, NewClockAt(lastSeq))
		resumed++
	}
	return resumed, nil
}

// Shutdown stops accepting submissions, interrupts all runners, and
// waits for them to park. Interrupted runs stay non-terminal on disk
// and resume via Recover on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.baseCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// LiveCount returns the number of runs with an active goroutine.
// Used for monitoring and testing.
func (e *Engine) LiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.byID)
}
