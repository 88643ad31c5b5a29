package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subzero-app/subzero/internal/shield"
)

// flakyProvider fails Start a configured number of times before
// succeeding. Other calls succeed immediately.
type flakyProvider struct {
	startFailures int
	startErr      error
	startCalls    int
}

func (p *flakyProvider) Start(_ context.Context, _ StartRequest) (StartResult, error) {
	p.startCalls++
	if p.startCalls <= p.startFailures {
		return StartResult{}, p.startErr
	}
	return StartResult{Status: StatusSuccess, SessionID: "sess-1"}, nil
}

func (p *flakyProvider) InjectCode(_ context.Context, req InjectRequest) (InjectResult, error) {
	return InjectResult{Status: StatusSuccess, SessionID: req.SessionID}, nil
}

func (p *flakyProvider) Observe(_ context.Context, _ ObserveRequest) (shield.PageObservation, error) {
	return shield.PageObservation{Text: "ok"}, nil
}

func (p *flakyProvider) Advance(_ context.Context, _ AdvanceRequest) error { return nil }

func (p *flakyProvider) CaptureProof(_ context.Context, _ ProofRequest) (ProofResult, error) {
	return ProofResult{ScreenshotURL: "sim://proof.png"}, nil
}

func (p *flakyProvider) Close(_ context.Context, _ CloseRequest) error { return nil }

type nullNotifier struct{}

func (nullNotifier) Notify(_ context.Context, _ NotifyRequest) (NotifyResult, error) {
	return NotifyResult{Status: StatusSuccess}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sleepRecorder records backoff delays without sleeping.
type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestGateway(p BrowserProvider, sleeper *sleepRecorder) *Gateway {
	return New(p, nullNotifier{}, Policies{},
		WithLogger(quietLogger()),
		WithSleep(sleeper.sleep),
		WithRand(rand.New(rand.NewSource(1))),
	)
}

func TestGateway_RetriesTransient(t *testing.T) {
	p := &flakyProvider{startFailures: 2, startErr: TransientError("start", "connection reset", nil)}
	rec := &sleepRecorder{}
	g := newTestGateway(p, rec)

	res, err := g.StartAutomation(context.Background(), StartRequest{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 3, p.startCalls, "two failures then success")
	assert.Len(t, rec.delays, 2, "one backoff per retry")
}

func TestGateway_PermanentNotRetried(t *testing.T) {
	p := &flakyProvider{startFailures: 10, startErr: PermanentError("start", "invalid credentials", nil)}
	rec := &sleepRecorder{}
	g := newTestGateway(p, rec)

	_, err := g.StartAutomation(context.Background(), StartRequest{RunID: "run-1"})
	require.Error(t, err)
	assert.Equal(t, 1, p.startCalls, "permanent failures surface immediately")
	assert.Empty(t, rec.delays)

	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, Permanent, pe.Class)
}

func TestGateway_AttemptsExhausted(t *testing.T) {
	p := &flakyProvider{startFailures: 10, startErr: TransientError("start", "timeout talking to provider", nil)}
	rec := &sleepRecorder{}
	g := newTestGateway(p, rec)

	_, err := g.StartAutomation(context.Background(), StartRequest{RunID: "run-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, DefaultMaxAttempts, p.startCalls)
}

func TestGateway_UnclassifiedErrorIsTransient(t *testing.T) {
	p := &flakyProvider{startFailures: 1, startErr: errors.New("something broke")}
	rec := &sleepRecorder{}
	g := newTestGateway(p, rec)

	_, err := g.StartAutomation(context.Background(), StartRequest{RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, p.startCalls)
}

func TestGateway_ParentCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &flakyProvider{startFailures: 10, startErr: TransientError("start", "flaky", nil)}
	rec := &sleepRecorder{}
	g := newTestGateway(p, rec)

	_, err := g.StartAutomation(ctx, StartRequest{RunID: "run-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, p.startCalls, "no retries after parent cancellation")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Class
	}{
		{"transient provider error", TransientError("observe", "reset", nil), Transient},
		{"permanent provider error", PermanentError("start", "rejected", nil), Permanent},
		{"plain error", errors.New("unknown"), Transient},
		{"deadline", context.DeadlineExceeded, Permanent},
		{"canceled", context.Canceled, Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func TestPolicy_BackoffDoubles(t *testing.T) {
	p := Policy{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}

	// nil rng disables jitter
	assert.Equal(t, 1*time.Second, p.backoffFor(1, nil))
	assert.Equal(t, 2*time.Second, p.backoffFor(2, nil))
	assert.Equal(t, 4*time.Second, p.backoffFor(3, nil))
	assert.Equal(t, 8*time.Second, p.backoffFor(4, nil))
	assert.Equal(t, 10*time.Second, p.backoffFor(5, nil), "capped at max backoff")
	assert.Equal(t, 10*time.Second, p.backoffFor(20, nil))
}

func TestPolicy_BackoffJitterBounded(t *testing.T) {
	p := Policy{InitialBackoff: 4 * time.Second, MaxBackoff: time.Minute}
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 100; i++ {
		d := p.backoffFor(1, rng)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 5*time.Second, "jitter adds at most 25%")
	}
}

func TestPolicy_WithDefaults(t *testing.T) {
	p := Policy{}.WithDefaults()
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.Equal(t, DefaultInitialBackoff, p.InitialBackoff)
	assert.Equal(t, DefaultMaxBackoff, p.MaxBackoff)
	assert.Equal(t, DefaultTimeout, p.Timeout)

	custom := Policy{MaxAttempts: 5, Timeout: time.Minute}.WithDefaults()
	assert.Equal(t, 5, custom.MaxAttempts)
	assert.Equal(t, time.Minute, custom.Timeout)
	assert.Equal(t, DefaultInitialBackoff, custom.InitialBackoff)
}

func TestDefaultPolicies_CloseSingleAttempt(t *testing.T) {
	p := DefaultPolicies()
	assert.Equal(t, 1, p.Close.MaxAttempts, "session teardown is best-effort, never retried")
}
