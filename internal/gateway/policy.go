package gateway

import (
	"math/rand"
	"time"
)

// Policy is a declarative retry/timeout policy for one gateway call.
// Zero fields take the defaults below.
type Policy struct {
	// MaxAttempts caps total attempts (first try included).
	MaxAttempts int `yaml:"max_attempts"`
	// InitialBackoff is the delay before the second attempt; it doubles
	// per attempt up to MaxBackoff, with jitter.
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	// MaxBackoff caps the backoff curve.
	MaxBackoff time.Duration `yaml:"max_backoff"`
	// Timeout bounds one attempt. A timed-out attempt fails the whole
	// invocation: the engine, not the gateway, decides whether the step
	// as a whole is retried.
	Timeout time.Duration `yaml:"timeout"`
}

// Default retry policy: 3 attempts, 1s initial backoff, 5m backoff
// ceiling.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 5 * time.Minute
	DefaultTimeout        = 30 * time.Second
)

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// backoffFor computes the delay before attempt n (n starts at 1 for the
// first retry): initial * 2^(n-1), capped, plus up to 25% jitter.
func (p Policy) backoffFor(attempt int, rng *rand.Rand) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			d = p.MaxBackoff
			break
		}
	}
	if rng != nil && d > 0 {
		jitter := time.Duration(rng.Int63n(int64(d)/4 + 1))
		d += jitter
	}
	return d
}

// Policies groups the per-call policies. Per-call timeouts reflect how
// long each provider operation is allowed to run: session start is the
// slow one (login plus navigation), code injection waits on the page,
// everything else is quick.
type Policies struct {
	Start   Policy `yaml:"start"`
	Inject  Policy `yaml:"inject"`
	Observe Policy `yaml:"observe"`
	Advance Policy `yaml:"advance"`
	Proof   Policy `yaml:"proof"`
	Notify  Policy `yaml:"notify"`
	Close   Policy `yaml:"close"`
}

// DefaultPolicies returns the production defaults.
func DefaultPolicies() Policies {
	return Policies{
		Start:   Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Minute, Timeout: 5 * time.Minute},
		Inject:  Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 5 * time.Minute, Timeout: 3 * time.Minute},
		Observe: Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 30 * time.Second},
		Advance: Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute, Timeout: time.Minute},
		Proof:   Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 30 * time.Second},
		Notify:  Policy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: time.Minute, Timeout: 30 * time.Second},
		Close:   Policy{MaxAttempts: 1, Timeout: 30 * time.Second},
	}
}

// WithDefaults fills zero fields on every per-call policy.
func (p Policies) WithDefaults() Policies {
	p.Start = p.Start.WithDefaults()
	p.Inject = p.Inject.WithDefaults()
	p.Observe = p.Observe.WithDefaults()
	p.Advance = p.Advance.WithDefaults()
	p.Proof = p.Proof.WithDefaults()
	p.Notify = p.Notify.WithDefaults()
	p.Close = p.Close.WithDefaults()
	return p
}
