package connection

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Default reconnect backoff. A lost PV is retried after roughly 1s, 2s,
// 4s ... capped at one minute.
const (
	InitialBackoff    = 1 * time.Second
	MaxBackoff        = 60 * time.Second
	BackoffMultiplier = 2.0

	// JitterFactor is the largest delay added, as a fraction of the base.
	JitterFactor = 0.25
)

// BackoffConfig sets the reconnect delay curve of a binding.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// withDefaults fills unset or out-of-range parameters.
func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = InitialBackoff
	}
	if c.Max <= 0 {
		c.Max = MaxBackoff
	}
	if c.Multiplier <= 1 {
		c.Multiplier = BackoffMultiplier
	}
	c.Jitter = max(c.Jitter, 0)
	return c
}

// base is the un-jittered delay before retry n (counting from 0).
func (c BackoffConfig) base(n int) time.Duration {
	d := float64(c.Initial) * math.Pow(c.Multiplier, float64(n))
	if d >= float64(c.Max) || math.IsInf(d, 1) {
		return c.Max
	}
	return time.Duration(d)
}

// Backoff hands out successive retry delays. It is safe for concurrent use.
type Backoff struct {
	cfg BackoffConfig

	mu       sync.Mutex
	attempts int
}

// NewBackoff returns a Backoff with the default curve.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{Jitter: JitterFactor})
}

// NewBackoffWithConfig returns a Backoff following cfg. Zero fields take the
// defaults; a zero Jitter means no jitter.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.withDefaults()}
}

// Next returns the delay before the next retry and counts the attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	n := b.attempts
	b.attempts++
	b.mu.Unlock()
	return b.jittered(b.cfg.base(n))
}

// Peek returns what Next would return without counting an attempt.
func (b *Backoff) Peek() time.Duration {
	return b.jittered(b.Current())
}

// Reset starts the curve over, after a successful connect.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

// Attempts returns the retries counted since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Current returns the base delay of the next retry.
func (b *Backoff) Current() time.Duration {
	return b.cfg.base(b.Attempts())
}

// Config returns the effective parameters.
func (b *Backoff) Config() BackoffConfig { return b.cfg }

func (b *Backoff) jittered(d time.Duration) time.Duration {
	if b.cfg.Jitter == 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.cfg.Jitter*rand.Float64())
}
