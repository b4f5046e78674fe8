package llm

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

var breakerLog = log.New(log.Writer(), "[BREAKER] ", log.LstdFlags)

// ErrCircuitOpen is returned while the breaker refuses calls. Callers that
// fail closed (the guardian) turn this into an immediate denial instead of
// waiting out a dead endpoint.
var ErrCircuitOpen = errors.New("model endpoint circuit open")

// Breaker states.
const (
	breakerClosed = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig tunes the failure handling. Zero values fall back to
// defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening (default 3)
	CooldownPeriod   time.Duration // open duration before a probe (default 30s)
}

// Breaker wraps a Client with a circuit breaker: after a run of failures
// the endpoint is considered down and calls fail fast until a cooldown
// probe succeeds.
type Breaker struct {
	inner Client
	cfg   BreakerConfig

	mu       sync.Mutex
	state    int
	failures int
	openedAt time.Time
}

// NewBreaker wraps a client.
func NewBreaker(inner Client, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 30 * time.Second
	}
	return &Breaker{inner: inner, cfg: cfg}
}

func (b *Breaker) Model() string { return b.inner.Model() }

// Chat forwards to the wrapped client unless the circuit is open.
func (b *Breaker) Chat(ctx context.Context, req Request) (*Response, error) {
	b.mu.Lock()
	switch b.state {
	case breakerOpen:
		if time.Since(b.openedAt) < b.cfg.CooldownPeriod {
			b.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		// Cooldown elapsed; let one probe through.
		b.state = breakerHalfOpen
	case breakerHalfOpen:
		// A probe is already in flight conceptually; additional calls wait
		// for its outcome by failing fast.
		b.mu.Unlock()
		return nil, ErrCircuitOpen
	}
	b.mu.Unlock()

	resp, err := b.inner.Chat(ctx, req)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		if b.state == breakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
			if b.state != breakerOpen {
				breakerLog.Printf("%s: opening after %d failures: %v", b.inner.Model(), b.failures, err)
			}
			b.state = breakerOpen
			b.openedAt = time.Now()
		}
		return nil, err
	}
	if b.state != breakerClosed {
		breakerLog.Printf("%s: recovered, closing circuit", b.inner.Model())
	}
	b.state = breakerClosed
	b.failures = 0
	return resp, nil
}

// State reports the breaker state for diagnostics: "closed", "open" or
// "half_open".
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half_open"
	}
	return "closed"
}
