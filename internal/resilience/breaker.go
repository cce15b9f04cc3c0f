// Package resilience keeps a voice session answering when a provider
// backend misbehaves. Each backend sits behind a [Breaker]; a [Group] walks
// a primary and its fallbacks in order and skips backends whose breaker has
// tripped. [LLM], [STT] and [TTS] adapt a group to the provider interfaces.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker refuses calls.
var ErrOpen = errors.New("resilience: breaker open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen refuses calls until the cooldown has passed.
	StateOpen

	// StateHalfOpen lets one probe call through at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values select the defaults.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long an open breaker refuses calls. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of consecutive successful probes that close a
	// half-open breaker. Default: 1.
	Probes int

	// IsNeutral marks errors that say nothing about backend health. They
	// reach the caller but neither trip nor heal the breaker. Cancellation
	// of the caller's context is always neutral.
	IsNeutral func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	passed   int
}

// NewBreaker returns a closed breaker labelled name.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the label the breaker was created with.
func (b *Breaker) Name() string { return b.name }

// Do runs fn unless the breaker is open, and accounts for its result.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}
	err = fn()
	b.release(probe, err)
	return err
}

// State reports the current state. An open breaker whose cooldown has passed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cooledDown() {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setState(StateClosed)
	b.probing = false
	b.mu.Unlock()
	b.fire(t)
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	var t transition
	if b.state == StateOpen {
		if !b.cooledDown() {
			b.mu.Unlock()
			return false, ErrOpen
		}
		t = b.setState(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probing {
			b.mu.Unlock()
			b.fire(t)
			return false, ErrOpen
		}
		b.probing = true
		probe = true
	}
	b.mu.Unlock()
	b.fire(t)
	return probe, nil
}

func (b *Breaker) release(probe bool, err error) {
	b.mu.Lock()
	var t transition
	if probe {
		b.probing = false
	}
	switch {
	case err == nil:
		b.failures = 0
		if probe && b.state == StateHalfOpen {
			b.passed++
			if b.passed >= b.cfg.Probes {
				t = b.setState(StateClosed)
			}
		}
	case b.neutral(err):
	default:
		b.failures++
		if probe || b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			t = b.setState(StateOpen)
		}
	}
	failures := b.failures
	b.mu.Unlock()
	if t.changed() && t.to == StateOpen {
		slog.Warn("resilience: breaker opened", "name", b.name, "consecutive_failures", failures, "err", err)
	}
	b.fire(t)
}

func (b *Breaker) neutral(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return b.cfg.IsNeutral != nil && b.cfg.IsNeutral(err)
}

// cooledDown must be called with b.mu held.
func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

type transition struct{ from, to State }

func (t transition) changed() bool { return t.from != t.to }

// setState must be called with b.mu held.
func (b *Breaker) setState(to State) transition {
	t := transition{from: b.state, to: to}
	b.state = to
	switch to {
	case StateClosed:
		b.failures = 0
		b.passed = 0
	case StateHalfOpen:
		b.passed = 0
	}
	return t
}

func (b *Breaker) fire(t transition) {
	if !t.changed() {
		return
	}
	if t.to != StateOpen {
		slog.Info("resilience: breaker state changed", "name", b.name, "from", t.from, "to", t.to)
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, t.from, t.to)
	}
}
