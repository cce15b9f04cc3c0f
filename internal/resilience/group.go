package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Group] produced a result.
// The member errors are joined to it.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [Group].
type FallbackConfig struct {
	// Breaker is applied to every member; each member gets its own breaker.
	Breaker BreakerConfig

	// OnFailure is called for every failure that counts against a member's
	// breaker. Refusals by an open breaker and neutral errors are excluded.
	OnFailure func(name string, err error)

	// OnSuccess is called with the member that answered a call.
	OnSuccess func(name string)
}

// Member describes one backend of a [Group].
type Member struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type member[T any] struct {
	value   T
	breaker *Breaker
}

// Group is an ordered list of interchangeable backends: a primary followed
// by fallbacks. Members must be added before the group is shared; calls are
// safe for concurrent use.
type Group[T any] struct {
	kind    string
	cfg     FallbackConfig
	members []member[T]
}

// NewGroup returns an empty group. kind labels errors and logs ("llm",
// "stt", ...).
func NewGroup[T any](kind string, cfg FallbackConfig) *Group[T] {
	return &Group[T]{kind: kind, cfg: cfg}
}

// Add appends a backend; the first one added is the primary.
func (g *Group[T]) Add(name string, v T) *Group[T] {
	g.members = append(g.members, member[T]{value: v, breaker: NewBreaker(name, g.cfg.Breaker)})
	return g
}

// Members lists the backends in try order with their breaker state.
func (g *Group[T]) Members() []Member {
	out := make([]Member, len(g.members))
	for i, m := range g.members {
		out[i] = Member{Name: m.breaker.Name(), State: m.breaker.State().String()}
	}
	return out
}

// Available reports whether at least one backend would accept a call.
func (g *Group[T]) Available() bool {
	for _, m := range g.members {
		if m.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

func (g *Group[T]) primary() T {
	return g.members[0].value
}

// Call runs fn against each member in order until one succeeds. It stops
// early once ctx is done: nobody is left to receive a fallback's answer.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			if g.cfg.OnSuccess != nil {
				g.cfg.OnSuccess(m.breaker.Name())
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.breaker.Name(), err))
		switch {
		case errors.Is(err, ErrOpen):
			slog.Debug("resilience: skipping backend with open breaker", "kind", g.kind, "name", m.breaker.Name())
		case m.breaker.neutral(err):
			slog.Debug("resilience: backend declined request", "kind", g.kind, "name", m.breaker.Name(), "err", err)
		default:
			if g.cfg.OnFailure != nil {
				g.cfg.OnFailure(m.breaker.Name(), err)
			}
			slog.Warn("resilience: backend failed, trying next", "kind", g.kind, "name", m.breaker.Name(), "err", err)
		}
	}
	return zero, fmt.Errorf("%w (%s): %w", ErrAllFailed, g.kind, errors.Join(errs...))
}
