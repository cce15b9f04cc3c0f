package voice

import (
	"context"
	"sync"
	"time"
)

// Gate is a one-shot end-of-speech signal. It starts unsignaled, Signal
// closes it exactly once, and it never reopens. A fresh Gate is installed
// for every utterance (see [SignalBuffer.Rearm]).
type Gate struct {
	once sync.Once
	done chan struct{}
}

// NewGate returns an unsignaled gate.
func NewGate() *Gate {
	return &Gate{done: make(chan struct{})}
}

// Signal marks the gate as fired. Calling it more than once is a no-op.
func (g *Gate) Signal() {
	g.once.Do(func() { close(g.done) })
}

// Done returns a channel that is closed once the gate has been signaled.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Signaled reports whether Signal has been called.
func (g *Gate) Signaled() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is signaled, timeout elapses, or ctx is done.
// It returns true only if the gate was signaled. A timeout ≤ 0 waits without
// a deadline.
func (g *Gate) Wait(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-g.done:
			return true
		case <-ctx.Done():
			return g.Signaled()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.done:
		return true
	case <-timer.C:
		return g.Signaled()
	case <-ctx.Done():
		return g.Signaled()
	}
}
