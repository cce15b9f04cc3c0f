package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var (
	// ErrAtCapacity is returned by [SessionManager.Start] once the session
	// limit is reached.
	ErrAtCapacity = errors.New("app: at session capacity")

	// ErrDraining is returned by [SessionManager.Start] after
	// [SessionManager.Drain] was called.
	ErrDraining = errors.New("app: draining")
)

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// RemoteAddr is the client address the WebSocket was accepted from.
	RemoteAddr string `json:"remote_addr"`

	// StartedAt is when the session was admitted.
	StartedAt time.Time `json:"started_at"`

	// Agent is the agent currently answering. Empty until the session's
	// controller is attached.
	Agent string `json:"agent"`

	// State is the pipeline phase, or "connecting" before the controller is
	// attached.
	State string `json:"state"`
}

// StateConnecting is reported for an admitted session whose controller is
// not attached yet.
const StateConnecting = "connecting"

// StatusFunc reports a live session's active agent and pipeline state.
type StatusFunc func() (agent, state string)

type activeSession struct {
	info   SessionInfo
	cancel context.CancelFunc
	status StatusFunc
}

// SessionManager admits voice sessions up to a fixed limit and cancels them
// on shutdown. All exported methods are safe for concurrent use.
type SessionManager struct {
	limit int

	mu       sync.Mutex
	active   map[string]activeSession
	draining bool
	wg       sync.WaitGroup
}

// NewSessionManager returns a manager admitting at most limit concurrent
// sessions. limit ≤ 0 means unlimited.
func NewSessionManager(limit int) *SessionManager {
	return &SessionManager{
		limit:  limit,
		active: make(map[string]activeSession),
	}
}

// Start admits a session. The returned context is cancelled when parent is
// done, when the manager drains, or when release is called. release must be
// called exactly once when the session ends.
func (sm *SessionManager) Start(parent context.Context, info SessionInfo) (ctx context.Context, release func(), err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.draining {
		return nil, nil, ErrDraining
	}
	if sm.limit > 0 && len(sm.active) >= sm.limit {
		return nil, nil, fmt.Errorf("%w (%d/%d)", ErrAtCapacity, len(sm.active), sm.limit)
	}
	if _, dup := sm.active[info.SessionID]; dup {
		return nil, nil, fmt.Errorf("app: session %q already active", info.SessionID)
	}
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithCancel(parent)
	sm.active[info.SessionID] = activeSession{info: info, cancel: cancel}
	sm.wg.Add(1)

	var once sync.Once
	release = func() {
		once.Do(func() {
			cancel()
			sm.mu.Lock()
			delete(sm.active, info.SessionID)
			sm.mu.Unlock()
			sm.wg.Done()
			slog.Debug("session released", "session_id", info.SessionID, "duration", time.Since(info.StartedAt))
		})
	}
	return ctx, release, nil
}

// Attach registers the status source of a live session. Unknown ids are
// ignored.
func (sm *SessionManager) Attach(id string, status StatusFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.active[id]; ok {
		s.status = status
		sm.active[id] = s
	}
}

// Active returns the number of live sessions.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.active)
}

// Sessions returns the live sessions ordered by start time, each with its
// current agent and state.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.active))
	statuses := make([]StatusFunc, 0, len(sm.active))
	for _, s := range sm.active {
		out = append(out, s.info)
		statuses = append(statuses, s.status)
	}
	sm.mu.Unlock()

	for i, status := range statuses {
		if status == nil {
			out[i].State = StateConnecting
			continue
		}
		out[i].Agent, out[i].State = status()
	}

	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Drain stops admitting sessions, cancels every live one, and waits for
// them to release or for ctx to expire.
func (sm *SessionManager) Drain(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	n := len(sm.active)
	for _, s := range sm.active {
		s.cancel()
	}
	sm.mu.Unlock()

	if n > 0 {
		slog.Info("draining sessions", "count", n)
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: drain: %d sessions still open: %w", sm.Active(), ctx.Err())
	}
}
