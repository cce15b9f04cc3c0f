// Package journal defines the write-only audit log of committed turns.
//
// A [Writer] receives one [Entry] per committed utterance. Entries are never
// read back into a session: every session starts with an empty history, and
// the journal exists for review of low-confidence corrections and offline
// analysis. Backends live in sub-packages (postgres, redis); [Memory] is the
// in-process default.
package journal

import (
	"context"
	"sync"
	"time"
)

// Outcome values recorded on an [Entry].
const (
	OutcomeOK             = "ok"
	OutcomeSkipped        = "skipped"
	OutcomeDialogueFailed = "dialogue_failed"
	OutcomeError          = "error"
)

// Entry is one committed utterance and the reply it produced.
type Entry struct {
	SessionID string
	Seq       int

	// Agent is the agent that handled the turn after any hand-offs.
	Agent string

	RawText          string
	CorrectedText    string
	Confidence       float64
	LanguageDetected string
	NeedsHumanReview bool

	// UserText is what entered the history: CorrectedText when the correction
	// was trusted, RawText otherwise.
	UserText string

	Reply   string
	Outcome string

	StartedAt time.Time
	Duration  time.Duration
}

// Writer persists journal entries. Implementations must be safe for
// concurrent use by many sessions.
type Writer interface {
	// Write appends e.
	Write(ctx context.Context, e Entry) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Memory is an in-process Writer that keeps entries in a bounded ring.
type Memory struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

var _ Writer = (*Memory)(nil)

// NewMemory returns a Memory that keeps at most limit entries (oldest
// dropped first). limit ≤ 0 keeps everything.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

// Write implements [Writer].
func (m *Memory) Write(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if m.limit > 0 && len(m.entries) > m.limit {
		m.entries = append(m.entries[:0], m.entries[len(m.entries)-m.limit:]...)
	}
	return nil
}

// Ping implements [Writer]. It never fails.
func (m *Memory) Ping(context.Context) error { return nil }

// Close implements [Writer].
func (m *Memory) Close() error { return nil }

// Entries returns a copy of the retained entries, oldest first.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Nop discards every entry.
type Nop struct{}

var _ Writer = Nop{}

func (Nop) Write(context.Context, Entry) error { return nil }
func (Nop) Ping(context.Context) error         { return nil }
func (Nop) Close() error                       { return nil }
