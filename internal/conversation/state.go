// Package conversation owns the per-session turn history and the identity of
// the active dialogue agent.
//
// History only changes through [State.AppendUserTurn],
// [State.AppendAssistantTurn] and [State.Reconcile]; the slice handed out by
// [State.History] is always a copy. A State is written by exactly one
// session goroutine; the mutex exists so that snapshots taken elsewhere
// (journal, metrics, tests) never observe a half-replaced history.
package conversation

import (
	"log/slog"
	"sync"
)

// Roles accepted in a valid Turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// charsPerToken is the heuristic ratio used by [State.Window].
const charsPerToken = 4

// Turn is one role-tagged unit of conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Valid reports whether t has a known role and non-empty content.
func (t Turn) Valid() bool {
	return (t.Role == RoleUser || t.Role == RoleAssistant) && t.Content != ""
}

// OutcomeKind tags a dialogue result as usable or not.
type OutcomeKind int

const (
	// OutcomeMalformed means the dialogue engine returned nothing usable.
	OutcomeMalformed OutcomeKind = iota
	// OutcomeOK means History and Agent carry the engine's view of the turn.
	OutcomeOK
)

// Outcome is the dialogue engine's result for one turn, validated by
// [State.Reconcile] before it touches the history.
type Outcome struct {
	Kind    OutcomeKind
	History []Turn
	Agent   string
}

// State is the conversation of one session.
type State struct {
	log *slog.Logger

	mu          sync.Mutex
	history     []Turn
	activeAgent string
}

// StateOption configures a State.
type StateOption func(*State)

// WithLogger sets the logger used to report dropped history entries.
func WithLogger(l *slog.Logger) StateOption {
	return func(s *State) {
		s.log = l
	}
}

// New returns an empty conversation handled by defaultAgent.
func New(defaultAgent string, opts ...StateOption) *State {
	s := &State{
		log:         slog.Default(),
		activeAgent: defaultAgent,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AppendUserTurn records what the user said.
func (s *State) AppendUserTurn(text string) {
	s.append(Turn{Role: RoleUser, Content: text})
}

// AppendAssistantTurn records an assistant reply (or apology).
func (s *State) AppendAssistantTurn(text string) {
	s.append(Turn{Role: RoleAssistant, Content: text})
}

func (s *State) append(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, t)
}

// Reconcile folds a dialogue outcome into the history. An OK outcome with
// at least one valid turn replaces the whole history with its valid turns,
// in order, dropping (and logging) the rest. Anything else keeps the current
// history and appends fallback as an assistant turn. It reports whether the
// engine's history was adopted.
func (s *State) Reconcile(out Outcome, fallback string) bool {
	var valid []Turn
	if out.Kind == OutcomeOK {
		valid = make([]Turn, 0, len(out.History))
		for i, t := range out.History {
			if !t.Valid() {
				s.log.Warn("conversation: dropping malformed history entry",
					"index", i, "role", t.Role, "content_len", len(t.Content))
				continue
			}
			valid = append(valid, t)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(valid) == 0 {
		if out.Kind == OutcomeOK {
			s.log.Warn("conversation: dialogue history unusable, appending fallback",
				"entries", len(out.History))
		}
		s.history = append(s.history, Turn{Role: RoleAssistant, Content: fallback})
		return false
	}
	s.history = valid
	return true
}

// SetActiveAgent records which agent handles the next turn.
func (s *State) SetActiveAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeAgent = id
}

// ActiveAgent returns the agent handling the next turn.
func (s *State) ActiveAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeAgent
}

// History returns a copy of the history in conversational order.
func (s *State) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of turns.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Window returns the longest suffix of the history whose estimated token
// count fits maxTokens. maxTokens ≤ 0 returns the full history.
func (s *State) Window(maxTokens int) []Turn {
	return Window(s.History(), maxTokens)
}

// Window returns the longest suffix of turns whose estimated token count
// fits maxTokens. maxTokens ≤ 0 returns turns unchanged.
func Window(turns []Turn, maxTokens int) []Turn {
	if maxTokens <= 0 {
		return turns
	}
	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		n := EstimateTokens(turns[i])
		if used+n > maxTokens {
			break
		}
		used += n
		start = i
	}
	return turns[start:]
}

// EstimateTokens approximates the token count of t at roughly four
// characters per token.
func EstimateTokens(t Turn) int {
	return (len(t.Role) + len(t.Content)) / charsPerToken
}
