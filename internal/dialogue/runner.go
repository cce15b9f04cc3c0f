// Package dialogue drives one conversational turn through a roster of LLM
// agents that can hand the conversation to one another.
//
// A [Runner] streams reply fragments as the model produces them. When the
// active agent calls one of its transfer_to_<agent> tools, the runner
// switches agents and asks the new agent to answer the same conversation,
// without surfacing the tool call to the caller. Failures never leave the
// caller without a reply: a turn that cannot complete emits a single
// apology fragment and reports a malformed [conversation.Outcome].
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/carevox/internal/conversation"
	"github.com/MrWong99/carevox/internal/observe"
	llm "github.com/MrWong99/carevox/pkg/provider/llm"
)

const (
	// Apology is the fragment emitted when a turn fails.
	Apology = "I'm sorry, I encountered a technical issue. Please try again in a moment."

	defaultMaxHandoffs = 3
	defaultFragmentBuf = 16

	// replySep joins the replies of successive agents within one turn.
	replySep = " "
)

// ErrEmptyReply is reported when every agent involved in a turn produced no
// text.
var ErrEmptyReply = errors.New("dialogue: empty reply")

// Option is a functional option for configuring a [Runner].
type Option func(*Runner)

// WithMaxHandoffs bounds how many agent switches one turn may perform.
// Once the bound is reached the active agent is offered no hand-off tools.
// Default: 3.
func WithMaxHandoffs(n int) Option {
	return func(r *Runner) {
		if n >= 0 {
			r.maxHandoffs = n
		}
	}
}

// WithModelProviders registers providers by model name. An agent whose
// Model matches a key is served by that provider instead of the default.
func WithModelProviders(providers map[string]llm.Provider) Option {
	return func(r *Runner) {
		for k, v := range providers {
			r.byModel[k] = v
		}
	}
}

// WithTemperature sets the sampling temperature for dialogue requests.
func WithTemperature(t float64) Option {
	return func(r *Runner) {
		r.temperature = t
	}
}

// WithMaxHistoryTokens trims the history sent to the model to the most
// recent turns that fit n estimated tokens. Zero sends everything.
func WithMaxHistoryTokens(n int) Option {
	return func(r *Runner) {
		r.maxHistoryTokens = n
	}
}

// WithMetrics records dialogue latency and hand-offs on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// Runner is safe for concurrent use; each [Runner.Run] call is independent.
type Runner struct {
	llm              llm.Provider
	byModel          map[string]llm.Provider
	roster           *Roster
	maxHandoffs      int
	temperature      float64
	maxHistoryTokens int
	metrics          *observe.Metrics
}

// NewRunner returns a Runner that serves roster with provider.
func NewRunner(provider llm.Provider, roster *Roster, opts ...Option) *Runner {
	r := &Runner{
		llm:         provider,
		byModel:     make(map[string]llm.Provider),
		roster:      roster,
		maxHandoffs: defaultMaxHandoffs,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Roster returns the roster the runner serves.
func (r *Runner) Roster() *Roster { return r.roster }

// Turn is one in-flight dialogue turn. Read [Turn.Fragments] until it is
// closed; [Turn.Result], [Turn.Reply], [Turn.Err] and [Turn.Failed] are valid
// afterwards.
type Turn struct {
	fragments chan string
	done      chan struct{}

	mu      sync.Mutex
	outcome conversation.Outcome
	reply   string
	err     error
	failed  bool
}

// Fragments streams reply text in generation order. Callers must drain it.
func (t *Turn) Fragments() <-chan string { return t.fragments }

// Done is closed after the fragment channel.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Result returns the dialogue engine's view of the turn.
func (t *Turn) Result() conversation.Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Reply returns the text the turn answered with: the joined agent replies,
// or just [Apology] when the turn failed, even if fragments were streamed
// before the failure. It is empty for a cancelled turn.
func (t *Turn) Reply() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply
}

// Err returns the cause of a failed or cancelled turn.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Failed reports whether the turn ended with the apology fragment.
func (t *Turn) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

func (t *Turn) finish(out conversation.Outcome, reply string, err error, failed bool) {
	t.mu.Lock()
	t.outcome = out
	t.reply = reply
	t.err = err
	t.failed = failed
	t.mu.Unlock()
	close(t.fragments)
	close(t.done)
}

// Run starts a turn for agent over history. The only error it returns is
// ctx's, when ctx is already done; every other failure is reported through
// the apology fragment and [Turn.Err].
func (r *Runner) Run(ctx context.Context, agent string, history []conversation.Turn) (*Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dialogue: run: %w", err)
	}
	t := &Turn{
		fragments: make(chan string, defaultFragmentBuf),
		done:      make(chan struct{}),
	}
	hist := append([]conversation.Turn(nil), history...)
	go r.run(ctx, t, agent, hist)
	return t, nil
}

func (r *Runner) run(ctx context.Context, t *Turn, agentName string, history []conversation.Turn) {
	start := time.Now()
	log := observe.Logger(ctx)
	defer func() {
		if r.metrics != nil {
			r.metrics.RecordStage(ctx, observe.StageDialogue, time.Since(start))
		}
	}()

	msgs := toMessages(conversation.Window(history, r.maxHistoryTokens))
	var reply []string

	fail := func(err error) {
		if ctx.Err() != nil {
			t.finish(conversation.Outcome{}, "", ctx.Err(), false)
			return
		}
		log.Warn("dialogue: turn failed", "agent", agentName, "err", err)
		select {
		case t.fragments <- Apology:
		case <-ctx.Done():
		}
		t.finish(conversation.Outcome{Kind: conversation.OutcomeMalformed}, Apology, err, true)
	}

	for hop := 0; ; hop++ {
		a, ok := r.roster.Get(agentName)
		if !ok {
			fail(fmt.Errorf("dialogue: unknown agent %q", agentName))
			return
		}

		req := llm.CompletionRequest{
			SystemPrompt: SystemPrompt(a),
			Messages:     msgs,
			Temperature:  r.temperature,
		}
		if hop < r.maxHandoffs {
			req.Tools = r.roster.HandoffTools(a)
		}

		// Later hops open with a space so the fragments read like the joined
		// reply.
		sep := ""
		if len(reply) > 0 {
			sep = replySep
		}
		text, calls, err := r.stream(ctx, t, r.providerFor(a), req, sep)
		if err != nil {
			fail(fmt.Errorf("dialogue: agent %q: %w", a.Name, err))
			return
		}
		if text != "" {
			reply = append(reply, text)
		}

		next, ok := r.handoffTarget(a, calls, hop)
		if !ok {
			break
		}
		log.Info("dialogue: hand-off", "from", a.Name, "to", next)
		if r.metrics != nil {
			r.metrics.RecordHandoff(ctx, a.Name, next)
		}
		if text != "" {
			msgs = append(msgs, llm.Message{Role: "assistant", Content: text})
		}
		agentName = next
	}

	full := strings.TrimSpace(strings.Join(reply, replySep))
	if full == "" {
		fail(ErrEmptyReply)
		return
	}
	out := conversation.Outcome{
		Kind:    conversation.OutcomeOK,
		History: append(history, conversation.Turn{Role: conversation.RoleAssistant, Content: full}),
		Agent:   agentName,
	}
	t.finish(out, full, nil, false)
}

// stream forwards every text chunk of one completion to t and returns the
// accumulated text and tool calls. sep prefixes the first forwarded fragment
// only; it is not part of the returned text.
func (r *Runner) stream(ctx context.Context, t *Turn, p llm.Provider, req llm.CompletionRequest, sep string) (string, []llm.ToolCall, error) {
	ch, err := p.StreamCompletion(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("start stream: %w", err)
	}

	var sb strings.Builder
	var calls []llm.ToolCall
	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return "", nil, ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return "", nil, err
				}
				return sb.String(), calls, nil
			}
			if chunk.FinishReason == llm.FinishReasonError {
				go drainChunks(ch)
				return "", nil, fmt.Errorf("stream: %s", chunk.Text)
			}
			if chunk.Text != "" {
				sb.WriteString(chunk.Text)
				frag := chunk.Text
				if sb.Len() == len(chunk.Text) {
					frag = sep + frag
				}
				select {
				case t.fragments <- frag:
				case <-ctx.Done():
					go drainChunks(ch)
					return "", nil, ctx.Err()
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
		}
	}
}

// handoffTarget returns the first authorised hand-off among calls, if the
// turn may still switch agents.
func (r *Runner) handoffTarget(from Agent, calls []llm.ToolCall, hop int) (string, bool) {
	if hop >= r.maxHandoffs {
		return "", false
	}
	for _, c := range calls {
		if target, ok := r.roster.ResolveHandoff(from, c.Name); ok {
			return target, true
		}
	}
	return "", false
}

func (r *Runner) providerFor(a Agent) llm.Provider {
	if p, ok := r.byModel[a.Model]; ok && a.Model != "" {
		return p
	}
	return r.llm
}

func toMessages(turns []conversation.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}

// drainChunks discards the rest of an abandoned stream so the provider's
// goroutine can exit.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
