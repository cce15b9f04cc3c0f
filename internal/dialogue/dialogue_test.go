package dialogue

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/carevox/internal/conversation"
	llm "github.com/MrWong99/carevox/pkg/provider/llm"
	"github.com/MrWong99/carevox/pkg/provider/llm/mock"
)

// collect drains a turn's fragments, failing the test if it does not finish.
func collect(t *testing.T, turn *Turn) []string {
	t.Helper()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-turn.Fragments():
			if !ok {
				<-turn.Done()
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("turn did not finish")
		}
	}
}

func handoffChunk(tool string) []llm.Chunk {
	return []llm.Chunk{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{ID: "call_1", Name: tool, Arguments: "{}"}}}}
}

func textChunks(parts ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, llm.Chunk{Text: p})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

var userTurn = []conversation.Turn{{Role: "user", Content: "My head hurts a lot"}}

// ─── Roster ───────────────────────────────────────────────────────────────────

func TestDefaultRoster(t *testing.T) {
	t.Parallel()

	r := DefaultRoster()
	if r.Default() != "Assistant" {
		t.Errorf("default agent: got %q", r.Default())
	}
	names := r.Names()
	if len(names) != 8 || names[0] != "Assistant" {
		t.Fatalf("names: got %v", names)
	}
	triage, _ := r.Get("Assistant")
	if len(triage.Handoffs) != 7 {
		t.Errorf("triage hand-offs: want 7, got %d", len(triage.Handoffs))
	}
	tools := r.HandoffTools(triage)
	var toolNames []string
	for _, tool := range tools {
		toolNames = append(toolNames, tool.Name)
	}
	for _, want := range []string{"transfer_to_cardiology", "transfer_to_mental_health", "transfer_to_cancer_research", "transfer_to_general_healthcare"} {
		if !slices.Contains(toolNames, want) {
			t.Errorf("tools missing %q: %v", want, toolNames)
		}
	}
	cardio, _ := r.Get("Cardiology")
	if r.HandoffTools(cardio) != nil {
		t.Error("specialists without hand-offs must get no tools")
	}
}

func TestSlug(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Cardiology":         "cardiology",
		"Mental Health":      "mental_health",
		"  Cancer--Research": "cancer_research",
		"Agent 007!":         "agent_007",
	}
	for in, want := range tests {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewRoster_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		def     string
		agents  []Agent
		wantErr string
	}{
		{"missing default", "Triage", []Agent{{Name: "A"}}, `default agent "Triage"`},
		{"empty name", "A", []Agent{{Name: "A"}, {Name: " "}}, "name is required"},
		{"duplicate", "A", []Agent{{Name: "A"}, {Name: "A"}}, "duplicate agent"},
		{"slug clash", "A", []Agent{{Name: "A"}, {Name: "Mental Health"}, {Name: "mental-health"}}, "share hand-off tool"},
		{"unknown target", "A", []Agent{{Name: "A", Handoffs: []string{"B"}}}, `target "B"`},
		{"self", "A", []Agent{{Name: "A", Handoffs: []string{"A"}}}, "itself"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRoster(tc.def, tc.agents)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("want error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestResolveHandoff_RequiresPermission(t *testing.T) {
	t.Parallel()

	r, err := NewRoster("A", []Agent{
		{Name: "A", Handoffs: []string{"B"}},
		{Name: "B"},
		{Name: "C"},
	})
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	a, _ := r.Get("A")
	if got, ok := r.ResolveHandoff(a, "transfer_to_b"); !ok || got != "B" {
		t.Errorf("A->B: got %q, %v", got, ok)
	}
	if _, ok := r.ResolveHandoff(a, "transfer_to_c"); ok {
		t.Error("A->C must be refused")
	}
	if _, ok := r.ResolveHandoff(a, "lookup_drug"); ok {
		t.Error("non hand-off tool must not resolve")
	}
}

// ─── Runner ───────────────────────────────────────────────────────────────────

func TestRun_StreamsFragmentsInOrder(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamChunks: textChunks("I'm sorry ", "to hear that. ", "How long has it hurt?")}
	r := NewRunner(p, DefaultRoster())

	turn, err := r.Run(context.Background(), "Assistant", userTurn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, turn)
	want := []string{"I'm sorry ", "to hear that. ", "How long has it hurt?"}
	if !slices.Equal(got, want) {
		t.Errorf("fragments: want %q, got %q", want, got)
	}
	if turn.Failed() || turn.Err() != nil {
		t.Fatalf("unexpected failure: %v", turn.Err())
	}
	if turn.Reply() != "I'm sorry to hear that. How long has it hurt?" {
		t.Errorf("Reply: %q", turn.Reply())
	}

	out := turn.Result()
	if out.Kind != conversation.OutcomeOK || out.Agent != "Assistant" {
		t.Errorf("outcome: %+v", out)
	}
	wantHist := []conversation.Turn{
		userTurn[0],
		{Role: "assistant", Content: "I'm sorry to hear that. How long has it hurt?"},
	}
	if !slices.Equal(out.History, wantHist) {
		t.Errorf("history: want %v, got %v", wantHist, out.History)
	}

	req := p.Streams()[0].Req
	if !strings.Contains(req.SystemPrompt, "seeking health information") {
		t.Error("system prompt must carry the triage instructions")
	}
	if len(req.Tools) != 7 {
		t.Errorf("tools offered: want 7, got %d", len(req.Tools))
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "My head hurts a lot" {
		t.Errorf("messages: %+v", req.Messages)
	}
}

func TestRun_HandoffSwitchesAgent(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamScript: [][]llm.Chunk{
		handoffChunk("transfer_to_neurology"),
		textChunks("Headaches can have many causes."),
	}}
	r := NewRunner(p, DefaultRoster())

	turn, _ := r.Run(context.Background(), "Assistant", userTurn)
	got := collect(t, turn)
	if !slices.Equal(got, []string{"Headaches can have many causes."}) {
		t.Errorf("tool calls must not surface as fragments, got %q", got)
	}

	out := turn.Result()
	if out.Agent != "Neurology" {
		t.Errorf("agent: want Neurology, got %q", out.Agent)
	}
	streams := p.Streams()
	if len(streams) != 2 {
		t.Fatalf("LLM calls: want 2, got %d", len(streams))
	}
	if !strings.Contains(streams[1].Req.SystemPrompt, "neurology assistant") {
		t.Error("second call must use the Neurology instructions")
	}
	if streams[1].Req.Tools != nil {
		t.Error("Neurology has no hand-offs, so no tools")
	}
}

func TestRun_HandoffBound(t *testing.T) {
	t.Parallel()

	roster, err := NewRoster("A", []Agent{
		{Name: "A", Instructions: "agent a", Handoffs: []string{"B"}},
		{Name: "B", Instructions: "agent b", Handoffs: []string{"A"}},
	})
	if err != nil {
		t.Fatalf("NewRoster: %v", err)
	}
	p := &mock.Provider{StreamScript: [][]llm.Chunk{
		handoffChunk("transfer_to_b"),
		handoffChunk("transfer_to_a"),
		append([]llm.Chunk{{Text: "Final answer."}}, handoffChunk("transfer_to_b")...),
	}}
	r := NewRunner(p, roster, WithMaxHandoffs(2))

	turn, _ := r.Run(context.Background(), "A", userTurn)
	collect(t, turn)

	streams := p.Streams()
	if len(streams) != 3 {
		t.Fatalf("LLM calls: want 3, got %d", len(streams))
	}
	if streams[2].Req.Tools != nil {
		t.Error("after the bound no hand-off tools may be offered")
	}
	if out := turn.Result(); out.Agent != "A" || out.Kind != conversation.OutcomeOK {
		t.Errorf("outcome: %+v", out)
	}
}

func TestRun_PreHandoffTextCarriedIntoHistory(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{StreamScript: [][]llm.Chunk{
		append([]llm.Chunk{{Text: "Let me connect you."}}, handoffChunk("transfer_to_cardiology")...),
		textChunks("Chest pain needs urgent attention."),
	}}
	turn, _ := NewRunner(p, DefaultRoster()).Run(context.Background(), "Assistant", userTurn)
	got := collect(t, turn)
	if len(got) != 2 {
		t.Fatalf("fragments: %q", got)
	}

	second := p.Streams()[1].Req.Messages
	if last := second[len(second)-1]; last.Role != "assistant" || last.Content != "Let me connect you." {
		t.Errorf("specialist must see the triage reply, got %+v", last)
	}
	want := "Let me connect you. Chest pain needs urgent attention."
	hist := turn.Result().History
	if hist[len(hist)-1].Content != want {
		t.Errorf("reply: %q", hist[len(hist)-1].Content)
	}
	if got[1] != " Chest pain needs urgent attention." {
		t.Errorf("a later agent's first fragment must open with a space, got %q", got[1])
	}
	if joined := strings.Join(got, ""); joined != want || turn.Reply() != want {
		t.Errorf("fragments %q and Reply %q must both read %q", joined, turn.Reply(), want)
	}
}

func TestRun_FailuresEmitSingleApology(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		agent string
		p     *mock.Provider
		want  []string
	}{
		{"stream start error", "Assistant", &mock.Provider{StreamErr: errors.New("503")}, []string{Apology}},
		{"mid-stream error", "Assistant", &mock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Partial"},
			{FinishReason: llm.FinishReasonError, Text: "connection reset"},
		}}, []string{"Partial", Apology}},
		{"unknown agent", "Dermatology", &mock.Provider{}, []string{Apology}},
		{"empty reply", "Assistant", &mock.Provider{StreamChunks: textChunks()}, []string{Apology}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			turn, err := NewRunner(tc.p, DefaultRoster()).Run(context.Background(), tc.agent, userTurn)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			got := collect(t, turn)
			if !slices.Equal(got, tc.want) {
				t.Errorf("fragments: want %q, got %q", tc.want, got)
			}
			if !turn.Failed() || turn.Err() == nil {
				t.Error("turn must be marked failed with a cause")
			}
			if turn.Result().Kind != conversation.OutcomeMalformed {
				t.Error("failed turn must report a malformed outcome")
			}
			if turn.Reply() != Apology {
				t.Errorf("Reply: want the apology alone, got %q", turn.Reply())
			}
		})
	}
}

func TestRun_Cancellation(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{Block: make(chan struct{}), StreamChunks: textChunks("never")}
	ctx, cancel := context.WithCancel(context.Background())
	turn, err := NewRunner(p, DefaultRoster()).Run(ctx, "Assistant", userTurn)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	cancel()

	got := collect(t, turn)
	if len(got) != 0 {
		t.Errorf("no fragments after cancel, got %q", got)
	}
	if !errors.Is(turn.Err(), context.Canceled) {
		t.Errorf("Err: want context.Canceled, got %v", turn.Err())
	}
	if turn.Failed() || turn.Reply() != "" {
		t.Errorf("a cancelled turn does not apologise, got reply %q", turn.Reply())
	}

	if _, err := NewRunner(p, DefaultRoster()).Run(ctx, "Assistant", userTurn); !errors.Is(err, context.Canceled) {
		t.Errorf("Run on cancelled ctx: want context.Canceled, got %v", err)
	}
}

func TestRun_ModelProviders(t *testing.T) {
	t.Parallel()

	def := &mock.Provider{StreamChunks: textChunks("default")}
	mini := &mock.Provider{StreamChunks: textChunks("mini")}
	r := NewRunner(def, DefaultRoster(), WithModelProviders(map[string]llm.Provider{"gpt-4o-mini": mini}))

	turn, _ := r.Run(context.Background(), "Assistant", userTurn)
	if got := collect(t, turn); !slices.Equal(got, []string{"mini"}) {
		t.Errorf("fragments: %q", got)
	}
	if len(def.Streams()) != 0 {
		t.Error("default provider must not be used when a model provider matches")
	}
}

func TestRun_HistoryWindow(t *testing.T) {
	t.Parallel()

	long := []conversation.Turn{
		{Role: "user", Content: strings.Repeat("x", 400)},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "and now?"},
	}
	p := &mock.Provider{StreamChunks: textChunks("Fine.")}
	turn, _ := NewRunner(p, DefaultRoster(), WithMaxHistoryTokens(20)).Run(context.Background(), "Assistant", long)
	collect(t, turn)

	if msgs := p.Streams()[0].Req.Messages; len(msgs) != 2 {
		t.Errorf("windowed messages: want 2, got %d", len(msgs))
	}
	if hist := turn.Result().History; len(hist) != 4 {
		t.Errorf("outcome history keeps every turn: want 4, got %d", len(hist))
	}
}
