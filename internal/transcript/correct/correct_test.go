package correct

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/carevox/internal/conversation"
	llm "github.com/MrWong99/carevox/pkg/provider/llm"
	"github.com/MrWong99/carevox/pkg/provider/llm/mock"
)

func respond(content string) *mock.Provider {
	return &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func TestCorrect_TranslatesAndAccepts(t *testing.T) {
	t.Parallel()

	p := respond(`{"corrected_text":" My head hurts a lot ","confidence_score":0.9,"language_detected":"es","needs_human_review":false}`)
	c := New(p)

	history := []conversation.Turn{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "How can I help?"},
	}
	res := c.Correct(context.Background(), "mi cabeza duele mucho", history)

	if res.Err != nil {
		t.Fatalf("unexpected fallback: %v", res.Err)
	}
	if res.CorrectedText != "My head hurts a lot" {
		t.Errorf("CorrectedText: got %q", res.CorrectedText)
	}
	if res.LanguageDetected != "es" || res.NeedsHumanReview {
		t.Errorf("language/review: got %q/%v", res.LanguageDetected, res.NeedsHumanReview)
	}
	if res.OriginalText != "mi cabeza duele mucho" {
		t.Errorf("OriginalText: got %q", res.OriginalText)
	}
	if !res.Accepted() || res.Text(DefaultGate) != "My head hurts a lot" {
		t.Errorf("gate: want corrected text, got %q", res.Text(DefaultGate))
	}

	calls := p.Completes()
	if len(calls) != 1 {
		t.Fatalf("Complete calls: want 1, got %d", len(calls))
	}
	req := calls[0].Req
	if req.ResponseFormat != llm.ResponseFormatJSON {
		t.Errorf("ResponseFormat: got %q", req.ResponseFormat)
	}
	if req.Temperature != 0.2 {
		t.Errorf("Temperature: want 0.2, got %v", req.Temperature)
	}
	for _, rule := range []string{"medical terminology", "numbers and measurements", "translate it to English", "confidence_score"} {
		if !strings.Contains(req.SystemPrompt, rule) {
			t.Errorf("system prompt missing %q", rule)
		}
	}
	user := req.Messages[0].Content
	for _, want := range []string{"user: hello\n", "assistant: How can I help?\n", "mi cabeza duele mucho"} {
		if !strings.Contains(user, want) {
			t.Errorf("user message missing %q:\n%s", want, user)
		}
	}
}

func TestCorrect_LowConfidenceKeepsRaw(t *testing.T) {
	t.Parallel()

	c := New(respond(`{"corrected_text":"I take five hundred milligrams","confidence_score":0.3,"language_detected":"en","needs_human_review":true}`))
	res := c.Correct(context.Background(), "I take 500 mg", nil)

	if res.Err != nil {
		t.Fatalf("unexpected fallback: %v", res.Err)
	}
	if res.Accepted() {
		t.Error("Accepted: want false at 0.3")
	}
	if got := res.Text(DefaultGate); got != "I take 500 mg" {
		t.Errorf("Text: want raw transcript, got %q", got)
	}
}

func TestCorrect_GateBoundary(t *testing.T) {
	t.Parallel()

	r := Result{CorrectedText: "fixed", OriginalText: "raw", Confidence: 0.5}
	if r.Text(0.5) != "raw" {
		t.Error("confidence equal to the gate must keep the raw text")
	}
	r.Confidence = 0.51
	if r.Text(0.5) != "fixed" {
		t.Error("confidence above the gate must use the corrected text")
	}
}

func TestCorrect_Fallbacks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    *mock.Provider
	}{
		{"transport error", &mock.Provider{CompleteErr: errors.New("connection reset")}},
		{"nil response", &mock.Provider{}},
		{"not json", respond("Sure! Here is the corrected text.")},
		{"missing confidence", respond(`{"corrected_text":"x","language_detected":"en","needs_human_review":false}`)},
		{"missing review flag", respond(`{"corrected_text":"x","confidence_score":0.9,"language_detected":"en"}`)},
		{"wrong type", respond(`{"corrected_text":"x","confidence_score":"high","language_detected":"en","needs_human_review":false}`)},
		{"empty corrected text", respond(`{"corrected_text":"  ","confidence_score":0.9,"language_detected":"en","needs_human_review":false}`)},
		{"array", respond(`[]`)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := New(tc.p).Correct(context.Background(), "chest pain since monday", nil)
			want := Fallback("chest pain since monday", nil)
			if res.Err == nil {
				t.Fatal("Err: want non-nil on fallback")
			}
			res.Err = nil
			if res != want {
				t.Errorf("fallback: want %+v, got %+v", want, res)
			}
			if res.Accepted() {
				t.Error("fallback must never pass the gate")
			}
		})
	}
}

func TestCorrect_NormalisesOptionalFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		content    string
		wantConf   float64
		wantLang   string
		wantReview bool
	}{
		{"null optionals", `{"corrected_text":"ok","confidence_score":0.7,"language_detected":null,"needs_human_review":null}`, 0.7, "unk", false},
		{"empty language", `{"corrected_text":"ok","confidence_score":0.7,"language_detected":"","needs_human_review":true}`, 0.7, "unk", true},
		{"clamp high", `{"corrected_text":"ok","confidence_score":1.7,"language_detected":"en","needs_human_review":false}`, 1, "en", false},
		{"clamp low", `{"corrected_text":"ok","confidence_score":-3,"language_detected":"en","needs_human_review":false}`, 0, "en", false},
		{"fenced", "```json\n{\"corrected_text\":\"ok\",\"confidence_score\":0.8,\"language_detected\":\"fr\",\"needs_human_review\":false}\n```", 0.8, "fr", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			res := New(respond(tc.content)).Correct(context.Background(), "raw", nil)
			if res.Err != nil {
				t.Fatalf("unexpected fallback: %v", res.Err)
			}
			if res.Confidence != tc.wantConf || res.LanguageDetected != tc.wantLang || res.NeedsHumanReview != tc.wantReview {
				t.Errorf("got conf=%v lang=%q review=%v", res.Confidence, res.LanguageDetected, res.NeedsHumanReview)
			}
		})
	}
}

func TestCorrect_Options(t *testing.T) {
	t.Parallel()

	p := &mock.Provider{CompleteErr: errors.New("boom")}
	c := New(p, WithTemperature(0.7), WithModelTimeout(50*time.Millisecond))
	_ = c.Correct(context.Background(), "x", nil)

	call := p.Completes()[0]
	if call.Req.Temperature != 0.7 {
		t.Errorf("Temperature: want 0.7, got %v", call.Req.Temperature)
	}
	if _, ok := call.Ctx.Deadline(); !ok {
		t.Error("WithModelTimeout must set a deadline on the provider context")
	}
}

func TestStripMarkdown(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"```json\n{}\n```", "{}"},
		{"```\n{}\n```", "{}"},
		{"  {} ", "{}"},
	}
	for _, tc := range tests {
		if got := stripMarkdown(tc.in); got != tc.want {
			t.Errorf("stripMarkdown(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
