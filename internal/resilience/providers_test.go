package resilience_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/carevox/internal/resilience"
	"github.com/MrWong99/carevox/pkg/provider/llm"
	llmmock "github.com/MrWong99/carevox/pkg/provider/llm/mock"
	"github.com/MrWong99/carevox/pkg/provider/stt"
	sttmock "github.com/MrWong99/carevox/pkg/provider/stt/mock"
	"github.com/MrWong99/carevox/pkg/provider/tts"
	ttsmock "github.com/MrWong99/carevox/pkg/provider/tts/mock"
)

var errUpstream = errors.New("503 service unavailable")

func TestLLM_CompleteFailsOver(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errUpstream}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"corrected_text":"ok"}`}}
	f := resilience.NewLLM("openai", primary, resilience.FallbackConfig{})
	f.Add("groq", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{ResponseFormat: llm.ResponseFormatJSON})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"corrected_text":"ok"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(primary.Completes()) != 1 || len(backup.Completes()) != 1 {
		t.Error("both backends should have been asked once")
	}
	if got := backup.Completes()[0].Req.ResponseFormat; got != llm.ResponseFormatJSON {
		t.Errorf("fallback saw ResponseFormat %q", got)
	}
}

func TestLLM_StreamFailsOverOnlyAtStart(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{StreamErr: errUpstream}
	backup := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Please sit down. "},
		{FinishReason: llm.FinishReasonError, Text: "connection reset"},
	}}
	f := resilience.NewLLM("openai", primary, resilience.FallbackConfig{})
	f.Add("anthropic", backup)

	ch, err := f.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var last llm.Chunk
	n := 0
	for c := range ch {
		last = c
		n++
	}
	if n != 2 || last.FinishReason != llm.FinishReasonError {
		t.Errorf("mid-stream failure should arrive in-band, got %d chunks ending %+v", n, last)
	}
}

func TestLLM_Capabilities(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, SupportsJSONMode: true}}
	f := resilience.NewLLM("openai", primary, resilience.FallbackConfig{})
	f.Add("ollama", &llmmock.Provider{})
	if c := f.Capabilities(); c.ContextWindow != 128000 || !c.SupportsJSONMode {
		t.Errorf("Capabilities = %+v, want the primary's", c)
	}
}

func TestSTT_RejectionIsNeutral(t *testing.T) {
	t.Parallel()

	rejectAdvanced := func(c stt.Config) bool { return c.TurnDetection != nil }
	primary := &sttmock.Provider{RejectIf: rejectAdvanced, Texts: []string{"chest pain"}}
	backup := &sttmock.Provider{RejectIf: rejectAdvanced}
	f := resilience.NewSTT("whisper", primary, resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{MaxFailures: 1},
		OnFailure: func(name string, err error) {
			t.Errorf("rejection reported as failure of %s: %v", name, err)
		},
	})
	f.Add("whisper-2", backup)

	advanced := stt.Config{Language: "en-US", TurnDetection: &stt.TurnDetection{Type: "server_vad"}}
	degraded := stt.Config{Language: "hi"}
	for range 3 {
		text, err := stt.TranscribeWithFallback(context.Background(), f, []int16{1, 2}, advanced, degraded)
		if err != nil || text != "chest pain" {
			t.Fatalf("TranscribeWithFallback = %q, %v", text, err)
		}
	}
	for _, m := range f.Members() {
		if m.State != "closed" {
			t.Errorf("%s breaker is %s; rejections must not trip it", m.Name, m.State)
		}
	}
}

func TestSTT_AllFail(t *testing.T) {
	t.Parallel()

	f := resilience.NewSTT("openai", &sttmock.Provider{Err: errUpstream}, resilience.FallbackConfig{})
	f.Add("whisper", &sttmock.Provider{Err: errors.New("connection refused")})

	_, err := f.Transcribe(context.Background(), []int16{1}, stt.Config{})
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, errUpstream) {
		t.Errorf("err = %v", err)
	}
	if errors.Is(err, stt.ErrConfigRejected) {
		t.Error("a plain outage must not look like a rejection")
	}
}

func TestTTS_FailsOverAndStreams(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{SynthesizeErr: errUpstream}
	backup := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 0, 2, 0}}}
	f := resilience.NewTTS("elevenlabs", primary, resilience.FallbackConfig{})
	f.Add("openai", backup)

	text := make(chan string, 2)
	text <- "Please sit down."
	text <- "Drink some water."
	close(text)

	audio, err := f.SynthesizeStream(context.Background(), text, tts.VoiceProfile{ID: "alloy"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	n := 0
	for range audio {
		n++
	}
	if n != 2 {
		t.Errorf("got %d audio chunks, want one per fragment", n)
	}
	if got := backup.ReceivedFragments(); len(got) != 2 {
		t.Errorf("fallback received %v", got)
	}
}

func TestTTS_ListVoices(t *testing.T) {
	t.Parallel()

	primary := &ttsmock.Provider{ListVoicesErr: errUpstream}
	backup := &ttsmock.Provider{ListVoicesResult: []tts.VoiceProfile{{ID: "nova"}}}
	f := resilience.NewTTS("elevenlabs", primary, resilience.FallbackConfig{})
	f.Add("openai", backup)

	voices, err := f.ListVoices(context.Background())
	if err != nil || len(voices) != 1 || voices[0].ID != "nova" {
		t.Errorf("ListVoices = %v, %v", voices, err)
	}
}

func TestReporter(t *testing.T) {
	t.Parallel()

	f := resilience.NewSTT("openai", &sttmock.Provider{Err: errUpstream}, resilience.FallbackConfig{
		Breaker: resilience.BreakerConfig{MaxFailures: 1},
	})
	var r resilience.Reporter = f
	if !r.Available() {
		t.Fatal("fresh group should be available")
	}
	_, _ = f.Transcribe(context.Background(), nil, stt.Config{})
	if r.Available() {
		t.Error("group whose only breaker is open should be unavailable")
	}
	if m := r.Members(); len(m) != 1 || m[0].Name != "openai" || m[0].State != "open" {
		t.Errorf("Members() = %+v", m)
	}
}
