package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/carevox/pkg/provider/llm"
	"github.com/MrWong99/carevox/pkg/provider/stt"
	"github.com/MrWong99/carevox/pkg/provider/tts"
)

// Reporter is implemented by the failover providers so that readiness
// checks can tell when a whole stage is down.
type Reporter interface {
	Available() bool
	Members() []Member
}

var (
	_ llm.Provider = (*LLM)(nil)
	_ stt.Provider = (*STT)(nil)
	_ tts.Provider = (*TTS)(nil)

	_ Reporter = (*LLM)(nil)
	_ Reporter = (*STT)(nil)
	_ Reporter = (*TTS)(nil)
)

// ─── LLM ─────────────────────────────────────────────────────────────────────

// LLM fails over between language model backends.
type LLM struct {
	*Group[llm.Provider]
}

// NewLLM returns an LLM with primary as its first backend.
func NewLLM(name string, primary llm.Provider, cfg FallbackConfig) *LLM {
	return &LLM{NewGroup[llm.Provider]("llm", cfg).Add(name, primary)}
}

// Complete is used by transcript correction.
func (f *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, f.Group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion fails over only while opening the stream. A backend that
// breaks mid-reply reports it in-band with [llm.FinishReasonError] and the
// dialogue runner apologises.
func (f *LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(ctx, f.Group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Capabilities are those of the primary.
func (f *LLM) Capabilities() llm.ModelCapabilities {
	return f.primary().Capabilities()
}

// ─── STT ─────────────────────────────────────────────────────────────────────

// STT fails over between speech recognition backends.
//
// A backend answering [stt.ErrConfigRejected] is healthy; its breaker is not
// charged and the next backend gets the same config. When every backend
// rejects, the result still matches stt.ErrConfigRejected so the caller can
// retry with its degraded config.
type STT struct {
	*Group[stt.Provider]
}

// NewSTT returns an STT with primary as its first backend.
func NewSTT(name string, primary stt.Provider, cfg FallbackConfig) *STT {
	userNeutral := cfg.Breaker.IsNeutral
	cfg.Breaker.IsNeutral = func(err error) bool {
		return errors.Is(err, stt.ErrConfigRejected) || (userNeutral != nil && userNeutral(err))
	}
	return &STT{NewGroup[stt.Provider]("stt", cfg).Add(name, primary)}
}

func (f *STT) Transcribe(ctx context.Context, pcm []int16, cfg stt.Config) (string, error) {
	return Call(ctx, f.Group, func(p stt.Provider) (string, error) {
		return p.Transcribe(ctx, pcm, cfg)
	})
}

// ─── TTS ─────────────────────────────────────────────────────────────────────

// TTS fails over between synthesis backends. Only stream setup is covered:
// fragments a backend has already read cannot be replayed to another.
type TTS struct {
	*Group[tts.Provider]
}

// NewTTS returns a TTS with primary as its first backend.
func NewTTS(name string, primary tts.Provider, cfg FallbackConfig) *TTS {
	return &TTS{NewGroup[tts.Provider]("tts", cfg).Add(name, primary)}
}

func (f *TTS) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return Call(ctx, f.Group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

func (f *TTS) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Call(ctx, f.Group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
