// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., the OpenAI audio API or
// a local whisper.cpp server) and turns one committed utterance of 24 kHz mono
// PCM into text. Utterance segmentation happens upstream in the voice package;
// providers only see complete utterances.
//
// Recognition hints travel in [Config]. Services that refuse some of the
// advanced hints (turn detection, prompts) report [ErrConfigRejected] so the
// caller can retry with a degraded configuration via [TranscribeWithFallback].
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrConfigRejected is returned (wrapped) by a Provider when the backend
// refuses the supplied Config rather than failing to transcribe.
var ErrConfigRejected = errors.New("stt: configuration rejected")

// TurnDetection mirrors the server-side voice-activity options accepted by
// realtime transcription services. Zero numeric fields are omitted.
type TurnDetection struct {
	// Type selects the detector, e.g. "server_vad".
	Type string `yaml:"type" json:"type"`

	// Threshold is the VAD activation threshold in [0,1].
	Threshold float64 `yaml:"threshold" json:"threshold,omitempty"`

	// PrefixPaddingMs is the audio kept before detected speech.
	PrefixPaddingMs int `yaml:"prefix_padding_ms" json:"prefix_padding_ms,omitempty"`

	// SilenceDurationMs is the silence that ends a turn.
	SilenceDurationMs int `yaml:"silence_duration_ms" json:"silence_duration_ms,omitempty"`
}

// Config describes the audio format and recognition hints for one
// transcription request.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Zero means 24000.
	SampleRate int `yaml:"-" json:"-"`

	// Prompt is free-form guidance text that biases recognition toward a
	// vocabulary (e.g. medical terms).
	Prompt string `yaml:"prompt" json:"prompt,omitempty"`

	// Language is a BCP-47 or ISO-639 tag. Empty or "auto" lets the provider
	// detect the language.
	Language string `yaml:"language" json:"language,omitempty"`

	// TurnDetection is optional server-side VAD configuration.
	TurnDetection *TurnDetection `yaml:"turn_detection" json:"turn_detection,omitempty"`

	// Temperature is the sampling temperature. Nil leaves the provider default.
	Temperature *float64 `yaml:"temperature" json:"temperature,omitempty"`
}

// LanguageCode returns the ISO-639-1 part of c.Language ("en" for "en-US"),
// or "" when the language is unset or "auto".
func (c Config) LanguageCode() string {
	lang := c.Language
	if lang == "" || lang == "auto" {
		return ""
	}
	for i := range len(lang) {
		if lang[i] == '-' || lang[i] == '_' {
			return lang[:i]
		}
	}
	return lang
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts pcm (signed 16-bit mono samples at cfg.SampleRate)
	// into text. An empty string with a nil error means no speech was
	// recognised.
	Transcribe(ctx context.Context, pcm []int16, cfg Config) (string, error)
}

// TranscribeWithFallback calls p with advanced and, if the backend reports
// [ErrConfigRejected], retries once with degraded. Any other error is
// returned as is.
func TranscribeWithFallback(ctx context.Context, p Provider, pcm []int16, advanced, degraded Config) (string, error) {
	text, err := p.Transcribe(ctx, pcm, advanced)
	if err == nil {
		return text, nil
	}
	if !errors.Is(err, ErrConfigRejected) {
		return "", err
	}
	text, err = p.Transcribe(ctx, pcm, degraded)
	if err != nil {
		return "", fmt.Errorf("stt: degraded transcription: %w", err)
	}
	return text, nil
}
