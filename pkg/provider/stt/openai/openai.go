// Package openai provides an STT provider backed by the OpenAI audio
// transcription endpoint (whisper-1, gpt-4o-transcribe and compatible
// servers).
//
// Server-side turn detection is a realtime-session setting; the batch
// endpoint used here receives whole utterances, so Config.TurnDetection is
// only validated (an unknown detector type is rejected locally) and otherwise
// left to the upstream voice buffer.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/carevox/pkg/audio"
	"github.com/MrWong99/carevox/pkg/provider/stt"
)

// DefaultModel is used when New is called with an empty model.
const DefaultModel = "whisper-1"

// Provider implements stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

var _ stt.Provider = (*Provider)(nil)

type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI STT provider. model defaults to [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Transcribe implements stt.Provider. HTTP 400 and 422 responses are reported
// as [stt.ErrConfigRejected].
func (p *Provider) Transcribe(ctx context.Context, pcm []int16, cfg stt.Config) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}
	if td := cfg.TurnDetection; td != nil && td.Type != "" && td.Type != "server_vad" {
		return "", fmt.Errorf("openai stt: %w: turn_detection type %q", stt.ErrConfigRejected, td.Type)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	wav := audio.EncodeWAV(audio.EncodePCM16(pcm), sampleRate, audio.Channels)

	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if lang := cfg.LanguageCode(); lang != "" {
		params.Language = oai.String(lang)
	}
	if cfg.Prompt != "" {
		params.Prompt = oai.String(cfg.Prompt)
	}
	if cfg.Temperature != nil {
		params.Temperature = oai.Float(*cfg.Temperature)
	}

	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity) {
			return "", fmt.Errorf("openai stt: %w: %v", stt.ErrConfigRejected, err)
		}
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}
