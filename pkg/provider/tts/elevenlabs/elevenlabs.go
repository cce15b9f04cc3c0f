// Package elevenlabs synthesises reply audio through the ElevenLabs
// stream-input WebSocket. Output is requested as pcm_24000 so frames can be
// forwarded to the client without resampling.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/carevox/pkg/provider/tts"
)

const (
	defaultModel = "eleven_flash_v2_5"
	outputFormat = "pcm_24000"
)

// Provider streams text to ElevenLabs and returns PCM.
type Provider struct {
	apiKey     string
	model      string
	restBase   string
	wsBase     string
	stability  float64
	similarity float64
	client     *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// Option configures a [Provider].
type Option func(*Provider)

// WithModel selects the ElevenLabs model, e.g. "eleven_turbo_v2".
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL replaces https://api.elevenlabs.io. The WebSocket endpoint is
// derived from it by swapping the scheme.
func WithBaseURL(base string) Option {
	return func(p *Provider) {
		p.restBase = strings.TrimRight(base, "/")
		p.wsBase = "ws" + strings.TrimPrefix(p.restBase, "http")
	}
}

// WithVoiceSettings overrides the stability and similarity boost sent when a
// stream opens. Defaults are 0.5 and 0.75.
func WithVoiceSettings(stability, similarity float64) Option {
	return func(p *Provider) { p.stability, p.similarity = stability, similarity }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// New returns a provider authenticated with apiKey.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      defaultModel,
		stability:  0.5,
		similarity: 0.75,
		client:     http.DefaultClient,
	}
	WithBaseURL("https://api.elevenlabs.io")(p)
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ── stream-input protocol ──

type inputFrame struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed,omitempty"`
}

type outputFrame struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{"model_id": {p.model}, "output_format": {outputFormat}}
	return p.wsBase + "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/stream-input?" + q.Encode()
}

// SynthesizeStream implements tts.Provider. The returned channel closes when
// ElevenLabs marks the final frame, when the server reports an error, or
// when ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}
	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The opening frame authenticates and must carry non-empty text.
	open := inputFrame{
		Text:          " ",
		XiAPIKey:      p.apiKey,
		VoiceSettings: &voiceSettings{Stability: p.stability, SimilarityBoost: p.similarity, Speed: voice.SpeedFactor},
	}
	if err := writeFrame(ctx, conn, open); err != nil {
		conn.Close(websocket.StatusInternalError, "open failed")
		return nil, fmt.Errorf("elevenlabs: open stream: %w", err)
	}

	audio := make(chan []byte, 256)
	received := make(chan struct{})
	go func() {
		defer close(received)
		receive(ctx, conn, audio, voice.ID)
	}()
	go func() {
		defer close(audio)
		if !send(ctx, conn, text, received) {
			conn.CloseNow()
			<-received
			return
		}
		<-received
		conn.Close(websocket.StatusNormalClosure, "done")
	}()
	return audio, nil
}

// send forwards text fragments until the input closes, then asks the server
// to flush with an empty frame. It reports whether the flush was sent.
func send(ctx context.Context, conn *websocket.Conn, text <-chan string, received <-chan struct{}) bool {
	for {
		select {
		case s, ok := <-text:
			if !ok {
				return writeFrame(ctx, conn, inputFrame{Text: ""}) == nil
			}
			if s == "" {
				continue
			}
			if err := writeFrame(ctx, conn, inputFrame{Text: s + " "}); err != nil {
				return false
			}
		case <-received:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func receive(ctx context.Context, conn *websocket.Conn, audio chan<- []byte, voiceID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f outputFrame
		if json.Unmarshal(data, &f) != nil {
			continue
		}
		if f.Error != "" {
			slog.Warn("elevenlabs: stream error", "voice", voiceID, "error", f.Error, "message", f.Message)
			return
		}
		if f.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(f.Audio)
			if err != nil {
				continue
			}
			select {
			case audio <- pcm:
			case <-ctx.Done():
				return
			}
		}
		if f.IsFinal {
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f inputFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ── voices ──

// ListVoices implements tts.Provider. Voice labels and the category end up
// in [tts.VoiceProfile.Metadata].
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.restBase+"/v1/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: list voices: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs: list voices: status %d", resp.StatusCode)
	}

	var body struct {
		Voices []struct {
			ID       string            `json:"voice_id"`
			Name     string            `json:"name"`
			Category string            `json:"category"`
			Labels   map[string]string `json:"labels"`
		} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("elevenlabs: decode voices: %w", err)
	}

	out := make([]tts.VoiceProfile, len(body.Voices))
	for i, v := range body.Voices {
		meta := maps.Clone(v.Labels)
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		if v.Category != "" {
			meta["category"] = v.Category
		}
		out[i] = tts.VoiceProfile{ID: v.ID, Name: v.Name, Provider: "elevenlabs", Metadata: meta}
	}
	return out, nil
}
