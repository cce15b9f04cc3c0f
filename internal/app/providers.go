package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/carevox/internal/config"
	"github.com/MrWong99/carevox/internal/observe"
	"github.com/MrWong99/carevox/internal/resilience"
	"github.com/MrWong99/carevox/pkg/provider/llm"
	"github.com/MrWong99/carevox/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/carevox/pkg/provider/llm/openai"
	"github.com/MrWong99/carevox/pkg/provider/stt"
	oaistt "github.com/MrWong99/carevox/pkg/provider/stt/openai"
	"github.com/MrWong99/carevox/pkg/provider/stt/whisper"
	"github.com/MrWong99/carevox/pkg/provider/tts"
	"github.com/MrWong99/carevox/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/carevox/pkg/provider/tts/openai"
)

// Providers holds one provider per pipeline stage. Each value is already
// wrapped in its fallback group. TTS may be nil, in which case sessions
// reply with text only.
type Providers struct {
	LLM           llm.Provider
	CorrectionLLM llm.Provider
	STT           stt.Provider
	TTS           tts.Provider
}

// anyllmBackends are the LLM names served through any-llm-go. "openai" has
// its own adapter built on openai-go.
var anyllmBackends = []string{
	"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// RegisterBuiltinProviders wires every provider implementation that ships
// with carevox into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if seed := optInt(entry.Options, "seed"); seed != 0 {
			opts = append(opts, oaillm.WithSeed(int64(seed)))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range anyllmBackends {
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(name, entry.Model, opts...)
		})
	}

	// ollama is a local server; it takes an address, not a key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaistt.WithTimeout(d))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────
	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaitts.WithTimeout(d))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if st, ok := entry.Options["stability"].(float64); ok {
			sim, _ := entry.Options["similarity_boost"].(float64)
			if sim == 0 {
				sim = 0.75
			}
			opts = append(opts, elevenlabs.WithVoiceSettings(st, sim))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// BuildProviders instantiates the providers named in cfg, each primary
// followed by its configured fallbacks behind per-backend circuit breakers.
// Failures of individual entries are counted on m when it is non-nil.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	pc := cfg.Providers
	fbCfg := func(kind string) resilience.FallbackConfig {
		return resilience.FallbackConfig{
			Breaker: resilience.BreakerConfig{
				MaxFailures: pc.CircuitBreaker.MaxFailures,
				Cooldown:    pc.CircuitBreaker.Cooldown,
				Probes:      pc.CircuitBreaker.Probes,
				OnStateChange: func(name string, _, to resilience.State) {
					if m != nil {
						m.RecordBreakerTransition(context.Background(), name, kind, to.String())
					}
				},
			},
			OnFailure: func(name string, err error) {
				slog.Warn("provider failed", "kind", kind, "name", name, "err", err)
				if m != nil {
					m.RecordProviderError(context.Background(), name, kind)
					m.RecordProviderRequest(context.Background(), name, kind, "error")
				}
			},
			OnSuccess: func(name string) {
				if m != nil {
					m.RecordProviderRequest(context.Background(), name, kind, "ok")
				}
			},
		}
	}

	ps := &Providers{}
	var errs []error

	if pc.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	} else {
		g, err := buildLLM(reg, pc.LLM, pc.Fallbacks.LLM, fbCfg("llm"))
		if err != nil {
			errs = append(errs, err)
		}
		ps.LLM = g
	}

	switch {
	case pc.CorrectionLLM.Name == "" || sameEntry(pc.CorrectionLLM, pc.LLM):
		ps.CorrectionLLM = ps.LLM
	default:
		g, err := buildLLM(reg, pc.CorrectionLLM, pc.Fallbacks.LLM, fbCfg("correction_llm"))
		if err != nil {
			errs = append(errs, err)
		}
		ps.CorrectionLLM = g
	}

	if pc.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	} else {
		primary, err := reg.CreateSTT(pc.STT)
		if err != nil {
			errs = append(errs, fmt.Errorf("stt %q: %w", pc.STT.Name, err))
		} else {
			g := resilience.NewSTT(pc.STT.Name, primary, fbCfg("stt"))
			for _, e := range pc.Fallbacks.STT {
				p, err := reg.CreateSTT(e)
				if err != nil {
					errs = append(errs, fmt.Errorf("stt fallback %q: %w", e.Name, err))
					continue
				}
				g.Add(e.Name, p)
			}
			ps.STT = g
		}
	}

	if pc.TTS.Name == "" {
		slog.Warn("no tts provider configured; sessions reply with text only")
	} else {
		primary, err := reg.CreateTTS(pc.TTS)
		if err != nil {
			errs = append(errs, fmt.Errorf("tts %q: %w", pc.TTS.Name, err))
		} else {
			g := resilience.NewTTS(pc.TTS.Name, primary, fbCfg("tts"))
			for _, e := range pc.Fallbacks.TTS {
				p, err := reg.CreateTTS(e)
				if err != nil {
					errs = append(errs, fmt.Errorf("tts fallback %q: %w", e.Name, err))
					continue
				}
				g.Add(e.Name, p)
			}
			ps.TTS = g
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("app: build providers: %w", err)
	}
	slog.Info("providers ready",
		"llm", pc.LLM.Name,
		"correction_llm", pc.CorrectionLLM.Name,
		"stt", pc.STT.Name,
		"tts", pc.TTS.Name,
		"llm_fallbacks", len(pc.Fallbacks.LLM),
		"stt_fallbacks", len(pc.Fallbacks.STT),
		"tts_fallbacks", len(pc.Fallbacks.TTS),
	)
	return ps, nil
}

func buildLLM(reg *config.Registry, primary config.ProviderEntry, fallbacks []config.ProviderEntry, cfg resilience.FallbackConfig) (llm.Provider, error) {
	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("llm %q: %w", primary.Name, err)
	}
	g := resilience.NewLLM(primary.Name, p, cfg)
	var errs []error
	for _, e := range fallbacks {
		fp, err := reg.CreateLLM(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("llm fallback %q: %w", e.Name, err))
			continue
		}
		g.Add(e.Name, fp)
	}
	return g, errors.Join(errs...)
}

func sameEntry(a, b config.ProviderEntry) bool {
	return a.Name == b.Name && a.Model == b.Model && a.BaseURL == b.BaseURL && a.APIKey == b.APIKey
}

// optString returns the string value of key in opts, or "".
func optString(opts map[string]any, key string) string {
	v, _ := opts[key].(string)
	return v
}

// optInt returns key in opts as an int. YAML decodes integers as int, JSON
// as float64; both are accepted.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses key in opts as a Go duration string ("30s"). Invalid or
// missing values yield zero.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
