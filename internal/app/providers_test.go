package app_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/carevox/internal/app"
	"github.com/MrWong99/carevox/internal/config"
	"github.com/MrWong99/carevox/internal/journal"
	"github.com/MrWong99/carevox/pkg/provider/llm"
	llmmock "github.com/MrWong99/carevox/pkg/provider/llm/mock"
	"github.com/MrWong99/carevox/pkg/provider/stt"
	sttmock "github.com/MrWong99/carevox/pkg/provider/stt/mock"
	"github.com/MrWong99/carevox/pkg/provider/tts"
	ttsmock "github.com/MrWong99/carevox/pkg/provider/tts/mock"
)

// mockRegistry registers mock factories; STT names map to fixed instances so
// tests can inspect their calls.
func mockRegistry(sttBackends map[string]*sttmock.Provider) *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"openai", "groq"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	}
	for name, p := range sttBackends {
		reg.RegisterSTT(name, func(config.ProviderEntry) (stt.Provider, error) { return p, nil })
	}
	reg.RegisterTTS("elevenlabs", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Provider, error) { return nil, errors.New("no key") })
	return reg
}

func TestBuildProviders_FallbackChain(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{Err: errors.New("503")}
	backup := &sttmock.Provider{Texts: []string{"chest pain"}}
	reg := mockRegistry(map[string]*sttmock.Provider{"openai": primary, "whisper": backup})

	cfg := testConfig()
	cfg.Providers = config.ProvidersConfig{
		LLM: config.ProviderEntry{Name: "openai", Model: "gpt-4o-mini"},
		STT: config.ProviderEntry{Name: "openai"},
		TTS: config.ProviderEntry{Name: "elevenlabs"},
		Fallbacks: config.FallbacksConfig{
			STT: []config.ProviderEntry{{Name: "whisper", BaseURL: "http://whisper:8080"}},
		},
	}
	config.ApplyDefaults(cfg)

	ps, err := app.BuildProviders(cfg, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.CorrectionLLM != ps.LLM {
		t.Error("correction llm should share the dialogue llm when configured identically")
	}
	if ps.TTS == nil {
		t.Error("tts should be built")
	}

	text, err := ps.STT.Transcribe(context.Background(), []int16{1, 2, 3}, stt.Config{})
	if err != nil || text != "chest pain" {
		t.Errorf("Transcribe via fallback = %q, %v", text, err)
	}
	if len(primary.TranscribeCalls()) != 1 || len(backup.TranscribeCalls()) != 1 {
		t.Error("primary then fallback should each be called once")
	}
}

func TestBuildProviders_SeparateCorrectionLLM(t *testing.T) {
	t.Parallel()

	reg := mockRegistry(map[string]*sttmock.Provider{"openai": {}})
	cfg := testConfig()
	cfg.Providers = config.ProvidersConfig{
		LLM:           config.ProviderEntry{Name: "openai", Model: "gpt-4o"},
		CorrectionLLM: config.ProviderEntry{Name: "groq", Model: "llama-3.1-8b-instant"},
		STT:           config.ProviderEntry{Name: "openai"},
	}

	ps, err := app.BuildProviders(cfg, reg, nil)
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.CorrectionLLM == ps.LLM {
		t.Error("a distinct correction llm should get its own provider")
	}
	if ps.TTS != nil {
		t.Error("tts should stay nil when not configured")
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()

	reg := mockRegistry(map[string]*sttmock.Provider{"openai": {}})
	cfg := testConfig()
	cfg.Providers = config.ProvidersConfig{
		TTS: config.ProviderEntry{Name: "broken"},
		Fallbacks: config.FallbacksConfig{
			LLM: []config.ProviderEntry{{Name: "openai"}},
		},
	}

	_, err := app.BuildProviders(cfg, reg, nil)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"providers.llm.name", "providers.stt.name", "no key"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	for kind, names := range config.ValidProviderNames {
		registered := reg.Names(kind)
		for _, n := range names {
			found := false
			for _, r := range registered {
				if r == n {
					found = true
				}
			}
			if !found {
				t.Errorf("%s provider %q is valid but not registered", kind, n)
			}
		}
	}

	// Factories validate their input instead of panicking.
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "openai"}); err == nil {
		t.Error("openai llm without api key or model should fail")
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{
		Name: "openai", APIKey: "sk-test", Model: "gpt-4o-mini",
		Options: map[string]any{"seed": 42, "timeout": "5s", "organization": "org-1"},
	}); err != nil {
		t.Errorf("openai llm with options: %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "whisper"}); err == nil {
		t.Error("whisper without base_url should fail")
	}
	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "elevenlabs"}); err == nil {
		t.Error("elevenlabs without api key should fail")
	}
}

func TestOpenJournal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.JournalConfig
		wantErr bool
		check   func(journal.Writer) bool
	}{
		{"none", config.JournalConfig{Backend: config.JournalNone}, false, func(w journal.Writer) bool { _, ok := w.(journal.Nop); return ok }},
		{"memory", config.JournalConfig{Backend: config.JournalMemory, MemoryLimit: 5}, false, func(w journal.Writer) bool { _, ok := w.(*journal.Memory); return ok }},
		{"unknown", config.JournalConfig{Backend: "sqlite"}, true, nil},
		{"bad postgres dsn", config.JournalConfig{Backend: config.JournalPostgres, PostgresDSN: "::not a dsn::"}, true, nil},
		{"bad redis url", config.JournalConfig{Backend: config.JournalRedis, RedisAddr: "redis://cache:notaport"}, true, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			w, err := app.OpenJournal(context.Background(), tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenJournal: %v", err)
			}
			defer w.Close()
			if !tc.check(w) {
				t.Errorf("unexpected writer type %T", w)
			}
		})
	}
}
