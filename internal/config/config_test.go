package config_test

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/carevox/internal/config"
	"github.com/MrWong99/carevox/pkg/provider/llm"
	llmmock "github.com/MrWong99/carevox/pkg/provider/llm/mock"
	"github.com/MrWong99/carevox/pkg/provider/stt"
	sttmock "github.com/MrWong99/carevox/pkg/provider/stt/mock"
	"github.com/MrWong99/carevox/pkg/provider/tts"
	ttsmock "github.com/MrWong99/carevox/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  max_sessions: 50
  connect_rate:
    per_second: 5
    burst: 10
  allowed_origins: ["*.clinic.example"]

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  stt:
    name: openai
    api_key: sk-test
    model: gpt-4o-transcribe
  tts:
    name: elevenlabs
    api_key: el-test
  fallbacks:
    llm:
      - name: anthropic
        api_key: ant-test
        model: claude-3-5-haiku-latest
    stt:
      - name: whisper
        base_url: http://localhost:8178
  circuit_breaker:
    max_failures: 3
    cooldown: 10s

session:
  gate_wait: 500ms
  correct_timeout: 4s
  dialogue_timeout: 30s
  confidence_gate: 0.6
  stt:
    advanced:
      prompt: "Medical consultation."
      language: en-US
      temperature: 0
      turn_detection:
        type: server_vad
        threshold: 0.5
        prefix_padding_ms: 300
        silence_duration_ms: 200
    degraded:
      language: hi
      turn_detection:
        type: server_vad

voice:
  id: 21m00Tcm4TlvDq8ikWAM
  name: Rachel
  provider: elevenlabs
  speed: 1.1

agents:
  default: Intake
  roster:
    - name: Intake
      instructions: Greet the patient.
      handoffs: [Nurse]
    - name: Nurse
      instructions: Ask about symptoms.

journal:
  backend: redis
  redis_addr: localhost:6379

telemetry:
  service_name: carevox-test
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.ConnectRate.Burst != 10 || cfg.Server.MaxSessions != 50 {
		t.Errorf("server admission: got %+v max=%d", cfg.Server.ConnectRate, cfg.Server.MaxSessions)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "*.clinic.example" {
		t.Errorf("server.allowed_origins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Providers.CorrectionLLM.Name != "openai" {
		t.Errorf("providers.correction_llm should default to providers.llm, got %q", cfg.Providers.CorrectionLLM.Name)
	}
	if len(cfg.Providers.Fallbacks.LLM) != 1 || cfg.Providers.Fallbacks.STT[0].Name != "whisper" {
		t.Errorf("providers.fallbacks: got %+v", cfg.Providers.Fallbacks)
	}
	if cfg.Providers.CircuitBreaker.Cooldown != 10*time.Second {
		t.Errorf("circuit_breaker.cooldown: got %s", cfg.Providers.CircuitBreaker.Cooldown)
	}
	if cfg.Session.GateWait != 500*time.Millisecond {
		t.Errorf("session.gate_wait: got %s", cfg.Session.GateWait)
	}
	adv := cfg.Session.STT.Advanced
	if adv.Language != "en-US" || adv.TurnDetection == nil || adv.TurnDetection.SilenceDurationMs != 200 {
		t.Errorf("session.stt.advanced: got %+v", adv)
	}
	if adv.Temperature == nil || *adv.Temperature != 0 {
		t.Error("session.stt.advanced.temperature: want explicit 0")
	}
	if cfg.Session.STT.Degraded.Language != "hi" {
		t.Errorf("session.stt.degraded.language: got %q", cfg.Session.STT.Degraded.Language)
	}
	if cfg.Voice.SpeedFactor != 1.1 || cfg.Voice.Provider != "elevenlabs" {
		t.Errorf("voice: got %+v", cfg.Voice)
	}
	if len(cfg.Agents.Roster) != 2 || cfg.Agents.Roster[0].Handoffs[0] != "Nurse" {
		t.Errorf("agents.roster: got %+v", cfg.Agents.Roster)
	}
	if cfg.Journal.Backend != config.JournalRedis {
		t.Errorf("journal.backend: got %q", cfg.Journal.Backend)
	}
	if cfg.Telemetry.ServiceName != "carevox-test" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_EmptyAppliesDefaults(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q", cfg.Server.LogLevel)
		}
		if cfg.Journal.Backend != config.JournalMemory || cfg.Journal.MemoryLimit != config.DefaultMemoryLimit {
			t.Errorf("journal: got %+v", cfg.Journal)
		}
		if cfg.Telemetry.ServiceName != config.DefaultServiceName {
			t.Errorf("service_name: got %q", cfg.Telemetry.ServiceName)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("personas: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_InvalidSpeedFactor(t *testing.T) {
	yaml := `
voice:
  id: alloy
  speed: 9
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "voice.speed") {
		t.Fatalf("expected voice.speed error, got %v", err)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	_, errLLM := reg.CreateLLM(entry)
	_, errSTT := reg.CreateSTT(entry)
	_, errTTS := reg.CreateTTS(entry)
	for kind, err := range map[string]error{"llm": errLLM, "stt": errSTT, "tts": errTTS} {
		if !errors.Is(err, config.ErrProviderNotRegistered) {
			t.Errorf("%s: expected ErrProviderNotRegistered, got: %v", kind, err)
		}
		if !strings.Contains(err.Error(), kind+"/") {
			t.Errorf("%s: error should name the kind, got: %v", kind, err)
		}
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	wantLLM := &llmmock.Provider{}
	wantSTT := &sttmock.Provider{}
	wantTTS := &ttsmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return wantLLM, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return wantSTT, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Provider, error) { return wantTTS, nil })

	entry := config.ProviderEntry{Name: "stub", Model: "m"}
	if got, err := reg.CreateLLM(entry); err != nil || got != wantLLM {
		t.Errorf("CreateLLM: got %v, %v", got, err)
	}
	if gotEntry.Model != "m" {
		t.Errorf("factory received entry %+v", gotEntry)
	}
	if got, err := reg.CreateSTT(entry); err != nil || got != wantSTT {
		t.Errorf("CreateSTT: got %v, %v", got, err)
	}
	if got, err := reg.CreateTTS(entry); err != nil || got != wantTTS {
		t.Errorf("CreateTTS: got %v, %v", got, err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
	if errors.Is(err, config.ErrProviderNotRegistered) {
		t.Error("factory failure must not look like a missing registration")
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	noop := func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil }
	reg.RegisterSTT("whisper", noop)
	reg.RegisterSTT("openai", noop)

	if got := reg.Names("stt"); !slices.Equal(got, []string{"openai", "whisper"}) {
		t.Errorf("Names(stt): got %v", got)
	}
	if got := reg.Names("llm"); len(got) != 0 {
		t.Errorf("Names(llm): got %v", got)
	}
	if got := reg.Names("s2s"); got != nil {
		t.Errorf("Names(s2s): got %v", got)
	}
}
