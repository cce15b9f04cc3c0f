package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "whisper"},
	"tts": {"openai", "elevenlabs"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultServiceName     = "carevox"
	DefaultMemoryLimit     = 1000
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset server, journal, and telemetry fields. Session
// tuning fields are left at zero; the session package owns those defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.ConnectRate.PerSecond > 0 && cfg.Server.ConnectRate.Burst == 0 {
		cfg.Server.ConnectRate.Burst = 1
	}
	if cfg.Journal.Backend == "" {
		cfg.Journal.Backend = JournalMemory
	}
	if cfg.Journal.Backend == JournalMemory && cfg.Journal.MemoryLimit == 0 {
		cfg.Journal.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	if cfg.Providers.CorrectionLLM.Name == "" {
		cfg.Providers.CorrectionLLM = cfg.Providers.LLM
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if cfg.Server.ConnectRate.PerSecond < 0 || cfg.Server.ConnectRate.Burst < 0 {
		errs = append(errs, errors.New("server.connect_rate values must not be negative"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", cfg.Providers.CorrectionLLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for i, fb := range cfg.Providers.Fallbacks.LLM {
		errs = append(errs, requireName(fmt.Sprintf("providers.fallbacks.llm[%d]", i), fb))
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.Fallbacks.STT {
		errs = append(errs, requireName(fmt.Sprintf("providers.fallbacks.stt[%d]", i), fb))
		validateProviderName("stt", fb.Name)
	}
	for i, fb := range cfg.Providers.Fallbacks.TTS {
		errs = append(errs, requireName(fmt.Sprintf("providers.fallbacks.tts[%d]", i), fb))
		validateProviderName("tts", fb.Name)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.Probes < 0 || cb.Cooldown < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; sessions will answer every turn with an apology")
	}

	// Session
	s := cfg.Session
	for name, v := range map[string]int{
		"flush_threshold":      s.FlushThreshold,
		"max_silence_run":      s.MaxSilenceRun,
		"packet_size":          s.PacketSize,
		"min_transcript_chars": s.MinTranscriptChars,
		"max_handoffs":         s.MaxHandoffs,
		"max_history_tokens":   s.MaxHistoryTokens,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("session.%s %d must not be negative", name, v))
		}
	}
	if s.SilenceThreshold < 0 || s.FrameFloor < 0 {
		errs = append(errs, errors.New("session.silence_threshold and session.frame_floor must not be negative"))
	}
	if s.ConfidenceGate < 0 || s.ConfidenceGate >= 1 {
		errs = append(errs, fmt.Errorf("session.confidence_gate %.2f is out of range [0, 1)", s.ConfidenceGate))
	}
	for name, d := range map[string]time.Duration{
		"gate_wait":          s.GateWait,
		"max_utterance":      s.MaxUtterance,
		"transcribe_timeout": s.TranscribeTimeout,
		"correct_timeout":    s.CorrectTimeout,
		"dialogue_timeout":   s.DialogueTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("session.%s %s must not be negative", name, d))
		}
	}

	// Voice
	if f := cfg.Voice.SpeedFactor; f != 0 && (f < 0.25 || f > 4.0) {
		errs = append(errs, fmt.Errorf("voice.speed %.2f is out of range [0.25, 4.0]", f))
	}
	if cfg.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("voice provider does not match configured TTS provider",
			"voice_provider", cfg.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	// Agents
	seen := make(map[string]int, len(cfg.Agents.Roster))
	for i, a := range cfg.Agents.Roster {
		prefix := fmt.Sprintf("agents.roster[%d]", i)
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[a.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of agents.roster[%d]", prefix, a.Name, prev))
		}
		seen[a.Name] = i
	}
	if cfg.Agents.Default != "" && len(cfg.Agents.Roster) > 0 {
		if _, ok := seen[cfg.Agents.Default]; !ok {
			errs = append(errs, fmt.Errorf("agents.default %q is not in agents.roster", cfg.Agents.Default))
		}
	}

	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Journal
	switch {
	case !cfg.Journal.Backend.IsValid():
		errs = append(errs, fmt.Errorf("journal.backend %q is invalid; valid values: none, memory, postgres, redis", cfg.Journal.Backend))
	case cfg.Journal.Backend == JournalPostgres && cfg.Journal.PostgresDSN == "":
		errs = append(errs, errors.New("journal.postgres_dsn is required when backend is postgres"))
	case cfg.Journal.Backend == JournalRedis && cfg.Journal.RedisAddr == "":
		errs = append(errs, errors.New("journal.redis_addr is required when backend is redis"))
	}
	if cfg.Journal.MemoryLimit < 0 {
		errs = append(errs, fmt.Errorf("journal.memory_limit %d must not be negative", cfg.Journal.MemoryLimit))
	}

	return errors.Join(errs...)
}

func requireName(prefix string, e ProviderEntry) error {
	if e.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
