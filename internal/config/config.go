// Package config provides the configuration schema, loader, and provider registry
// for the carevox voice session server.
package config

import (
	"time"

	"github.com/MrWong99/carevox/internal/dialogue"
	"github.com/MrWong99/carevox/pkg/provider/stt"
	"github.com/MrWong99/carevox/pkg/provider/tts"
)

// LogLevel controls log verbosity for the carevox server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// JournalBackend selects where committed turns are recorded.
type JournalBackend string

const (
	// JournalNone discards every entry.
	JournalNone JournalBackend = "none"

	// JournalMemory keeps a bounded in-process ring of entries.
	JournalMemory JournalBackend = "memory"

	// JournalPostgres writes entries to a PostgreSQL table.
	JournalPostgres JournalBackend = "postgres"

	// JournalRedis appends entries to a Redis stream.
	JournalRedis JournalBackend = "redis"
)

// IsValid reports whether b is a recognised journal backend.
func (b JournalBackend) IsValid() bool {
	switch b {
	case JournalNone, JournalMemory, JournalPostgres, JournalRedis:
		return true
	}
	return false
}

// Config is the root configuration structure for carevox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers ProvidersConfig  `yaml:"providers"`
	Session   SessionConfig    `yaml:"session"`
	Voice     tts.VoiceProfile `yaml:"voice"`
	Agents    AgentsConfig     `yaml:"agents"`
	Journal   JournalConfig    `yaml:"journal"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network, admission, and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxSessions caps concurrently open voice sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// ConnectRate limits how fast new sessions may be opened.
	ConnectRate RateConfig `yaml:"connect_rate"`

	// AllowedOrigins lists host patterns (path.Match syntax) whose browsers
	// may open a session. Empty allows same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// RateConfig is a token bucket. A zero PerSecond disables limiting.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// LLM drives the dialogue agents.
	LLM ProviderEntry `yaml:"llm"`

	// CorrectionLLM is used for transcript correction. Empty falls back to LLM.
	CorrectionLLM ProviderEntry `yaml:"correction_llm"`

	STT ProviderEntry `yaml:"stt"`
	TTS ProviderEntry `yaml:"tts"`

	// Fallbacks are tried in order when the primary of the same kind fails.
	Fallbacks FallbacksConfig `yaml:"fallbacks"`

	// CircuitBreaker tunes the breaker wrapped around every provider.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// FallbacksConfig lists secondary providers per kind.
type FallbacksConfig struct {
	LLM []ProviderEntry `yaml:"llm"`
	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`
}

// CircuitBreakerConfig mirrors the resilience breaker settings. Zero values
// select the resilience package defaults.
type CircuitBreakerConfig struct {
	// MaxFailures consecutive failures open a backend's breaker.
	MaxFailures int `yaml:"max_failures"`

	// Cooldown is how long an open breaker skips its backend.
	Cooldown time.Duration `yaml:"cooldown"`

	// Probes successful trial calls close the breaker again.
	Probes int `yaml:"probes"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// SessionConfig tunes the per-connection voice pipeline. Zero values select
// the defaults applied by [ApplyDefaults].
type SessionConfig struct {
	// FlushThreshold is the number of buffered samples that triggers a flush.
	FlushThreshold int `yaml:"flush_threshold"`

	// SilenceThreshold is the mean absolute amplitude below which a flushed
	// chunk counts as silent.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// MaxSilenceRun is the number of consecutive silent flushes that ends an
	// utterance without an explicit end_of_speech.
	MaxSilenceRun int `yaml:"max_silence_run"`

	// MaxUtterance caps the audio held for one utterance. A client that
	// keeps talking past it has the utterance committed as if it had sent
	// end_of_speech.
	MaxUtterance time.Duration `yaml:"max_utterance"`

	// FrameFloor drops inbound frames whose mean absolute amplitude is below it.
	FrameFloor float64 `yaml:"frame_floor"`

	// PacketSize is the outbound packet size in samples.
	PacketSize int `yaml:"packet_size"`

	// MinTranscriptChars skips transcripts shorter than this after trimming.
	MinTranscriptChars int `yaml:"min_transcript_chars"`

	// ConfidenceGate is the correction confidence that must be exceeded for
	// the corrected text to be used.
	ConfidenceGate float64 `yaml:"confidence_gate"`

	// GateWait bounds one wait for end of speech before the loop re-checks.
	GateWait time.Duration `yaml:"gate_wait"`

	// TranscribeTimeout bounds one STT call.
	TranscribeTimeout time.Duration `yaml:"transcribe_timeout"`

	// CorrectTimeout bounds one correction call.
	CorrectTimeout time.Duration `yaml:"correct_timeout"`

	// DialogueTimeout bounds a whole dialogue turn including synthesis.
	DialogueTimeout time.Duration `yaml:"dialogue_timeout"`

	// MaxHandoffs bounds agent transfers within one turn.
	MaxHandoffs int `yaml:"max_handoffs"`

	// MaxHistoryTokens windows the history sent to the dialogue model.
	// Zero sends everything.
	MaxHistoryTokens int `yaml:"max_history_tokens"`

	// STT holds the advanced and degraded recognition configs.
	STT STTConfigs `yaml:"stt"`
}

// STTConfigs pairs the preferred recognition config with the one retried
// when a provider rejects it.
type STTConfigs struct {
	Advanced stt.Config `yaml:"advanced"`
	Degraded stt.Config `yaml:"degraded"`
}

// AgentsConfig is the dialogue roster. An empty Roster selects the built-in
// triage and specialist agents.
type AgentsConfig struct {
	// Default names the agent that starts every session.
	Default string `yaml:"default"`

	Roster []dialogue.Agent `yaml:"roster"`
}

// JournalConfig selects the turn journal backend.
type JournalConfig struct {
	// Backend is one of none, memory, postgres, redis. Default: memory.
	Backend JournalBackend `yaml:"backend"`

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr is a host:port or redis:// URL for the redis backend.
	RedisAddr string `yaml:"redis_addr"`

	// RedisStream overrides the stream key for the redis backend.
	RedisStream string `yaml:"redis_stream"`

	// MemoryLimit caps the memory backend. Default: 1000.
	MemoryLimit int `yaml:"memory_limit"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported as the OpenTelemetry service.name. Default: carevox.
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of sessions traced. Zero traces all.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
