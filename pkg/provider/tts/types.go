package tts

// VoiceProfile describes the synthesis voice used for assistant replies.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "alloy" for OpenAI,
	// a voice_id for ElevenLabs).
	ID string `yaml:"id"`

	// Name is the human-readable voice name.
	Name string `yaml:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `yaml:"provider"`

	// SpeedFactor adjusts speaking rate (0.25–4.0, 0 or 1.0 = default).
	SpeedFactor float64 `yaml:"speed"`

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string `yaml:"metadata"`
}
