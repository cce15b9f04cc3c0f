package session

// State is the phase of a session's outbound pipeline.
type State int

const (
	// StateIdle waits for the first chunk of the next utterance.
	StateIdle State = iota

	// StateListening buffers an utterance until end of speech.
	StateListening

	// StateCorrecting transcribes and corrects a committed utterance.
	StateCorrecting

	// StateResponding streams the dialogue reply and its audio.
	StateResponding

	// StateErrorRecovery converts a failed turn into an apology.
	StateErrorRecovery
)

// String returns the lower-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateCorrecting:
		return "correcting"
	case StateResponding:
		return "responding"
	case StateErrorRecovery:
		return "error_recovery"
	}
	return "unknown"
}
