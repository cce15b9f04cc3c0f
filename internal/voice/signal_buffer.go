// Package voice implements the per-session audio plumbing between the client
// connection and the speech pipeline: inbound buffering with energy-based
// silence tracking ([SignalBuffer]), the end-of-speech signal ([Gate]),
// outbound re-packetization ([Packetizer]) and sentence segmentation of reply
// text for synthesis ([SentenceSplitter]).
//
// None of these types are shared across sessions.
package voice

import (
	"sync"

	"github.com/MrWong99/carevox/pkg/audio"
)

const (
	// DefaultFlushThreshold is one second of 24 kHz audio.
	DefaultFlushThreshold = audio.SampleRate

	// DefaultSilenceThreshold is the mean absolute amplitude below which a
	// flushed chunk counts as silence.
	DefaultSilenceThreshold = 100.0

	// DefaultMaxSilenceRun is the number of consecutive silent flushes after
	// which [SignalBuffer.SilenceExceeded] reports true.
	DefaultMaxSilenceRun = 30
)

// Option configures a SignalBuffer.
type Option func(*SignalBuffer)

// WithFlushThreshold sets the number of pending samples that must be
// exceeded before the buffer flushes. Values ≤ 0 are ignored.
func WithFlushThreshold(n int) Option {
	return func(b *SignalBuffer) {
		if n > 0 {
			b.flushThreshold = n
		}
	}
}

// WithSilenceThreshold sets the mean-abs energy under which a flush counts as
// silent.
func WithSilenceThreshold(v float64) Option {
	return func(b *SignalBuffer) {
		b.silenceThreshold = v
	}
}

// WithMaxSilenceRun sets the silent-flush count reported by
// [SignalBuffer.SilenceExceeded]. Values ≤ 0 are ignored.
func WithMaxSilenceRun(n int) Option {
	return func(b *SignalBuffer) {
		if n > 0 {
			b.maxSilenceRun = n
		}
	}
}

// SignalBuffer accumulates inbound samples and forwards them downstream in
// roughly one-second chunks, tracking how many consecutive chunks were
// silent. Forwarding a chunk does not mark an utterance boundary; that is the
// job of the [Gate] and of the silence run.
//
// Add and SignalEndOfSpeech may be called from one goroutine while another
// waits on the current gate or reads the accessors.
type SignalBuffer struct {
	sink func([]int16)

	flushThreshold   int
	silenceThreshold float64
	maxSilenceRun    int

	mu         sync.Mutex
	pending    []int16
	silenceRun int
	gate       *Gate
}

// NewSignalBuffer returns a buffer that hands flushed chunks to sink. sink is
// called without the buffer's lock held and must not block; ownership of the
// slice passes to sink.
func NewSignalBuffer(sink func([]int16), opts ...Option) *SignalBuffer {
	b := &SignalBuffer{
		sink:             sink,
		flushThreshold:   DefaultFlushThreshold,
		silenceThreshold: DefaultSilenceThreshold,
		maxSilenceRun:    DefaultMaxSilenceRun,
		gate:             NewGate(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Add appends frame to the pending samples. Once more than the flush
// threshold has accumulated, the chunk's energy updates the silence run and
// the whole chunk is forwarded to the sink.
func (b *SignalBuffer) Add(frame []int16) {
	if len(frame) == 0 {
		return
	}

	b.mu.Lock()
	b.pending = append(b.pending, frame...)
	if len(b.pending) <= b.flushThreshold {
		b.mu.Unlock()
		return
	}
	chunk := b.pending
	b.pending = nil
	if audio.MeanAbs(chunk) < b.silenceThreshold {
		b.silenceRun++
	} else {
		b.silenceRun = 0
	}
	b.mu.Unlock()

	b.sink(chunk)
}

// SignalEndOfSpeech forwards any non-empty remainder and then fires the
// current gate, so a consumer woken by the gate already has every sample of
// the utterance.
func (b *SignalBuffer) SignalEndOfSpeech() {
	b.mu.Lock()
	chunk := b.pending
	b.pending = nil
	gate := b.gate
	b.mu.Unlock()

	if len(chunk) > 0 {
		b.sink(chunk)
	}
	gate.Signal()
}

// SilenceRun returns the number of consecutive silent flushes.
func (b *SignalBuffer) SilenceRun() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.silenceRun
}

// MaxSilenceRun returns the configured silence-run limit.
func (b *SignalBuffer) MaxSilenceRun() int {
	return b.maxSilenceRun
}

// SilenceExceeded reports whether the silence run has reached the limit.
func (b *SignalBuffer) SilenceExceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.silenceRun >= b.maxSilenceRun
}

// Pending returns the number of samples not yet forwarded.
func (b *SignalBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Reset discards pending samples and clears the silence run. The current
// gate is left untouched.
func (b *SignalBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.silenceRun = 0
}

// Gate returns the gate for the utterance currently being captured.
func (b *SignalBuffer) Gate() *Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gate
}

// Rearm installs and returns a fresh gate for the next utterance and clears
// the silence run. Signals sent before Rearm belong to the previous
// utterance and do not carry over.
func (b *SignalBuffer) Rearm() *Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = NewGate()
	b.silenceRun = 0
	return b.gate
}
