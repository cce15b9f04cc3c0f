package voice

// DefaultPacketSize is 200 ms of 24 kHz audio.
const DefaultPacketSize = 4800

// Packetizer coalesces small reply-audio fragments into packets of at least
// a threshold number of samples. Samples leave in arrival order and are
// never dropped except by Reset.
//
// A Packetizer is owned by a single goroutine and is not safe for concurrent
// use.
type Packetizer struct {
	threshold int
	acc       []int16
}

// NewPacketizer returns a Packetizer flushing at threshold samples. A
// threshold ≤ 0 selects [DefaultPacketSize].
func NewPacketizer(threshold int) *Packetizer {
	if threshold <= 0 {
		threshold = DefaultPacketSize
	}
	return &Packetizer{threshold: threshold}
}

// Push appends samples to the accumulator.
func (p *Packetizer) Push(samples []int16) {
	p.acc = append(p.acc, samples...)
}

// MaybeFlush returns the entire accumulator and clears it once it holds at
// least the threshold; otherwise it returns false and keeps the samples.
func (p *Packetizer) MaybeFlush() ([]int16, bool) {
	if len(p.acc) < p.threshold {
		return nil, false
	}
	return p.take(), true
}

// ForceFlush returns and clears any non-empty remainder. It is called at
// every lifecycle boundary so no audio outlives its turn.
func (p *Packetizer) ForceFlush() ([]int16, bool) {
	if len(p.acc) == 0 {
		return nil, false
	}
	return p.take(), true
}

// Reset discards the accumulator without returning it.
func (p *Packetizer) Reset() {
	p.acc = nil
}

// Len returns the number of accumulated samples.
func (p *Packetizer) Len() int {
	return len(p.acc)
}

// Threshold returns the packet size in samples.
func (p *Packetizer) Threshold() int {
	return p.threshold
}

func (p *Packetizer) take() []int16 {
	out := p.acc
	p.acc = nil
	return out
}
