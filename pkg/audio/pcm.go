// Package audio holds the PCM primitives shared by the voice pipeline.
//
// Audio travels through carevox as signed 16-bit little-endian mono PCM at
// [SampleRate]. On the wire (WebSocket binary frames, TTS output, STT uploads)
// it is a byte slice; inside the session it is a []int16 so that buffering
// and packetization can count samples rather than bytes.
package audio

import (
	"encoding/binary"
	"time"
)

const (
	// SampleRate is the fixed sample rate of client and reply audio in Hz.
	SampleRate = 24000

	// Channels is the fixed channel count of client and reply audio.
	Channels = 1

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2
)

// DecodePCM16 converts little-endian PCM16 bytes into samples. A trailing odd
// byte is ignored.
func DecodePCM16(b []byte) []int16 {
	n := len(b) / BytesPerSample
	samples := make([]int16, n)
	for i := range n {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	return samples
}

// EncodePCM16 converts samples into little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	b := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// MeanAbs returns the mean absolute amplitude of samples, the energy proxy
// used for silence detection. Returns 0 for an empty slice.
func MeanAbs(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v < 0 {
			v = -v
		}
		sum += v
	}
	return sum / float64(len(samples))
}

// Duration returns the playback duration of n mono samples at [SampleRate].
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// SampleStream reassembles PCM16 samples from a byte stream whose chunks may
// split a sample across boundaries (TTS providers stream arbitrary chunk
// sizes). The zero value is ready to use.
type SampleStream struct {
	carry []byte
}

// Write consumes chunk and returns every complete sample it finishes.
func (s *SampleStream) Write(chunk []byte) []int16 {
	if len(s.carry) > 0 {
		chunk = append(s.carry, chunk...)
		s.carry = nil
	}
	if len(chunk)%BytesPerSample != 0 {
		s.carry = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	return DecodePCM16(chunk)
}

// Pending reports whether half a sample is buffered.
func (s *SampleStream) Pending() bool { return len(s.carry) > 0 }
