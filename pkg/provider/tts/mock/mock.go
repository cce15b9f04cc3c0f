// Package mock is a scripted [tts.Provider]. It turns every text fragment it
// receives into configured audio and remembers what it was asked to say.
//
//	p := &mock.Provider{PerFragment: func(s string) [][]byte { return [][]byte{pcmFor(s)} }}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/carevox/pkg/provider/tts"
)

// Provider replays configured audio. The zero value consumes text silently.
type Provider struct {
	// SynthesizeChunks is emitted for each fragment unless PerFragment is set.
	SynthesizeChunks [][]byte

	// PerFragment chooses the audio for one fragment.
	PerFragment func(text string) [][]byte

	// SynthesizeErr fails SynthesizeStream before a channel is opened.
	SynthesizeErr error

	ListVoicesResult []tts.VoiceProfile
	ListVoicesErr    error

	mu        sync.Mutex
	voices    []tts.VoiceProfile
	fragments []string
}

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream implements tts.Provider. The audio channel closes once
// text is closed and drained, or when ctx ends.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.voices = append(p.voices, voice)
	err := p.SynthesizeErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case frag, ok := <-text:
				if !ok {
					return
				}
				for _, b := range p.speak(frag) {
					select {
					case out <- b:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

func (p *Provider) speak(frag string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fragments = append(p.fragments, frag)
	audio := p.SynthesizeChunks
	if p.PerFragment != nil {
		audio = p.PerFragment(frag)
	}
	out := make([][]byte, len(audio))
	for i, b := range audio {
		out[i] = slices.Clone(b)
	}
	return out
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	return p.ListVoicesResult, p.ListVoicesErr
}

// ReceivedFragments returns every fragment received across all streams.
func (p *Provider) ReceivedFragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.fragments)
}

// Voices returns the voice of each SynthesizeStream call in order.
func (p *Provider) Voices() []tts.VoiceProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.voices)
}
