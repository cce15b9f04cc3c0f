// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled transcripts and to verify which Config each
// request carried (for example that a rejected advanced config was followed by
// the degraded one).
//
// Example:
//
//	p := &mock.Provider{Texts: []string{"my head hurts"}}
//	text, _ := p.Transcribe(ctx, pcm, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/carevox/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the samples passed to Transcribe.
	PCM []int16
	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts supplies the result of successive calls: call i returns Texts[i].
	// Calls beyond the list reuse the last entry; an empty list returns "".
	Texts []string

	// Err, if non-nil, is returned by every call.
	Err error

	// RejectIf, when set, makes Transcribe return stt.ErrConfigRejected for
	// any Config it reports true for.
	RejectIf func(stt.Config) bool

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the scripted text or error.
func (p *Provider) Transcribe(ctx context.Context, pcm []int16, cfg stt.Config) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, PCM: append([]int16(nil), pcm...), Cfg: cfg})
	if p.Err != nil {
		return "", p.Err
	}
	if p.RejectIf != nil && p.RejectIf(cfg) {
		return "", stt.ErrConfigRejected
	}
	if len(p.Texts) == 0 {
		return "", nil
	}
	i := min(len(p.Calls)-1, len(p.Texts)-1)
	return p.Texts[i], nil
}

// TranscribeCalls returns a copy of the recorded calls.
func (p *Provider) TranscribeCalls() []TranscribeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TranscribeCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
