// Package mock is a scripted [llm.Provider] for tests of the corrector, the
// dialogue runner and the session controller.
//
//	p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: `{"corrected_text":"Hi"}`}}
//	p := &mock.Provider{StreamScript: [][]llm.Chunk{handoff, reply}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/carevox/pkg/provider/llm"
)

// Call is one recorded request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays configured responses. The zero value streams nothing and
// completes with (nil, nil).
type Provider struct {
	// StreamChunks is emitted by every stream unless StreamScript is set.
	StreamChunks []llm.Chunk

	// StreamScript[i] is emitted by the i-th stream; later streams repeat the
	// last entry.
	StreamScript [][]llm.Chunk

	// StreamErr fails StreamCompletion before a channel is opened.
	StreamErr error

	// Block holds every stream until it is closed or the context ends.
	Block chan struct{}

	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	ModelCapabilities llm.ModelCapabilities

	mu        sync.Mutex
	streams   []Call
	completes []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	n := len(p.streams)
	p.streams = append(p.streams, Call{Ctx: ctx, Req: req})
	err, block := p.StreamErr, p.Block
	chunks := p.StreamChunks
	if len(p.StreamScript) > 0 {
		chunks = p.StreamScript[min(n, len(p.StreamScript)-1)]
	}
	chunks = slices.Clone(chunks)
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completes = append(p.completes, Call{Ctx: ctx, Req: req})
	return p.CompleteResponse, p.CompleteErr
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.ModelCapabilities }

// Streams returns the StreamCompletion calls so far.
func (p *Provider) Streams() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.streams)
}

// Completes returns the Complete calls so far.
func (p *Provider) Completes() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.completes)
}
