// Package anyllm serves every non-OpenAI chat backend through
// github.com/mozilla-ai/any-llm-go, so the corrector and the dialogue runner
// can run on Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp or
// llamafile without their own adapters.
//
// any-llm-go has no portable JSON mode. [llm.ResponseFormatJSON] is emulated
// with a system prompt instruction and callers validate the result.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/carevox/pkg/provider/llm"
)

const jsonInstruction = "\n\nRespond with a single valid JSON object and nothing else."

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

// constructors maps backend names to their any-llm-go constructors. Each
// adapter returns its concrete type, hence the wrapping.
var constructors = map[string]constructor{
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
}

// Backends returns the accepted backend names in sorted order.
func Backends() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Provider adapts one any-llm-go backend and model to [llm.Provider].
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ llm.Provider = (*Provider)(nil)

// New connects to the named backend (case-insensitive). Without
// anyllmlib.WithAPIKey the backend reads its usual environment variable, such
// as ANTHROPIC_API_KEY.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	switch {
	case backend == "":
		return nil, errors.New("anyllm: backend must not be empty")
	case model == "":
		return nil, errors.New("anyllm: model must not be empty")
	}
	ctor, ok := constructors[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", backend, strings.Join(Backends(), ", "))
	}
	b, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", backend, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return capabilitiesFor(p.model) }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.params(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("anyllm: complete: response has no choices")
	}

	msg := resp.Choices[0].Message
	out := &llm.CompletionResponse{Content: msg.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	ch := make(chan llm.Chunk, 32)
	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(ch)

		var calls llm.ToolCallAssembler
		for ev := range chunks {
			if len(ev.Choices) == 0 {
				continue
			}
			choice := ev.Choices[0]
			// any-llm-go normalises deltas without a stream index; a
			// fragment's position in the delta identifies its call.
			for i, d := range choice.Delta.ToolCalls {
				calls.Add(i, d.ID, d.Function.Name, d.Function.Arguments)
			}
			c := llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason}
			if c.FinishReason != "" {
				c.ToolCalls = calls.Flush()
			}
			if c.Text == "" && c.FinishReason == "" {
				continue
			}
			if !send(c) {
				return
			}
		}
		if err := <-errs; err != nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()
	return ch, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	out := anyllmlib.CompletionParams{Model: p.model}

	system := req.SystemPrompt
	if req.ResponseFormat == llm.ResponseFormatJSON {
		system += jsonInstruction
	}
	if system != "" {
		out.Messages = append(out.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toMessage(m))
	}

	if req.Temperature != 0 {
		out.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = &req.MaxTokens
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anyllmlib.Tool{
			Type:     "function",
			Function: anyllmlib.Function{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	return out
}

func toMessage(m llm.Message) anyllmlib.Message {
	out := anyllmlib.Message{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, anyllmlib.ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: anyllmlib.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}

// families is ordered most specific first. JSON mode is never native here.
var families = []struct {
	prefix string
	caps   llm.ModelCapabilities
}{
	{"gpt-4o", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true, SupportsStreaming: true}},
	{"o1-mini", llm.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536, SupportsStreaming: true}},
	{"claude", llm.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true}},
	{"gemini", llm.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true}},
	{"deepseek", llm.ModelCapabilities{ContextWindow: 64_000, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true}},
	{"mistral", llm.ModelCapabilities{ContextWindow: 32_000, MaxOutputTokens: 8_192, SupportsToolCalling: true, SupportsStreaming: true}},
	{"llama", llm.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 2_048, SupportsStreaming: true}},
}

func capabilitiesFor(model string) llm.ModelCapabilities {
	name := strings.ToLower(model)
	for _, f := range families {
		if strings.HasPrefix(name, f.prefix) {
			return f.caps
		}
	}
	return llm.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}
