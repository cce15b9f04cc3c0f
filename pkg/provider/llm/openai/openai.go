// Package openai adapts the OpenAI Chat Completions API to [llm.Provider].
//
// carevox uses it twice per turn: once in JSON mode to correct the raw
// transcript, and once streaming to produce the agent's reply, optionally
// ending in a hand-off tool call.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/carevox/pkg/provider/llm"
)

// Provider talks to one OpenAI chat model.
type Provider struct {
	client oai.Client
	model  string
	seed   int64
	caps   llm.ModelCapabilities
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	reqOpts []option.RequestOption
	timeout time.Duration
	seed    int64
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithBaseURL(url)) }
}

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds every HTTP request, including streamed ones.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithSeed asks the model for best-effort deterministic sampling. Useful for
// the correction model, where the same transcript should correct the same way.
func WithSeed(seed int64) Option {
	return func(s *settings) { s.seed = seed }
}

// New returns a provider for model, authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: apiKey must not be empty")
	case model == "":
		return nil, errors.New("openai: model must not be empty")
	}

	var s settings
	for _, o := range opts {
		o(&s)
	}
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey)}, s.reqOpts...)
	if s.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  model,
		seed:   s.seed,
		caps:   capabilitiesFor(model),
	}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities { return p.caps }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: complete: response has no choices")
	}

	msg := resp.Choices[0].Message
	out := &llm.CompletionResponse{
		Content: msg.Content,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

// StreamCompletion implements llm.Provider. Tool call fragments are buffered
// and delivered whole on the chunk that carries the finish reason.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: open stream: %w", err)
	}

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
		defer stream.Close()

		var calls llm.ToolCallAssembler
		for stream.Next() {
			ev := stream.Current()
			if len(ev.Choices) == 0 {
				continue
			}
			choice := ev.Choices[0]
			for _, d := range choice.Delta.ToolCalls {
				calls.Add(int(d.Index), d.ID, d.Function.Name, d.Function.Arguments)
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
		if err := stream.Err(); err != nil {
			send(llm.Chunk{FinishReason: llm.FinishReasonError, Text: err.Error()})
		}
	}()
	return ch, nil
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		pm, err := toParam(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: message %d: %w", i, err)
		}
		msgs = append(msgs, pm)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if p.seed != 0 {
		params.Seed = param.NewOpt(p.seed)
	}
	if req.ResponseFormat == llm.ResponseFormatJSON && p.caps.SupportsJSONMode {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}
	return params, nil
}

func toParam(m llm.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	case "assistant":
		var a oai.ChatCompletionAssistantMessageParam
		if m.Content != "" {
			a.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			a.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			a.ToolCalls = append(a.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID:       tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &a}, nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("unknown role %q", m.Role)
}

// capabilityRules are matched in order against the lower-cased model name;
// the first matching prefix wins.
var capabilityRules = []struct {
	prefix string
	apply  func(*llm.ModelCapabilities)
}{
	{"gpt-4o", func(c *llm.ModelCapabilities) { c.MaxOutputTokens = 16_384 }},
	{"gpt-4.1", func(c *llm.ModelCapabilities) { c.MaxOutputTokens = 32_768; c.ContextWindow = 1_047_576 }},
	{"gpt-4-turbo", func(*llm.ModelCapabilities) {}},
	{"gpt-4", func(c *llm.ModelCapabilities) { c.ContextWindow = 8_192; c.SupportsJSONMode = false }},
	{"gpt-3.5-turbo", func(c *llm.ModelCapabilities) { c.ContextWindow = 16_385 }},
	{"o1-mini", func(c *llm.ModelCapabilities) {
		c.MaxOutputTokens = 65_536
		c.SupportsToolCalling = false
		c.SupportsJSONMode = false
	}},
	{"o1", func(c *llm.ModelCapabilities) { c.ContextWindow, c.MaxOutputTokens = 200_000, 100_000 }},
	{"o3", func(c *llm.ModelCapabilities) { c.ContextWindow, c.MaxOutputTokens = 200_000, 100_000 }},
}

func capabilitiesFor(model string) llm.ModelCapabilities {
	caps := llm.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsJSONMode:    true,
		SupportsStreaming:   true,
	}
	name := strings.ToLower(model)
	for _, r := range capabilityRules {
		if strings.HasPrefix(name, r.prefix) {
			r.apply(&caps)
			break
		}
	}
	return caps
}
