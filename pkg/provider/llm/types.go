package llm

// Message is one entry of a conversation sent to the model.
type Message struct {
	Role    string // "system", "user", "assistant" or "tool"
	Content string
	Name    string // optional speaker name, e.g. the agent that produced an assistant turn

	// ToolCalls are the calls an assistant message requested.
	ToolCalls []ToolCall

	// ToolCallID links a "tool" message to the call it answers.
	ToolCallID string
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID        string // assigned by the provider
	Name      string
	Arguments string // JSON object
}

// ToolDefinition offers a function to the model. carevox only offers the
// hand-off tools, one per reachable agent.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema of the arguments
}

// ResponseFormat constrains the shape of a completion.
type ResponseFormat string

const (
	// ResponseFormatText is free-form text (the provider default).
	ResponseFormatText ResponseFormat = ""

	// ResponseFormatJSON asks the model for a single JSON object. Providers
	// without a native JSON mode fall back to prompting for it, so callers
	// must still validate.
	ResponseFormatJSON ResponseFormat = "json_object"
)

// ModelCapabilities is static metadata about a model.
type ModelCapabilities struct {
	ContextWindow   int // input plus output tokens
	MaxOutputTokens int

	SupportsToolCalling bool

	// SupportsJSONMode reports that the provider enforces
	// [ResponseFormatJSON] natively rather than by instruction.
	SupportsJSONMode bool

	SupportsStreaming bool
}
