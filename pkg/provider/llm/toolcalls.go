package llm

// ToolCallAssembler rebuilds tool calls from streamed fragments. Fragments of
// one call share an index; the ID and name arrive once, the JSON arguments
// arrive in pieces. The zero value is ready to use.
type ToolCallAssembler struct {
	calls []ToolCall
}

// Add merges one fragment into the call at idx.
func (a *ToolCallAssembler) Add(idx int, id, name, args string) {
	for len(a.calls) <= idx {
		a.calls = append(a.calls, ToolCall{})
	}
	tc := &a.calls[idx]
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// Len reports how many calls have been started.
func (a *ToolCallAssembler) Len() int { return len(a.calls) }

// Flush returns the calls in index order and resets the assembler. It
// returns nil when nothing was added.
func (a *ToolCallAssembler) Flush() []ToolCall {
	out := a.calls
	a.calls = nil
	return out
}
