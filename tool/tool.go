// Package tool defines the agent-level tools the LLM executor can
// expose to a model during skill execution. A tool advertises a name,
// a description, and a JSON-schema parameter object; the executor
// forwards those as tool declarations and dispatches the model's tool
// calls back through Call.
package tool

import "context"

// Tool is one executable capability. Implementations must be safe for
// concurrent use and must honor context cancellation.
type Tool interface {
	// Name identifies the tool in declarations and tool calls.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema is the JSON-schema object describing Call's input.
	Schema() map[string]any

	// Call executes the tool. The input matches Schema; the output is
	// serialized back to the model as the tool result.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Set resolves tools by name for dispatching model tool calls.
type Set map[string]Tool

// NewSet builds a lookup from the given tools, last registration wins.
func NewSet(tools ...Tool) Set {
	set := make(Set, len(tools))
	for _, t := range tools {
		set[t.Name()] = t
	}
	return set
}

// Lookup returns the named tool.
func (s Set) Lookup(name string) (Tool, bool) {
	t, ok := s[name]
	return t, ok
}
