package tool

import (
	"context"
	"sync"
)

// MockTool is a configurable Tool for tests: queued responses, error
// injection, and call recording.
type MockTool struct {
	// ToolName is returned by Name.
	ToolName string

	// Responses are returned in order; the last repeats once consumed.
	Responses []map[string]any

	// Err, when set, is returned instead of a response.
	Err error

	// Calls records every input Call received.
	Calls []map[string]any

	mu        sync.Mutex
	callIndex int
}

var _ Tool = (*MockTool)(nil)

func (m *MockTool) Name() string        { return m.ToolName }
func (m *MockTool) Description() string { return "mock tool" }

func (m *MockTool) Schema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, input)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// CallCount reports how many times Call ran.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
