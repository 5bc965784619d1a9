package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
// Each Chat call returns the next entry in Responses; once exhausted, the
// last entry repeats. Set Err to fail every call, or ErrOnce to fail only
// the next call (e.g. to exercise retry paths). Every invocation is
// recorded in Calls.
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: `{"next_agent":"sum","reasoning":"ready"}`}},
//	}
type MockChatModel struct {
	Responses []ChatOut
	Err       error
	ErrOnce   error

	Calls []MockChatCall

	mu    sync.Mutex
	index int
}

// MockChatCall records one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})

	if m.ErrOnce != nil {
		err := m.ErrOnce
		m.ErrOnce = nil
		return ChatOut{}, err
	}
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}
	out := m.Responses[m.index]
	if m.index < len(m.Responses)-1 {
		m.index++
	}
	return out, nil
}

// CallCount returns how many times Chat was invoked.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent invocation, or false if none happened.
func (m *MockChatModel) LastCall() (MockChatCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockChatCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}
