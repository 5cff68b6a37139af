package model

import (
	"context"
	"sync"
)

// Mock is a scripted ChatModel for tests.
//
// Each Chat call returns the next configured response; when the script is
// exhausted the last response repeats. Set Err to make every call fail.
// All calls are recorded for assertions.
//
//	m := &model.Mock{Responses: []model.ChatOut{{Text: "draft"}}}
//	out, _ := m.Chat(ctx, msgs, nil) // "draft"
type Mock struct {
	Responses []ChatOut
	Err       error
	Calls     []MockCall

	mu   sync.Mutex
	next int
}

// MockCall records the arguments of one Chat invocation.
type MockCall struct {
	Messages []Message
	Tools    []ToolSpec
}

// Chat implements ChatModel.
func (m *Mock) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Chat has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Reset clears the call history and rewinds the response script.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.next = 0
}
