package tool

import (
	"context"
	"sync"
)

// Mock is a scripted Tool for tests: sequential responses with the last
// repeating, error injection, and recorded calls.
type Mock struct {
	ToolName  string
	Responses []map[string]any
	Err       error
	Calls     []map[string]any

	mu   sync.Mutex
	next int
}

// Name implements Tool.
func (m *Mock) Name() string { return m.ToolName }

// Call implements Tool.
func (m *Mock) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
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

	idx := m.next
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.next++
	}
	return m.Responses[idx], nil
}

// CallCount returns how many times Call has been invoked.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
