// Package model abstracts generative-model providers behind one chat
// interface so engine nodes stay provider-agnostic. Adapters for concrete
// providers live in the subpackages (anthropic, openai, google); tests use
// the Mock in this package.
package model

import "context"

// ChatModel is the provider boundary for model-call nodes.
//
// Implementations handle authentication, request/response translation, and
// error mapping for one provider, and must respect context cancellation.
// Usage figures should be filled from provider-reported counts when
// available; callers fall back to estimation otherwise.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// Message is one turn in a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Standard chat roles shared across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolSpec describes a callable tool offered to the model. Schema follows
// JSON Schema conventions.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is a model's request to invoke a tool.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// Usage reports the resource consumption of one chat completion.
type Usage struct {
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// IsZero reports whether the provider returned no usage information.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.CostUSD == 0
}

// ChatOut is the result of one chat completion: generated text, requested
// tool calls (either may be empty), and usage accounting.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}
