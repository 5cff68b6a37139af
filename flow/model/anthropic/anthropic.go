// Package anthropic adapts Anthropic's Claude API to the model.ChatModel
// interface using the official anthropic-sdk-go client.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/orcalabs/orca-go/flow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "claude-3-5-sonnet-20241022"

// DefaultMaxTokens caps the completion length when the caller sets none.
const DefaultMaxTokens = 4096

// ChatModel implements model.ChatModel for Claude.
//
// The adapter is safe for concurrent use. Usage figures come from the
// API's reported token counts, so budget enforcement and cost accounting
// work without estimation.
//
//	m := anthropic.NewChatModel(os.Getenv("ANTHROPIC_API_KEY"), "")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}}, nil)
type ChatModel struct {
	modelName string
	maxTokens int64
	api       messagesAPI
}

// messagesAPI is the slice of the SDK the adapter calls, separated so tests
// can substitute a scripted fake for the network client.
type messagesAPI interface {
	create(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error)
}

type sdkMessages struct {
	client sdk.Client
}

func (s sdkMessages) create(ctx context.Context, params sdk.MessageNewParams) (*sdk.Message, error) {
	return s.client.Messages.New(ctx, params)
}

// NewChatModel creates a Claude-backed ChatModel. An empty modelName uses
// DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		maxTokens: DefaultMaxTokens,
		api:       sdkMessages{client: sdk.NewClient(option.WithAPIKey(apiKey))},
	}
}

// WithMaxTokens overrides the completion-length cap and returns the model
// for chaining.
func (m *ChatModel) WithMaxTokens(n int64) *ChatModel {
	if n > 0 {
		m.maxTokens = n
	}
	return m
}

// Chat implements model.ChatModel.
//
// Anthropic takes the system prompt as a separate parameter, so system
// messages are folded into the opening user turn. Tool specs are not
// translated; tool use in this engine happens through graph tool nodes,
// not model-side function calling.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if len(tools) > 0 {
		return model.ChatOut{}, errors.New("anthropic adapter does not translate tool specs; use graph tool nodes")
	}
	params, err := m.buildParams(messages)
	if err != nil {
		return model.ChatOut{}, err
	}

	message, err := m.api.create(ctx, params)
	if err != nil {
		return model.ChatOut{}, classifyError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return model.ChatOut{
		Text: text.String(),
		Usage: model.Usage{
			Model:        m.modelName,
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// buildParams converts the conversation to Anthropic's message format.
func (m *ChatModel) buildParams(messages []model.Message) (sdk.MessageNewParams, error) {
	var system string
	var turns []sdk.MessageParam
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case model.RoleUser:
			turns = append(turns, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case model.RoleAssistant:
			turns = append(turns, sdk.NewAssistantMessage(sdk.NewTextBlock(msg.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	if system != "" {
		// Claude has no system role inside the messages array; carry the
		// instructions in the opening user turn instead.
		opener := sdk.NewUserMessage(sdk.NewTextBlock(system))
		turns = append([]sdk.MessageParam{opener}, turns...)
	}
	if len(turns) == 0 {
		return sdk.MessageNewParams{}, errors.New("conversation has no messages")
	}
	return sdk.MessageNewParams{
		Model:     sdk.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  turns,
	}, nil
}

// classifyError maps API failures onto the transient/permanent split the
// engine's retry loop keys on. Auth and quota problems are permanent;
// rate limits, overload, and timeouts are worth retrying.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "401", "403", "authentication", "api_key"):
		return fmt.Errorf("anthropic: invalid or expired API key: %w", err)
	case containsAny(msg, "quota", "billing"):
		return fmt.Errorf("anthropic: quota exceeded: %w", err)
	case containsAny(msg, "429", "rate_limit", "overloaded"):
		return fmt.Errorf("anthropic: rate limited: %w", err)
	default:
		return fmt.Errorf("anthropic: %w", err)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
