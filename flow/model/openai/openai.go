// Package openai adapts OpenAI's chat completions API to the
// model.ChatModel interface using the official openai-go client.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/orcalabs/orca-go/flow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI chat completions.
//
// Safe for concurrent use. Token usage comes from the API's reported
// counts.
type ChatModel struct {
	modelName   string
	temperature *float64
	api         completionsAPI
}

// completionsAPI is the slice of the SDK the adapter calls, separated so
// tests can substitute a scripted fake for the network client.
type completionsAPI interface {
	create(ctx context.Context, params sdk.ChatCompletionNewParams) (*sdk.ChatCompletion, error)
}

type sdkCompletions struct {
	client sdk.Client
}

func (s sdkCompletions) create(ctx context.Context, params sdk.ChatCompletionNewParams) (*sdk.ChatCompletion, error) {
	return s.client.Chat.Completions.New(ctx, params)
}

// NewChatModel creates an OpenAI-backed ChatModel. An empty modelName uses
// DefaultModel.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		modelName: modelName,
		api:       sdkCompletions{client: sdk.NewClient(option.WithAPIKey(apiKey))},
	}
}

// WithTemperature fixes the sampling temperature and returns the model for
// chaining. Unset, the API default applies.
func (m *ChatModel) WithTemperature(temp float64) *ChatModel {
	m.temperature = &temp
	return m
}

// Chat implements model.ChatModel.
//
// Tool specs are not translated; tool use in this engine happens through
// graph tool nodes, not model-side function calling.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if len(tools) > 0 {
		return model.ChatOut{}, errors.New("openai adapter does not translate tool specs; use graph tool nodes")
	}
	if len(messages) == 0 {
		return model.ChatOut{}, errors.New("conversation has no messages")
	}

	turns := make([]sdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			turns = append(turns, sdk.SystemMessage(msg.Content))
		case model.RoleUser:
			turns = append(turns, sdk.UserMessage(msg.Content))
		case model.RoleAssistant:
			turns = append(turns, sdk.AssistantMessage(msg.Content))
		default:
			return model.ChatOut{}, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: turns,
	}
	if m.temperature != nil {
		params.Temperature = sdk.Float(*m.temperature)
	}

	completion, err := m.api.create(ctx, params)
	if err != nil {
		return model.ChatOut{}, classifyError(err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai: completion has no choices")
	}

	return model.ChatOut{
		Text: completion.Choices[0].Message.Content,
		Usage: model.Usage{
			Model:        m.modelName,
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

// classifyError maps API failures onto the transient/permanent split the
// engine's retry loop keys on.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "401", "403", "invalid_api_key", "authentication"):
		return fmt.Errorf("openai: invalid or expired API key: %w", err)
	case containsAny(msg, "insufficient_quota", "billing"):
		return fmt.Errorf("openai: quota exceeded: %w", err)
	case containsAny(msg, "429", "rate_limit"):
		return fmt.Errorf("openai: rate limited: %w", err)
	default:
		return fmt.Errorf("openai: %w", err)
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
