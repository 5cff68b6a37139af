// Package google adapts Google's Gemini API to the model.ChatModel
// interface using the official generative-ai-go client.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/orcalabs/orca-go/flow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-1.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// The underlying client holds a connection; call Close when the model is
// no longer needed.
type ChatModel struct {
	modelName string
	client    *genai.Client
	api       generateAPI
}

// generateAPI is the slice of the SDK the adapter calls, separated so
// tests can substitute a scripted fake for the network client.
type generateAPI interface {
	generate(ctx context.Context, system string, parts []genai.Part) (*genai.GenerateContentResponse, error)
}

type sdkGenerate struct {
	client    *genai.Client
	modelName string
}

func (s sdkGenerate) generate(ctx context.Context, system string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	m := s.client.GenerativeModel(s.modelName)
	if system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	return m.GenerateContent(ctx, parts...)
}

// NewChatModel creates a Gemini-backed ChatModel. An empty modelName uses
// DefaultModel. The context is used only for client construction.
func NewChatModel(ctx context.Context, apiKey, modelName string) (*ChatModel, error) {
	if apiKey == "" {
		return nil, errors.New("google API key is required")
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}
	return &ChatModel{
		modelName: modelName,
		client:    client,
		api:       sdkGenerate{client: client, modelName: modelName},
	}, nil
}

// Close releases the underlying client connection.
func (m *ChatModel) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Chat implements model.ChatModel.
//
// Gemini's single-shot generate call takes one block of content, so the
// conversation is flattened: system messages become the system
// instruction, other turns become role-prefixed text parts. Tool specs
// are not translated; tool use in this engine happens through graph tool
// nodes.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if len(tools) > 0 {
		return model.ChatOut{}, errors.New("google adapter does not translate tool specs; use graph tool nodes")
	}

	var system string
	var parts []genai.Part
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case model.RoleUser:
			parts = append(parts, genai.Text(msg.Content))
		case model.RoleAssistant:
			parts = append(parts, genai.Text("Assistant: "+msg.Content))
		default:
			return model.ChatOut{}, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	if len(parts) == 0 {
		return model.ChatOut{}, errors.New("conversation has no messages")
	}

	resp, err := m.api.generate(ctx, system, parts)
	if err != nil {
		return model.ChatOut{}, classifyError(err)
	}
	if resp == nil {
		return model.ChatOut{}, errors.New("google: nil response")
	}

	out := model.ChatOut{Usage: model.Usage{Model: m.modelName}}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return out, nil
	}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	out.Text = text.String()
	return out, nil
}

// classifyError maps API failures onto the transient/permanent split the
// engine's retry loop keys on.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "401", "403", "API key", "PERMISSION_DENIED"):
		return fmt.Errorf("google: invalid or expired API key: %w", err)
	case containsAny(msg, "quota", "RESOURCE_EXHAUSTED"):
		return fmt.Errorf("google: quota exhausted: %w", err)
	case containsAny(msg, "429", "rate limit"):
		return fmt.Errorf("google: rate limited: %w", err)
	default:
		return fmt.Errorf("google: %w", err)
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
