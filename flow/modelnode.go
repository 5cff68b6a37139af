package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/orcalabs/orca-go/flow/model"
)

// ModelNode calls a generative model through the model.ChatModel boundary.
// Provider errors and unparseable completions are retryable: transient
// failures and malformed generations both stand a chance on a second call.
type ModelNode struct {
	spec     NodeSpec
	client   model.ChatModel
	modelID  string
	prompt   func(Invocation) ([]model.Message, error)
	parse    func(model.ChatOut) (map[string]any, error)
	estimate *model.Estimator
}

// NewModelNode builds a model-call node. The default prompt sends the
// node's "prompt" input field as a single user message, and the default
// parser returns the completion as {"text": ...}. modelID tags usage for
// cost accounting.
func NewModelNode(spec NodeSpec, client model.ChatModel, modelID string) *ModelNode {
	return &ModelNode{spec: spec, client: client, modelID: modelID}
}

// WithPrompt installs a prompt builder that assembles the conversation from
// the invocation.
func (n *ModelNode) WithPrompt(prompt func(Invocation) ([]model.Message, error)) *ModelNode {
	n.prompt = prompt
	return n
}

// WithParser installs a parser that extracts structured output values from
// the completion.
func (n *ModelNode) WithParser(parse func(model.ChatOut) (map[string]any, error)) *ModelNode {
	n.parse = parse
	return n
}

// WithEstimator installs a token estimator used when the provider reports
// no usage, so budget checks and cost accounting still see counts.
func (n *ModelNode) WithEstimator(est *model.Estimator) *ModelNode {
	n.estimate = est
	return n
}

func (n *ModelNode) Spec() NodeSpec { return n.spec }

func (n *ModelNode) Execute(ctx context.Context, inv Invocation) (Output, error) {
	messages, err := n.buildPrompt(inv)
	if err != nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: err}
	}

	out, err := n.client.Chat(ctx, messages, nil)
	if err != nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Retryable: true, Err: err}
	}

	usage := out.Usage
	if usage.Model == "" {
		usage.Model = n.modelID
	}
	if usage.IsZero() && n.estimate != nil {
		if in, err := n.estimate.CountMessages(messages); err == nil {
			usage.InputTokens = in
		}
		if produced, err := n.estimate.Count(out.Text); err == nil {
			usage.OutputTokens = produced
		}
	}
	model.FillCost(&usage)

	values, err := n.parseOutput(out)
	if err != nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Retryable: true, Err: err}
	}
	return Output{Values: values, Usage: usage}, nil
}

func (n *ModelNode) buildPrompt(inv Invocation) ([]model.Message, error) {
	if n.prompt != nil {
		return n.prompt(inv)
	}
	raw, ok := inv.Input["prompt"]
	if !ok {
		return nil, errors.New(`model node needs a "prompt" input field or a custom prompt builder`)
	}
	text, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf(`input field "prompt" must be a string, got %T`, raw)
	}
	return []model.Message{{Role: model.RoleUser, Content: text}}, nil
}

func (n *ModelNode) parseOutput(out model.ChatOut) (map[string]any, error) {
	if n.parse != nil {
		return n.parse(out)
	}
	return map[string]any{"text": out.Text}, nil
}
