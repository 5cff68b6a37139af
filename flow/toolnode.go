package flow

import (
	"context"
	"errors"

	"github.com/orcalabs/orca-go/flow/tool"
)

// ToolNode invokes a registered tool with the node's input values. Tool
// failures are retryable by default; allow-list violations are not, since
// retrying an unregistered tool cannot succeed.
type ToolNode struct {
	spec     NodeSpec
	registry *tool.Registry
	toolName string
	shape    func(Invocation) map[string]any
}

// NewToolNode builds a tool node that calls toolName through the registry.
// By default the node's input is passed to the tool unchanged; WithShape
// installs a function that rebuilds the tool arguments from the invocation.
func NewToolNode(spec NodeSpec, registry *tool.Registry, toolName string) *ToolNode {
	return &ToolNode{spec: spec, registry: registry, toolName: toolName}
}

// WithShape sets the argument-shaping function and returns the node for
// chaining during graph construction.
func (n *ToolNode) WithShape(shape func(Invocation) map[string]any) *ToolNode {
	n.shape = shape
	return n
}

func (n *ToolNode) Spec() NodeSpec { return n.spec }

func (n *ToolNode) Execute(ctx context.Context, inv Invocation) (Output, error) {
	args := inv.Input
	if n.shape != nil {
		args = n.shape(inv)
	}
	out, err := n.registry.Call(ctx, n.toolName, args)
	if err != nil {
		retryable := true
		var notAllowed *tool.NotAllowedError
		if errors.As(err, &notAllowed) {
			retryable = false
		}
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Retryable: retryable, Err: err}
	}
	return Output{Values: out}, nil
}
