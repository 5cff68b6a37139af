package flow

import (
	"context"
	"fmt"
)

// GateSignal is the control-flow error a gate node returns to suspend its
// run. The runner intercepts it, persists a pending gate with the prompt
// payload, and parks the run in SUSPENDED status; it is never treated as a
// failure and never retried.
type GateSignal struct {
	Node   string
	Prompt map[string]any
}

func (s *GateSignal) Error() string {
	return fmt.Sprintf("node %s suspended awaiting human input", s.Node)
}

// GateNode suspends the run until a human resolves it through Resume. The
// prompt builder shapes what reviewers see; by default the gate presents
// its input values unchanged. The node's Out schema constrains the
// resolution data a Resume call may supply.
type GateNode struct {
	spec   NodeSpec
	prompt func(Invocation) map[string]any
}

// NewGateNode builds a human gate.
func NewGateNode(spec NodeSpec) *GateNode {
	return &GateNode{spec: spec}
}

// WithPrompt installs a prompt builder and returns the node for chaining.
func (n *GateNode) WithPrompt(prompt func(Invocation) map[string]any) *GateNode {
	n.prompt = prompt
	return n
}

func (n *GateNode) Spec() NodeSpec { return n.spec }

func (n *GateNode) Execute(ctx context.Context, inv Invocation) (Output, error) {
	payload := inv.Input
	if n.prompt != nil {
		payload = n.prompt(inv)
	}
	copied, err := cloneValues(payload)
	if err != nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: err}
	}
	return Output{}, &GateSignal{Node: n.spec.Name, Prompt: copied}
}
