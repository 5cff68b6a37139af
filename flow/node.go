package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/orcalabs/orca-go/flow/model"
)

// NodeSpec declares a node's identity and contract: its input and output
// schemas, its error policy, its budget, and its traversal cap when it
// participates in a cycle. Every node variant exposes one through Spec.
type NodeSpec struct {
	Name          string
	In            Schema
	Out           Schema
	Policy        ErrorPolicy
	Budget        Budget
	MaxTraversals int
}

// Invocation is everything a node sees for one execution: its input values,
// the attempt number (0 for the first try), and a private deep copy of the
// run state at dispatch time.
type Invocation struct {
	Node    string
	Attempt int
	Input   map[string]any
	State   RunState
}

// Output is what a node execution produces. Values is merged into the run
// state under the node's name. Usage reports tokens and cost for model
// calls. Artifacts carries named blobs the runner stores content-addressed
// in the ledger, leaving only references in the state. Route is set by
// router nodes to select the outgoing edge.
type Output struct {
	Values    map[string]any
	Usage     model.Usage
	Artifacts map[string][]byte
	Route     *RouteDecision
}

// RouteDecision records which routing rule fired and where execution goes
// next. Rule is empty when the default edge was taken.
type RouteDecision struct {
	Rule       string
	Target     string
	Confidence float64
}

// Node is the one contract every executable vertex implements. Execute must
// honor context cancellation on any blocking call, must not mutate its
// invocation, and communicates all failures through the returned error.
type Node interface {
	Spec() NodeSpec
	Execute(ctx context.Context, inv Invocation) (Output, error)
}

// FuncNode wraps an arbitrary Go function as a node. It is the variant for
// deterministic glue: shaping values, computing derived fields, assembling
// reports.
type FuncNode struct {
	spec NodeSpec
	fn   func(ctx context.Context, inv Invocation) (map[string]any, error)
}

// NewFuncNode builds a function node. The function's returned values become
// the node's output; a returned error is non-retryable unless it is already
// a NodeExecutionError marked otherwise.
func NewFuncNode(spec NodeSpec, fn func(ctx context.Context, inv Invocation) (map[string]any, error)) *FuncNode {
	return &FuncNode{spec: spec, fn: fn}
}

func (n *FuncNode) Spec() NodeSpec { return n.spec }

func (n *FuncNode) Execute(ctx context.Context, inv Invocation) (Output, error) {
	if n.fn == nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: errors.New("function node has no function")}
	}
	values, err := n.fn(ctx, inv)
	if err != nil {
		var nodeErr *NodeExecutionError
		if errors.As(err, &nodeErr) {
			return Output{}, err
		}
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: err}
	}
	return Output{Values: values}, nil
}

// requireFields returns the values of the named input fields, failing with
// a descriptive error when one is absent. Node variants use it for the
// fields they cannot run without.
func requireFields(input map[string]any, fields ...string) error {
	for _, f := range fields {
		if _, ok := input[f]; !ok {
			return fmt.Errorf("required input field %q is missing", f)
		}
	}
	return nil
}
