package flow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// FailMode selects how a map node handles element failures.
type FailMode int

const (
	// FailFast aborts the whole map on the first element failure and
	// cancels in-flight siblings.
	FailFast FailMode = iota
	// CollectErrors runs every element to completion and records a
	// failure placeholder for the ones that errored.
	CollectErrors
)

// MapNode fans a sequence-valued input field out over a child node, one
// invocation per element, bounded by a concurrency limit. Results come back
// index-preserving under "results": element i's output at position i, or a
// {"error": ...} placeholder in CollectErrors mode.
//
// Child invocations receive {"item": element, "index": i} and run exactly
// once; retrying is governed by the map node's own policy, which re-runs
// the whole fan-out.
type MapNode struct {
	spec  NodeSpec
	child Node
	field string
	limit int64
	mode  FailMode
}

// NewMapNode builds a map node reading the sequence from the named input
// field. A limit below one means element invocations run sequentially.
func NewMapNode(spec NodeSpec, child Node, field string, limit int, mode FailMode) *MapNode {
	if limit < 1 {
		limit = 1
	}
	return &MapNode{spec: spec, child: child, field: field, limit: int64(limit), mode: mode}
}

func (n *MapNode) Spec() NodeSpec { return n.spec }

// Child returns the inner node, for validation and introspection.
func (n *MapNode) Child() Node { return n.child }

func (n *MapNode) Execute(ctx context.Context, inv Invocation) (Output, error) {
	if n.child == nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: fmt.Errorf("map node has no child node")}
	}
	raw, ok := inv.Input[n.field]
	if !ok {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: fmt.Errorf("input field %q is missing", n.field)}
	}
	items, ok := raw.([]any)
	if !ok {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: fmt.Errorf("input field %q must be a sequence, got %T", n.field, raw)}
	}

	results := make([]any, len(items))
	var usageMu sync.Mutex
	var inTokens, outTokens int
	var totalCost float64

	sem := semaphore.NewWeighted(n.limit)
	g, gctx := errgroup.WithContext(ctx)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			childInv := Invocation{
				Node:    n.child.Spec().Name,
				Attempt: 0,
				Input:   map[string]any{"item": item, "index": i},
				State:   inv.State,
			}
			out, err := n.child.Execute(gctx, childInv)
			if err != nil {
				if n.mode == FailFast {
					return fmt.Errorf("element %d: %w", i, err)
				}
				results[i] = map[string]any{"error": err.Error()}
				return nil
			}
			results[i] = out.Values
			usageMu.Lock()
			inTokens += out.Usage.InputTokens
			outTokens += out.Usage.OutputTokens
			totalCost += out.Usage.CostUSD
			usageMu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Retryable: true, Err: err}
	}

	out := Output{Values: map[string]any{"results": results}}
	out.Usage.InputTokens = inTokens
	out.Usage.OutputTokens = outTokens
	out.Usage.CostUSD = totalCost
	return out, nil
}

// ReduceNode aggregates the outputs of a declared set of predecessor nodes.
// The runner holds it back until every declared predecessor has produced an
// output for the current traversal, then hands it those outputs in edge
// order under the "inputs" field. The node's In schema constrains each
// predecessor's output, not the synthesized aggregate.
type ReduceNode struct {
	spec  NodeSpec
	of    []string
	fn    func(ctx context.Context, inputs []map[string]any) (map[string]any, error)
}

// NewReduceNode builds a reduce node over the named predecessors. fn may be
// nil, in which case the aggregate is {"results": [outputs...]}.
func NewReduceNode(spec NodeSpec, of []string, fn func(ctx context.Context, inputs []map[string]any) (map[string]any, error)) *ReduceNode {
	preds := make([]string, len(of))
	copy(preds, of)
	return &ReduceNode{spec: spec, of: preds, fn: fn}
}

func (n *ReduceNode) Spec() NodeSpec { return n.spec }

// Predecessors returns the declared predecessor names in declaration order.
func (n *ReduceNode) Predecessors() []string {
	out := make([]string, len(n.of))
	copy(out, n.of)
	return out
}

func (n *ReduceNode) Execute(ctx context.Context, inv Invocation) (Output, error) {
	raw, ok := inv.Input["inputs"]
	if !ok {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: fmt.Errorf("reduce input is missing the aggregated %q field", "inputs")}
	}
	seq, ok := raw.([]any)
	if !ok {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: fmt.Errorf("reduce input %q must be a sequence, got %T", "inputs", raw)}
	}
	inputs := make([]map[string]any, 0, len(seq))
	for i, el := range seq {
		m, ok := el.(map[string]any)
		if !ok {
			return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: fmt.Errorf("reduce input %d must be an object, got %T", i, el)}
		}
		inputs = append(inputs, m)
	}

	if n.fn == nil {
		results := make([]any, len(inputs))
		for i, in := range inputs {
			results[i] = in
		}
		return Output{Values: map[string]any{"results": results}}, nil
	}
	values, err := n.fn(ctx, inputs)
	if err != nil {
		return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Retryable: true, Err: err}
	}
	return Output{Values: values}, nil
}
