package flow

import (
	"context"
	"fmt"
	"sort"
)

// RouteRule is one routing predicate. Rules are evaluated highest Priority
// first (ties in declaration order); a rule fires when its predicate
// matches the router's output values and the output's confidence clears
// MinConfidence. A zero MinConfidence means no threshold.
type RouteRule struct {
	ID            string
	Target        string
	Priority      int
	When          func(values map[string]any) bool
	MinConfidence float64
}

// RouterNode computes output values, evaluates its rules against them, and
// selects exactly one outgoing edge. When no rule fires it takes the
// default target; with no default either, the invocation fails without
// retry, since re-running a deterministic decision cannot change it.
//
// Confidence is read from the output's "confidence" field when present and
// taken as 1.0 otherwise, so unscored outputs clear any threshold.
type RouterNode struct {
	spec          NodeSpec
	compute       func(ctx context.Context, inv Invocation) (map[string]any, error)
	rules         []RouteRule
	defaultTarget string
	ranked        []RouteRule
}

// NewRouterNode builds a router. compute may be nil, in which case the
// node's input values pass through as its output and routing decides on
// them directly.
func NewRouterNode(spec NodeSpec, compute func(ctx context.Context, inv Invocation) (map[string]any, error), rules []RouteRule, defaultTarget string) *RouterNode {
	ranked := make([]RouteRule, len(rules))
	copy(ranked, rules)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Priority > ranked[j].Priority })
	return &RouterNode{
		spec:          spec,
		compute:       compute,
		rules:         rules,
		defaultTarget: defaultTarget,
		ranked:        ranked,
	}
}

func (n *RouterNode) Spec() NodeSpec { return n.spec }

// Targets returns every node name this router can route to, for edge
// validation.
func (n *RouterNode) Targets() []string {
	seen := make(map[string]bool)
	var targets []string
	for _, r := range n.rules {
		if !seen[r.Target] {
			seen[r.Target] = true
			targets = append(targets, r.Target)
		}
	}
	if n.defaultTarget != "" && !seen[n.defaultTarget] {
		targets = append(targets, n.defaultTarget)
	}
	return targets
}

func (n *RouterNode) Execute(ctx context.Context, inv Invocation) (Output, error) {
	values := inv.Input
	if n.compute != nil {
		computed, err := n.compute(ctx, inv)
		if err != nil {
			return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Retryable: true, Err: err}
		}
		values = computed
	} else {
		copied, err := cloneValues(values)
		if err != nil {
			return Output{}, &NodeExecutionError{Node: n.spec.Name, Attempt: inv.Attempt, Err: err}
		}
		values = copied
	}

	confidence := 1.0
	if raw, ok := values["confidence"]; ok {
		if c, ok := toFloat(raw); ok {
			confidence = c
		}
	}

	for _, rule := range n.ranked {
		if rule.When != nil && !rule.When(values) {
			continue
		}
		if rule.MinConfidence > 0 && confidence < rule.MinConfidence {
			continue
		}
		return Output{
			Values: values,
			Route:  &RouteDecision{Rule: rule.ID, Target: rule.Target, Confidence: confidence},
		}, nil
	}

	if n.defaultTarget != "" {
		return Output{
			Values: values,
			Route:  &RouteDecision{Target: n.defaultTarget, Confidence: confidence},
		}, nil
	}
	return Output{}, &NodeExecutionError{
		Node:    n.spec.Name,
		Attempt: inv.Attempt,
		Err:     fmt.Errorf("no routing rule matched and no default target is set (confidence %.2f)", confidence),
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
