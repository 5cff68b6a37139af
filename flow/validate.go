package flow

import (
	"fmt"
	"strings"
)

// Validate checks the whole graph and either marks it runnable or returns a
// *ValidationError listing every problem found. Checks run in four passes:
// edge schema compatibility, reachability from entries, inbound-edge
// coverage for non-entry nodes, and traversal caps on cycles. A failed
// validation leaves the graph unusable; there is no partial pass.
func (g *Graph) Validate() error {
	var issues []string
	issues = append(issues, g.checkEdgeSchemas()...)
	issues = append(issues, g.checkPolicies()...)
	issues = append(issues, g.checkReachability()...)
	issues = append(issues, g.checkPredecessors()...)
	issues = append(issues, g.checkCycles()...)
	if len(issues) > 0 {
		g.validated = false
		return &ValidationError{Issues: issues}
	}
	g.validated = true
	return nil
}

// checkEdgeSchemas verifies that every edge's producer output can satisfy
// its consumer input, field by field, and that router and map nodes are
// internally consistent with the edge set.
func (g *Graph) checkEdgeSchemas() []string {
	var issues []string
	for _, e := range g.edges {
		producer := g.nodes[e.Source].Spec()
		consumer := g.nodes[e.Target].Spec()
		for _, problem := range satisfies(producer.Out, consumer.In) {
			issues = append(issues, fmt.Sprintf("edge %s -> %s: %s", e.Source, e.Target, problem))
		}
	}
	for _, name := range g.order {
		switch n := g.nodes[name].(type) {
		case *RouterNode:
			for _, target := range n.Targets() {
				if !g.hasEdge(name, target) {
					issues = append(issues, fmt.Sprintf("router %s routes to %q but no edge connects them", name, target))
				}
			}
		case *MapNode:
			if n.Child() == nil {
				issues = append(issues, fmt.Sprintf("map node %s has no child node", name))
			}
		}
	}
	return issues
}

// checkPolicies verifies that error-policy targets point at real nodes and
// that escalation targets are human gates.
func (g *Graph) checkPolicies() []string {
	var issues []string
	for _, name := range g.order {
		policy := g.nodes[name].Spec().Policy
		if policy.Fallback != "" {
			if _, ok := g.nodes[policy.Fallback]; !ok {
				issues = append(issues, fmt.Sprintf("node %s names fallback %q: no such node", name, policy.Fallback))
			}
		}
		if policy.EscalateTo != "" {
			target, ok := g.nodes[policy.EscalateTo]
			if !ok {
				issues = append(issues, fmt.Sprintf("node %s escalates to %q: no such node", name, policy.EscalateTo))
			} else if _, isGate := target.(*GateNode); !isGate {
				issues = append(issues, fmt.Sprintf("node %s escalates to %q which is not a human gate", name, policy.EscalateTo))
			}
		}
	}
	return issues
}

// checkReachability walks from the entry nodes and reports every node the
// walk cannot reach. Edges are followed ignoring predicates, and policy
// references count as connections: a fallback or escalation target is
// reachable through the node that names it.
func (g *Graph) checkReachability() []string {
	if len(g.entries) == 0 {
		return []string{"graph declares no entry nodes"}
	}
	reached := make(map[string]bool)
	queue := append([]string(nil), g.entries...)
	for _, e := range g.entries {
		reached[e] = true
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		var next []string
		for _, e := range g.edgesFrom(current) {
			next = append(next, e.Target)
		}
		policy := g.nodes[current].Spec().Policy
		if policy.Fallback != "" {
			next = append(next, policy.Fallback)
		}
		if policy.EscalateTo != "" {
			next = append(next, policy.EscalateTo)
		}
		for _, target := range next {
			if _, ok := g.nodes[target]; ok && !reached[target] {
				reached[target] = true
				queue = append(queue, target)
			}
		}
	}
	var issues []string
	for _, name := range g.order {
		if !reached[name] {
			issues = append(issues, fmt.Sprintf("node %s is unreachable from any entry node", name))
		}
	}
	return issues
}

// checkPredecessors requires every non-entry node to be fed by at least
// one inbound edge or policy reference, and cross-checks reduce nodes'
// declared predecessor sets against the actual edges.
func (g *Graph) checkPredecessors() []string {
	entry := make(map[string]bool, len(g.entries))
	for _, e := range g.entries {
		entry[e] = true
	}
	referenced := make(map[string]bool)
	for _, name := range g.order {
		policy := g.nodes[name].Spec().Policy
		if policy.Fallback != "" {
			referenced[policy.Fallback] = true
		}
		if policy.EscalateTo != "" {
			referenced[policy.EscalateTo] = true
		}
	}
	var issues []string
	for _, name := range g.order {
		inbound := g.edgesInto(name)
		if len(inbound) == 0 && !entry[name] && !referenced[name] {
			issues = append(issues, fmt.Sprintf("node %s has no inbound edges and is not an entry node", name))
		}
		reduce, ok := g.nodes[name].(*ReduceNode)
		if !ok {
			continue
		}
		sources := make(map[string]bool, len(inbound))
		for _, e := range inbound {
			sources[e.Source] = true
		}
		declared := make(map[string]bool)
		for _, pred := range reduce.Predecessors() {
			declared[pred] = true
			if !sources[pred] {
				issues = append(issues, fmt.Sprintf("reduce node %s declares predecessor %q but no edge connects them", name, pred))
			}
		}
		for _, e := range inbound {
			if !declared[e.Source] {
				issues = append(issues, fmt.Sprintf("reduce node %s has an inbound edge from %q which is not a declared predecessor", name, e.Source))
			}
		}
	}
	return issues
}

// checkCycles finds every strongly connected component that contains a
// cycle and requires each of its members to declare a traversal cap.
func (g *Graph) checkCycles() []string {
	var issues []string
	for _, component := range g.stronglyConnected() {
		cyclic := len(component) > 1
		if !cyclic {
			// single node: cyclic only with a self loop
			for _, e := range g.edgesFrom(component[0]) {
				if e.Target == component[0] {
					cyclic = true
					break
				}
			}
		}
		if !cyclic {
			continue
		}
		label := strings.Join(component, " -> ") + " -> " + component[0]
		for _, member := range component {
			if g.nodes[member].Spec().MaxTraversals <= 0 {
				issues = append(issues, fmt.Sprintf("cycle [%s]: node %s must declare a traversal cap", label, member))
			}
		}
	}
	return issues
}

// stronglyConnected returns the graph's strongly connected components using
// Tarjan's algorithm, iterated in node insertion order so reports are
// stable. Component members come back in insertion order too.
func (g *Graph) stronglyConnected() [][]string {
	index := make(map[string]int, len(g.order))
	lowlink := make(map[string]int, len(g.order))
	onStack := make(map[string]bool, len(g.order))
	position := make(map[string]int, len(g.order))
	for i, name := range g.order {
		position[name] = i
	}
	var stack []string
	var components [][]string
	next := 0

	var strongconnect func(v string)
	strongconnect = func(v string) {
		index[v] = next
		lowlink[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range g.edgesFrom(v) {
			w := e.Target
			if _, seen := index[w]; !seen {
				strongconnect(w)
				if lowlink[w] < lowlink[v] {
					lowlink[v] = lowlink[w]
				}
			} else if onStack[w] {
				if index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}
		}

		if lowlink[v] == index[v] {
			var component []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				component = append(component, w)
				if w == v {
					break
				}
			}
			// restore insertion order for stable reporting
			for i := 0; i < len(component); i++ {
				for j := i + 1; j < len(component); j++ {
					if position[component[j]] < position[component[i]] {
						component[i], component[j] = component[j], component[i]
					}
				}
			}
			components = append(components, component)
		}
	}

	for _, name := range g.order {
		if _, seen := index[name]; !seen {
			strongconnect(name)
		}
	}
	return components
}

func (g *Graph) hasEdge(source, target string) bool {
	for _, e := range g.edges {
		if e.Source == source && e.Target == target {
			return true
		}
	}
	return false
}
