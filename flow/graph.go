package flow

import (
	"fmt"
	"sort"
)

// Predicate gates an edge on the values its source node produced. A nil
// predicate is unconditional.
type Predicate func(values map[string]any) bool

// Edge connects a source node's output to a target node's input. When is
// evaluated against the source's merged output values. Order ranks the edge
// among a fan-in target's inbound edges and defaults to declaration order.
type Edge struct {
	Source string
	Target string
	When   Predicate
	Order  int
}

// Graph is a named set of nodes and directed edges with declared entry
// points. Construction order is preserved everywhere it matters: node
// iteration, edge evaluation, and fan-in aggregation are all deterministic.
//
// A graph must pass Validate before a Runner will execute it, and any
// mutation invalidates a previous pass.
type Graph struct {
	// Name labels run records; it has no execution semantics.
	Name string

	nodes     map[string]Node
	order     []string
	edges     []Edge
	entries   []string
	validated bool
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]Node)}
}

// Add registers a node. Names must be unique and non-empty.
func (g *Graph) Add(n Node) error {
	if n == nil {
		return fmt.Errorf("cannot add a nil node")
	}
	name := n.Spec().Name
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("node %q already exists", name)
	}
	g.nodes[name] = n
	g.order = append(g.order, name)
	g.validated = false
	return nil
}

// Connect adds an edge from source to target, gated by when. Both nodes
// must already be added. Passing nil for when makes the edge
// unconditional.
func (g *Graph) Connect(source, target string, when Predicate) error {
	return g.connect(source, target, when, len(g.edges))
}

// ConnectOrdered adds an edge with an explicit fan-in order, used when a
// reduce target must aggregate in an order other than edge declaration.
func (g *Graph) ConnectOrdered(source, target string, when Predicate, order int) error {
	return g.connect(source, target, when, order)
}

func (g *Graph) connect(source, target string, when Predicate, order int) error {
	if _, ok := g.nodes[source]; !ok {
		return fmt.Errorf("edge source %q: no such node", source)
	}
	if _, ok := g.nodes[target]; !ok {
		return fmt.Errorf("edge target %q: no such node", target)
	}
	g.edges = append(g.edges, Edge{Source: source, Target: target, When: when, Order: order})
	g.validated = false
	return nil
}

// Entry declares the nodes that receive the run's initial input. At least
// one entry is required for validation to pass.
func (g *Graph) Entry(names ...string) error {
	for _, name := range names {
		if _, ok := g.nodes[name]; !ok {
			return fmt.Errorf("entry node %q: no such node", name)
		}
		already := false
		for _, e := range g.entries {
			if e == name {
				already = true
				break
			}
		}
		if !already {
			g.entries = append(g.entries, name)
		}
	}
	g.validated = false
	return nil
}

// Node returns the named node.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns all node names in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Entries returns the declared entry node names.
func (g *Graph) Entries() []string {
	out := make([]string, len(g.entries))
	copy(out, g.entries)
	return out
}

// Edges returns a copy of the edge list in declaration order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// edgesFrom returns the outgoing edges of a node in declaration order,
// paired with their global edge indices.
func (g *Graph) edgesFrom(source string) []indexedEdge {
	var out []indexedEdge
	for i, e := range g.edges {
		if e.Source == source {
			out = append(out, indexedEdge{Edge: e, Index: i})
		}
	}
	return out
}

// edgesInto returns the inbound edges of a node sorted by fan-in order,
// declaration order breaking ties.
func (g *Graph) edgesInto(target string) []indexedEdge {
	var out []indexedEdge
	for i, e := range g.edges {
		if e.Target == target {
			out = append(out, indexedEdge{Edge: e, Index: i})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

type indexedEdge struct {
	Edge
	Index int
}
