package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orcalabs/orca-go/flow/model"
	"github.com/orcalabs/orca-go/flow/tool"
)

// Definition is a declarative graph specification, deserialized from YAML
// or JSON. Code-valued parts of a graph (functions, predicates, models,
// tools) are referenced by name and bound through a Registry at build
// time.
type Definition struct {
	Name  string    `yaml:"name" json:"name"`
	Entry []string  `yaml:"entry" json:"entry"`
	Nodes []NodeDef `yaml:"nodes" json:"nodes"`
	Edges []EdgeDef `yaml:"edges" json:"edges"`
}

// NodeDef declares one node. Kind selects the variant; the remaining
// fields apply to the kinds that use them.
type NodeDef struct {
	Name          string            `yaml:"name" json:"name"`
	Kind          string            `yaml:"kind" json:"kind"`
	In            map[string]string `yaml:"in,omitempty" json:"in,omitempty"`
	Out           map[string]string `yaml:"out,omitempty" json:"out,omitempty"`
	Policy        *PolicyDef        `yaml:"policy,omitempty" json:"policy,omitempty"`
	Budget        *BudgetDef        `yaml:"budget,omitempty" json:"budget,omitempty"`
	MaxTraversals int               `yaml:"max_traversals,omitempty" json:"max_traversals,omitempty"`

	// tool nodes
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`
	// model nodes
	Model string `yaml:"model,omitempty" json:"model,omitempty"`
	// function nodes, router compute functions, reduce aggregators
	Function string `yaml:"function,omitempty" json:"function,omitempty"`
	// router nodes
	Rules   []RuleDef `yaml:"rules,omitempty" json:"rules,omitempty"`
	Default string    `yaml:"default,omitempty" json:"default,omitempty"`
	// map nodes
	Child   string `yaml:"child,omitempty" json:"child,omitempty"`
	Field   string `yaml:"field,omitempty" json:"field,omitempty"`
	Limit   int    `yaml:"limit,omitempty" json:"limit,omitempty"`
	OnError string `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	// reduce nodes
	Of []string `yaml:"of,omitempty" json:"of,omitempty"`
}

// PolicyDef mirrors ErrorPolicy with durations in milliseconds.
type PolicyDef struct {
	MaxRetries    int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	BackoffBaseMS int     `yaml:"backoff_base_ms,omitempty" json:"backoff_base_ms,omitempty"`
	BackoffMaxMS  int     `yaml:"backoff_max_ms,omitempty" json:"backoff_max_ms,omitempty"`
	Jitter        float64 `yaml:"jitter,omitempty" json:"jitter,omitempty"`
	Fallback      string  `yaml:"fallback,omitempty" json:"fallback,omitempty"`
	EscalateTo    string  `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`
}

// BudgetDef mirrors Budget with the duration in milliseconds.
type BudgetDef struct {
	MaxDurationMS int     `yaml:"max_duration_ms,omitempty" json:"max_duration_ms,omitempty"`
	MaxTokens     int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxCostUSD    float64 `yaml:"max_cost_usd,omitempty" json:"max_cost_usd,omitempty"`
}

// RuleDef declares one routing rule; When names a registered predicate.
type RuleDef struct {
	ID            string  `yaml:"id" json:"id"`
	Target        string  `yaml:"target" json:"target"`
	Priority      int     `yaml:"priority,omitempty" json:"priority,omitempty"`
	When          string  `yaml:"when,omitempty" json:"when,omitempty"`
	MinConfidence float64 `yaml:"min_confidence,omitempty" json:"min_confidence,omitempty"`
}

// EdgeDef declares one edge; When names a registered predicate and Order
// overrides fan-in ordering when set.
type EdgeDef struct {
	From  string `yaml:"from" json:"from"`
	To    string `yaml:"to" json:"to"`
	When  string `yaml:"when,omitempty" json:"when,omitempty"`
	Order *int   `yaml:"order,omitempty" json:"order,omitempty"`
}

// ParseDefinition decodes a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse graph definition: %w", err)
	}
	return &def, nil
}

// LoadDefinition reads a definition file, decoding by extension: .yaml and
// .yml as YAML, .json as JSON.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph definition: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseDefinition(data)
	case ".json":
		var def Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("parse graph definition: %w", err)
		}
		return &def, nil
	default:
		return nil, fmt.Errorf("unsupported definition extension %q", filepath.Ext(path))
	}
}

// Registry binds the names a Definition uses to runtime implementations.
type Registry struct {
	tools      *tool.Registry
	models     map[string]model.ChatModel
	functions  map[string]func(context.Context, Invocation) (map[string]any, error)
	predicates map[string]Predicate
	reducers   map[string]func(context.Context, []map[string]any) (map[string]any, error)
}

// NewRegistry creates a registry. The tool registry may be nil when the
// definition declares no tool nodes.
func NewRegistry(tools *tool.Registry) *Registry {
	return &Registry{
		tools:      tools,
		models:     make(map[string]model.ChatModel),
		functions:  make(map[string]func(context.Context, Invocation) (map[string]any, error)),
		predicates: make(map[string]Predicate),
		reducers:   make(map[string]func(context.Context, []map[string]any) (map[string]any, error)),
	}
}

// RegisterModel binds a model ID to a chat client.
func (r *Registry) RegisterModel(name string, m model.ChatModel) *Registry {
	r.models[name] = m
	return r
}

// RegisterFunction binds a function name usable by function and router
// nodes.
func (r *Registry) RegisterFunction(name string, fn func(context.Context, Invocation) (map[string]any, error)) *Registry {
	r.functions[name] = fn
	return r
}

// RegisterPredicate binds a predicate name usable by edges and routing
// rules.
func (r *Registry) RegisterPredicate(name string, p Predicate) *Registry {
	r.predicates[name] = p
	return r
}

// RegisterReducer binds an aggregator name usable by reduce nodes.
func (r *Registry) RegisterReducer(name string, fn func(context.Context, []map[string]any) (map[string]any, error)) *Registry {
	r.reducers[name] = fn
	return r
}

// Build constructs and validates the graph. Nodes referenced as a map
// node's child are embedded in their parent and kept out of the graph's
// vertex set.
func (d *Definition) Build(reg *Registry) (*Graph, error) {
	if reg == nil {
		return nil, fmt.Errorf("definition %q: registry is required", d.Name)
	}
	if len(d.Nodes) == 0 {
		return nil, fmt.Errorf("definition %q: no nodes declared", d.Name)
	}
	defs := make(map[string]NodeDef, len(d.Nodes))
	children := make(map[string]bool)
	for _, nd := range d.Nodes {
		if nd.Name == "" {
			return nil, fmt.Errorf("definition %q: node with empty name", d.Name)
		}
		if _, dup := defs[nd.Name]; dup {
			return nil, fmt.Errorf("definition %q: duplicate node %q", d.Name, nd.Name)
		}
		defs[nd.Name] = nd
		if nd.Kind == "map" && nd.Child != "" {
			children[nd.Child] = true
		}
	}

	built := make(map[string]Node, len(defs))
	building := make(map[string]bool)
	var buildNode func(name string) (Node, error)
	buildNode = func(name string) (Node, error) {
		if n, ok := built[name]; ok {
			return n, nil
		}
		nd, ok := defs[name]
		if !ok {
			return nil, fmt.Errorf("node %q is not defined", name)
		}
		if building[name] {
			return nil, fmt.Errorf("node %q is its own ancestor through map children", name)
		}
		building[name] = true
		defer delete(building, name)

		spec, err := nd.spec()
		if err != nil {
			return nil, err
		}
		var n Node
		switch nd.Kind {
		case "function":
			fnName := nd.Function
			if fnName == "" {
				fnName = nd.Name
			}
			fn, ok := reg.functions[fnName]
			if !ok {
				return nil, fmt.Errorf("node %q: function %q is not registered", nd.Name, fnName)
			}
			n = NewFuncNode(spec, fn)
		case "tool":
			if reg.tools == nil {
				return nil, fmt.Errorf("node %q: no tool registry bound", nd.Name)
			}
			toolName := nd.Tool
			if toolName == "" {
				toolName = nd.Name
			}
			n = NewToolNode(spec, reg.tools, toolName)
		case "model":
			if nd.Model == "" {
				return nil, fmt.Errorf("node %q: model is required", nd.Name)
			}
			client, ok := reg.models[nd.Model]
			if !ok {
				return nil, fmt.Errorf("node %q: model %q is not registered", nd.Name, nd.Model)
			}
			n = NewModelNode(spec, client, nd.Model)
		case "router":
			var compute func(context.Context, Invocation) (map[string]any, error)
			if nd.Function != "" {
				compute, ok = reg.functions[nd.Function]
				if !ok {
					return nil, fmt.Errorf("node %q: function %q is not registered", nd.Name, nd.Function)
				}
			}
			rules := make([]RouteRule, 0, len(nd.Rules))
			for _, rd := range nd.Rules {
				rule := RouteRule{ID: rd.ID, Target: rd.Target, Priority: rd.Priority, MinConfidence: rd.MinConfidence}
				if rd.When != "" {
					when, ok := reg.predicates[rd.When]
					if !ok {
						return nil, fmt.Errorf("node %q rule %q: predicate %q is not registered", nd.Name, rd.ID, rd.When)
					}
					rule.When = when
				}
				rules = append(rules, rule)
			}
			n = NewRouterNode(spec, compute, rules, nd.Default)
		case "map":
			if nd.Child == "" {
				return nil, fmt.Errorf("node %q: map requires a child node", nd.Name)
			}
			child, err := buildNode(nd.Child)
			if err != nil {
				return nil, err
			}
			field := nd.Field
			if field == "" {
				field = "items"
			}
			mode := FailFast
			switch nd.OnError {
			case "", "fail_fast":
			case "collect":
				mode = CollectErrors
			default:
				return nil, fmt.Errorf("node %q: unknown on_error %q", nd.Name, nd.OnError)
			}
			n = NewMapNode(spec, child, field, nd.Limit, mode)
		case "reduce":
			var fn func(context.Context, []map[string]any) (map[string]any, error)
			if nd.Function != "" {
				fn, ok = reg.reducers[nd.Function]
				if !ok {
					return nil, fmt.Errorf("node %q: reducer %q is not registered", nd.Name, nd.Function)
				}
			}
			n = NewReduceNode(spec, nd.Of, fn)
		case "gate":
			n = NewGateNode(spec)
		default:
			return nil, fmt.Errorf("node %q: unknown kind %q", nd.Name, nd.Kind)
		}
		built[name] = n
		return n, nil
	}

	g := NewGraph()
	g.Name = d.Name
	for _, nd := range d.Nodes {
		if children[nd.Name] {
			continue
		}
		n, err := buildNode(nd.Name)
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", d.Name, err)
		}
		if err := g.Add(n); err != nil {
			return nil, fmt.Errorf("definition %q: %w", d.Name, err)
		}
	}
	for _, ed := range d.Edges {
		var when Predicate
		if ed.When != "" {
			p, ok := reg.predicates[ed.When]
			if !ok {
				return nil, fmt.Errorf("definition %q: edge %s -> %s: predicate %q is not registered", d.Name, ed.From, ed.To, ed.When)
			}
			when = p
		}
		var err error
		if ed.Order != nil {
			err = g.ConnectOrdered(ed.From, ed.To, when, *ed.Order)
		} else {
			err = g.Connect(ed.From, ed.To, when)
		}
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", d.Name, err)
		}
	}
	if err := g.Entry(d.Entry...); err != nil {
		return nil, fmt.Errorf("definition %q: %w", d.Name, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// spec converts the declarative parts of a NodeDef into a NodeSpec.
func (nd NodeDef) spec() (NodeSpec, error) {
	in, err := parseSchema(nd.In)
	if err != nil {
		return NodeSpec{}, fmt.Errorf("node %q input schema: %w", nd.Name, err)
	}
	out, err := parseSchema(nd.Out)
	if err != nil {
		return NodeSpec{}, fmt.Errorf("node %q output schema: %w", nd.Name, err)
	}
	spec := NodeSpec{Name: nd.Name, In: in, Out: out, MaxTraversals: nd.MaxTraversals}
	if p := nd.Policy; p != nil {
		spec.Policy = ErrorPolicy{
			MaxRetries:  p.MaxRetries,
			BackoffBase: time.Duration(p.BackoffBaseMS) * time.Millisecond,
			BackoffMax:  time.Duration(p.BackoffMaxMS) * time.Millisecond,
			Jitter:      p.Jitter,
			Fallback:    p.Fallback,
			EscalateTo:  p.EscalateTo,
		}
	}
	if b := nd.Budget; b != nil {
		spec.Budget = Budget{
			MaxDuration: time.Duration(b.MaxDurationMS) * time.Millisecond,
			MaxTokens:   b.MaxTokens,
			MaxCostUSD:  b.MaxCostUSD,
		}
	}
	return spec, nil
}

func parseSchema(fields map[string]string) (Schema, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	s := make(Schema, len(fields))
	for field, typ := range fields {
		ft := FieldType(typ)
		switch ft {
		case TypeString, TypeNumber, TypeBool, TypeObject, TypeArray, TypeAny:
		default:
			return nil, fmt.Errorf("field %q: unknown type %q", field, typ)
		}
		s[field] = ft
	}
	return s, nil
}
