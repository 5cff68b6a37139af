package flow

import (
	"encoding/json"
	"fmt"
)

// StateSchemaVersion tags every run state so persisted checkpoints can be
// migrated if the layout ever changes.
const StateSchemaVersion = "1.0"

// Meta carries run-level bookkeeping that merges accumulate. It holds no
// wall-clock values: replaying a run from a checkpoint must produce an
// identical state, and timestamps would break that.
type Meta struct {
	SchemaVersion string  `json:"schema_version"`
	Seed          int64   `json:"seed"`
	TotalTokens   int     `json:"total_tokens"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
}

// RunState is the complete, versioned data context of a run. The runner
// owns the single mutable instance; everything handed to nodes is a deep
// copy, so state observed inside Execute never changes underneath it.
//
// Version increments by exactly one per merged node output. Artifacts maps
// artifact names to content-addressed ledger IDs; the bytes themselves live
// in the ledger, never inline.
type RunState struct {
	RunID       string                    `json:"run_id"`
	Version     int64                     `json:"version"`
	Context     map[string]any            `json:"context"`
	Artifacts   map[string]string         `json:"artifacts"`
	NodeOutputs map[string]map[string]any `json:"node_outputs"`
	Meta        Meta                      `json:"meta"`
}

func newRunState(runID string, input map[string]any, seed int64) RunState {
	return RunState{
		RunID:       runID,
		Version:     0,
		Context:     cloneOrEmpty(input),
		Artifacts:   make(map[string]string),
		NodeOutputs: make(map[string]map[string]any),
		Meta: Meta{
			SchemaVersion: StateSchemaVersion,
			Seed:          seed,
		},
	}
}

// Snapshot returns a deep copy of the state. Copying goes through a JSON
// round trip, which doubles as the serializability check every value must
// pass before it can be checkpointed.
func (s RunState) Snapshot() (RunState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return RunState{}, fmt.Errorf("snapshot state: %w", err)
	}
	var out RunState
	if err := json.Unmarshal(raw, &out); err != nil {
		return RunState{}, fmt.Errorf("snapshot state: %w", err)
	}
	if out.Context == nil {
		out.Context = make(map[string]any)
	}
	if out.Artifacts == nil {
		out.Artifacts = make(map[string]string)
	}
	if out.NodeOutputs == nil {
		out.NodeOutputs = make(map[string]map[string]any)
	}
	return out, nil
}

// Output returns the last merged output of a node, or false if the node has
// not produced one yet.
func (s RunState) Output(node string) (map[string]any, bool) {
	out, ok := s.NodeOutputs[node]
	return out, ok
}

// apply merges a node's output into the state: the version advances by one,
// the node's output slot is replaced, usage totals accumulate, and artifact
// references are recorded. The values map must already be a private copy.
func (s *RunState) apply(node string, values map[string]any, tokens int, costUSD float64, artifacts map[string]string) {
	s.Version++
	s.NodeOutputs[node] = values
	s.Meta.TotalTokens += tokens
	s.Meta.TotalCostUSD += costUSD
	for name, id := range artifacts {
		s.Artifacts[name] = id
	}
}

// cloneValues deep-copies a value map through JSON. An error means the map
// holds something that can never be persisted, which callers surface as a
// node failure rather than letting it poison the state.
func cloneValues(src map[string]any) (map[string]any, error) {
	if src == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("values not serializable: %w", err)
	}
	out := make(map[string]any, len(src))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("values not serializable: %w", err)
	}
	return out, nil
}

func cloneOrEmpty(src map[string]any) map[string]any {
	out, err := cloneValues(src)
	if err != nil {
		return map[string]any{}
	}
	return out
}
