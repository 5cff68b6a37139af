package flow

import (
	"testing"
)

func TestRunState_New(t *testing.T) {
	state := newRunState("run-1", map[string]any{"query": "golang"}, 42)

	if state.RunID != "run-1" {
		t.Errorf("expected run id run-1, got %s", state.RunID)
	}
	if state.Version != 0 {
		t.Errorf("expected version 0, got %d", state.Version)
	}
	if state.Meta.SchemaVersion != StateSchemaVersion {
		t.Errorf("expected schema version %s, got %s", StateSchemaVersion, state.Meta.SchemaVersion)
	}
	if state.Meta.Seed != 42 {
		t.Errorf("expected seed 42, got %d", state.Meta.Seed)
	}
	if state.Context["query"] != "golang" {
		t.Errorf("expected context to carry the input, got %v", state.Context)
	}
}

func TestRunState_InputIsCopied(t *testing.T) {
	input := map[string]any{"query": "golang"}
	state := newRunState("run-1", input, 0)

	input["query"] = "mutated"
	if state.Context["query"] != "golang" {
		t.Error("mutating the caller's input map changed the run state")
	}
}

func TestRunState_Apply(t *testing.T) {
	state := newRunState("run-1", nil, 0)

	state.apply("retrieve", map[string]any{"docs": []any{"a"}}, 120, 0.004, nil)
	state.apply("rank", map[string]any{"ranked": []any{"a"}}, 30, 0.001, map[string]string{"trace": "sha256:abc"})

	if state.Version != 2 {
		t.Errorf("expected version 2 after two merges, got %d", state.Version)
	}
	if state.Meta.TotalTokens != 150 {
		t.Errorf("expected 150 total tokens, got %d", state.Meta.TotalTokens)
	}
	if got := state.Meta.TotalCostUSD; got < 0.0049 || got > 0.0051 {
		t.Errorf("expected total cost ~0.005, got %f", got)
	}
	if state.Artifacts["trace"] != "sha256:abc" {
		t.Errorf("expected artifact reference recorded, got %v", state.Artifacts)
	}
	out, ok := state.Output("retrieve")
	if !ok {
		t.Fatal("expected retrieve output present")
	}
	if _, ok := out["docs"]; !ok {
		t.Errorf("expected docs in retrieve output, got %v", out)
	}
	if _, ok := state.Output("missing"); ok {
		t.Error("expected lookup of an unmerged node to report absence")
	}
}

func TestRunState_SnapshotIsolation(t *testing.T) {
	state := newRunState("run-1", map[string]any{"query": "golang"}, 0)
	state.apply("retrieve", map[string]any{"docs": []any{"a", "b"}}, 0, 0, nil)

	snap, err := state.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}

	snap.Context["query"] = "mutated"
	snap.NodeOutputs["retrieve"]["docs"] = "gone"
	snap.Artifacts["rogue"] = "sha256:0"

	if state.Context["query"] != "golang" {
		t.Error("snapshot mutation leaked into the original context")
	}
	if _, ok := state.NodeOutputs["retrieve"]["docs"].(string); ok {
		t.Error("snapshot mutation leaked into the original node outputs")
	}
	if len(state.Artifacts) != 0 {
		t.Error("snapshot mutation leaked into the original artifacts")
	}
}

func TestRunState_SnapshotNormalizesNumbers(t *testing.T) {
	state := newRunState("run-1", nil, 0)
	state.apply("count", map[string]any{"n": 7}, 0, 0, nil)

	snap, err := state.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if _, ok := snap.NodeOutputs["count"]["n"].(float64); !ok {
		t.Errorf("expected JSON round trip to produce float64, got %T", snap.NodeOutputs["count"]["n"])
	}
}

func TestCloneValues(t *testing.T) {
	t.Run("nil becomes empty map", func(t *testing.T) {
		out, err := cloneValues(nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out == nil || len(out) != 0 {
			t.Errorf("expected empty map, got %v", out)
		}
	})

	t.Run("nested values are deep copied", func(t *testing.T) {
		src := map[string]any{"inner": map[string]any{"k": "v"}}
		out, err := cloneValues(src)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out["inner"].(map[string]any)["k"] = "changed"
		if src["inner"].(map[string]any)["k"] != "v" {
			t.Error("clone shares nested maps with the source")
		}
	})

	t.Run("unserializable values are rejected", func(t *testing.T) {
		_, err := cloneValues(map[string]any{"fn": func() {}})
		if err == nil {
			t.Fatal("expected an error for a function value")
		}
	})
}
