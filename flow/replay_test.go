package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

// replayGraph builds a fresh fan-out with one retrying node. Failure on
// attempt zero is a pure function of the attempt index, so every execution
// of the graph behaves identically.
func replayGraph() *Graph {
	g := NewGraph()
	g.Add(fixedNode("start", Schema{"q": TypeString}, Schema{"topic": TypeString}, map[string]any{"topic": "storage"}))
	g.Add(NewFuncNode(NodeSpec{
		Name:   "alpha",
		Out:    Schema{"label": TypeString},
		Policy: fastRetry(2),
	}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		time.Sleep(3 * time.Millisecond)
		if inv.Attempt == 0 {
			return nil, &NodeExecutionError{Node: "alpha", Attempt: 0, Retryable: true, Err: errors.New("first try always misses")}
		}
		return map[string]any{"label": "alpha"}, nil
	}))
	g.Add(NewFuncNode(NodeSpec{
		Name: "beta",
		Out:  Schema{"label": TypeString},
	}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		time.Sleep(time.Millisecond)
		return map[string]any{"label": "beta"}, nil
	}))
	g.Add(NewReduceNode(NodeSpec{
		Name: "collect",
		Out:  Schema{"joined": TypeString},
	}, []string{"alpha", "beta"}, func(ctx context.Context, inputs []map[string]any) (map[string]any, error) {
		labels := make([]string, len(inputs))
		for i, in := range inputs {
			labels[i] = in["label"].(string)
		}
		return map[string]any{"joined": strings.Join(labels, "|")}, nil
	}))
	g.Connect("start", "alpha", nil)
	g.Connect("start", "beta", nil)
	g.ConnectOrdered("beta", "collect", nil, 10)
	g.ConnectOrdered("alpha", "collect", nil, 20)
	g.Entry("start")
	return g
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(raw)
}

func TestRun_TwinRunsAreIdentical(t *testing.T) {
	run := func() ([]event.Event, RunState) {
		g := replayGraph()
		r, _, buf := newTestRunner(t, g)
		res, err := r.Run(context.Background(), "twin-1", map[string]any{"q": "x"})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", res.Status)
		}
		return buf.History("twin-1"), res.State
	}
	first, firstState := run()
	second, secondState := run()

	if len(first) != len(second) {
		t.Fatalf("event counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.Seq != b.Seq || a.Kind != b.Kind || a.Node != b.Node {
			t.Errorf("event %d differs: (%d %s %s) vs (%d %s %s)", i, a.Seq, a.Kind, a.Node, b.Seq, b.Kind, b.Node)
		}
		// backoff jitter hashes from the run seed, so even delays agree
		if a.Kind == event.KindRetry && a.Payload["delay_ms"] != b.Payload["delay_ms"] {
			t.Errorf("retry delays differ: %v vs %v", a.Payload["delay_ms"], b.Payload["delay_ms"])
		}
	}
	if mustJSON(t, firstState) != mustJSON(t, secondState) {
		t.Errorf("final states differ:\n%s\n%s", mustJSON(t, firstState), mustJSON(t, secondState))
	}
	if firstState.Meta.Seed != seedFromRunID("twin-1") {
		t.Errorf("seed = %d, want the run-ID derivation", firstState.Meta.Seed)
	}
}

func linearGraph() *Graph {
	g := NewGraph()
	g.Add(fixedNode("a", nil, Schema{"x": TypeString}, map[string]any{"x": "one"}))
	g.Add(fixedNode("b", nil, Schema{"y": TypeString}, map[string]any{"y": "two"}))
	g.Add(fixedNode("c", nil, Schema{"z": TypeString}, map[string]any{"z": "three"}))
	g.Connect("a", "b", nil)
	g.Connect("b", "c", nil)
	g.Entry("a")
	return g
}

func TestResumeFromCheckpoint_Continues(t *testing.T) {
	g := linearGraph()
	r, led, _ := newTestRunner(t, g)
	ctx := context.Background()

	original, err := r.Run(ctx, "run-1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	before, _ := led.History(ctx, "run-1")
	if len(before) != 6 {
		t.Fatalf("expected 6 events before replay, got %d", len(before))
	}

	second, err := NewRunner(g, led)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	replayBuf := event.NewBuffered()
	second.Subscribe(replayBuf)

	res, err := second.ResumeFromCheckpoint(ctx, "run-1", 2)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint failed: %v", err)
	}

	t.Run("continuation reaches the original state", func(t *testing.T) {
		if res.Status != StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", res.Status)
		}
		if mustJSON(t, res.State) != mustJSON(t, original.State) {
			t.Errorf("replayed state differs:\n%s\n%s", mustJSON(t, res.State), mustJSON(t, original.State))
		}
	})

	t.Run("re-executes only past the checkpoint", func(t *testing.T) {
		got := timeline(replayBuf.History("run-1"))
		want := []string{"dispatch:b", "success:b", "dispatch:c", "success:c"}
		if !sameTimeline(got, want) {
			t.Errorf("replay timeline = %v, want %v", got, want)
		}
	})

	t.Run("the durable log is unchanged", func(t *testing.T) {
		after, err := led.History(ctx, "run-1")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(after) != len(before) {
			t.Fatalf("event log grew from %d to %d", len(before), len(after))
		}
		for i := range after {
			if after[i].Seq != before[i].Seq || after[i].Kind != before[i].Kind {
				t.Errorf("event %d changed: %v vs %v", i, after[i], before[i])
			}
		}
		record, _ := led.LoadRun(ctx, "run-1")
		if record.Status != string(StatusCompleted) {
			t.Errorf("persisted status = %s, want COMPLETED", record.Status)
		}
	})
}

func TestResumeFromCheckpoint_LatestIsNoOp(t *testing.T) {
	g := linearGraph()
	r, led, _ := newTestRunner(t, g)
	ctx := context.Background()

	if _, err := r.Run(ctx, "run-1", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	second, err := NewRunner(g, led)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	replayBuf := event.NewBuffered()
	second.Subscribe(replayBuf)

	res, err := second.ResumeFromCheckpoint(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("ResumeFromCheckpoint failed: %v", err)
	}
	if res.Status != StatusCompleted || res.State.Version != 3 {
		t.Errorf("expected an immediate COMPLETED at version 3, got %s v%d", res.Status, res.State.Version)
	}
	if n := len(replayBuf.History("run-1")); n != 0 {
		t.Errorf("expected no re-executed events from the latest checkpoint, got %d", n)
	}
}

func TestResumeFromCheckpoint_Errors(t *testing.T) {
	g := approvalGraph(t)
	r, _, _ := newTestRunner(t, g)
	ctx := context.Background()

	t.Run("unknown run", func(t *testing.T) {
		_, err := r.ResumeFromCheckpoint(ctx, "ghost", 0)
		if !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("suspended run", func(t *testing.T) {
		res, err := r.Run(ctx, "run-1", nil)
		if err != nil || res.Status != StatusSuspended {
			t.Fatalf("expected a suspended run, got %s (%v)", res.Status, err)
		}
		_, err = r.ResumeFromCheckpoint(ctx, "run-1", 0)
		if err == nil || !strings.Contains(err.Error(), "resolve it with Resume") {
			t.Errorf("expected the gate redirect, got %v", err)
		}
	})
}

func TestResumeFromCheckpoint_StrictReplay(t *testing.T) {
	t.Run("pure nodes verify clean", func(t *testing.T) {
		g := linearGraph()
		r, led, _ := newTestRunner(t, g)
		ctx := context.Background()
		original, err := r.Run(ctx, "run-1", nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		strict, err := NewRunner(g, led, WithStrictReplay())
		if err != nil {
			t.Fatalf("NewRunner failed: %v", err)
		}
		res, err := strict.ResumeFromCheckpoint(ctx, "run-1", 2)
		if err != nil {
			t.Fatalf("strict replay failed: %v", err)
		}
		if res.Status != StatusCompleted || mustJSON(t, res.State) != mustJSON(t, original.State) {
			t.Errorf("strict replay diverged: %s %s", res.Status, mustJSON(t, res.State))
		}
	})

	t.Run("impure node trips the mismatch", func(t *testing.T) {
		calls := 0
		g := NewGraph()
		g.Add(fixedNode("a", nil, Schema{"x": TypeString}, map[string]any{"x": "one"}))
		g.Add(NewFuncNode(NodeSpec{Name: "b", Out: Schema{"n": TypeNumber}}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
			calls++
			return map[string]any{"n": calls}, nil
		}))
		g.Connect("a", "b", nil)
		g.Entry("a")

		r, led, _ := newTestRunner(t, g)
		ctx := context.Background()
		if _, err := r.Run(ctx, "run-1", nil); err != nil {
			t.Fatalf("Run failed: %v", err)
		}

		strict, err := NewRunner(g, led, WithStrictReplay())
		if err != nil {
			t.Fatalf("NewRunner failed: %v", err)
		}
		strictBuf := event.NewBuffered()
		strict.Subscribe(strictBuf)

		res, err := strict.ResumeFromCheckpoint(ctx, "run-1", 2)
		if res.Status != StatusFailed {
			t.Fatalf("expected FAILED, got %s", res.Status)
		}
		if !errors.Is(err, ErrReplayMismatch) {
			t.Errorf("expected ErrReplayMismatch, got %v", err)
		}
		failures := strictBuf.HistoryWhere("run-1", event.Filter{Kind: event.KindFailure})
		if len(failures) != 1 || !strings.Contains(failures[0].Payload["error"].(string), "output hash") {
			t.Errorf("expected the hash divergence reported, got %v", failures)
		}
	})
}

func TestHashValues(t *testing.T) {
	a := map[string]any{"x": 1, "y": []any{"a", "b"}, "z": map[string]any{"k": true}}
	b := map[string]any{"z": map[string]any{"k": true}, "y": []any{"a", "b"}, "x": 1}
	if hashValues(a) != hashValues(b) {
		t.Error("equal maps must hash equal regardless of construction order")
	}
	c := map[string]any{"x": 2, "y": []any{"a", "b"}, "z": map[string]any{"k": true}}
	if hashValues(a) == hashValues(c) {
		t.Error("different values must hash differently")
	}
	if !strings.HasPrefix(hashValues(a), "sha256:") {
		t.Errorf("hash should carry its algorithm prefix, got %s", hashValues(a))
	}
}
