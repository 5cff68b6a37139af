package flow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

func TestNewRunner(t *testing.T) {
	valid := func() *Graph {
		g := NewGraph()
		g.Add(fixedNode("a", nil, nil, map[string]any{}))
		g.Entry("a")
		return g
	}

	t.Run("nil graph rejected", func(t *testing.T) {
		if _, err := NewRunner(nil, ledger.NewMemory()); err == nil {
			t.Error("expected an error for a nil graph")
		}
	})

	t.Run("nil ledger rejected", func(t *testing.T) {
		if _, err := NewRunner(valid(), nil); err == nil {
			t.Error("expected an error for a nil ledger")
		}
	})

	t.Run("invalid graph rejected", func(t *testing.T) {
		g := NewGraph()
		g.Add(fixedNode("a", nil, nil, nil)) // no entry declared
		_, err := NewRunner(g, ledger.NewMemory())
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("expected a validation error, got %v", err)
		}
	})

	t.Run("bad option rejected", func(t *testing.T) {
		if _, err := NewRunner(valid(), ledger.NewMemory(), WithMaxInFlight(0)); err == nil {
			t.Error("expected an error for a zero in-flight limit")
		}
	})
}

func TestRun_LinearPipeline(t *testing.T) {
	g := NewGraph()
	g.Name = "pipeline"
	g.Add(NewFuncNode(NodeSpec{
		Name: "retrieve",
		In:   Schema{"query": TypeString},
		Out:  Schema{"docs": TypeArray},
	}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{"docs": []any{"doc about " + inv.Input["query"].(string)}}, nil
	}))
	g.Add(NewFuncNode(NodeSpec{
		Name: "rank",
		In:   Schema{"docs": TypeArray},
		Out:  Schema{"ranked": TypeArray},
	}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{"ranked": inv.Input["docs"]}, nil
	}))
	g.Connect("retrieve", "rank", nil)
	g.Entry("retrieve")

	r, led, buf := newTestRunner(t, g)
	res, err := r.Run(context.Background(), "run-1", map[string]any{"query": "golang"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	t.Run("result", func(t *testing.T) {
		if res.Status != StatusCompleted {
			t.Errorf("expected COMPLETED, got %s", res.Status)
		}
		if res.RunID != "run-1" {
			t.Errorf("expected run-1, got %s", res.RunID)
		}
		if res.Duration <= 0 {
			t.Error("expected a positive duration")
		}
		if res.Gate != nil {
			t.Errorf("expected no gate, got %+v", res.Gate)
		}
	})

	t.Run("state", func(t *testing.T) {
		if res.State.Version != 2 {
			t.Errorf("expected version 2, got %d", res.State.Version)
		}
		if res.State.Context["query"] != "golang" {
			t.Errorf("expected the input in context, got %v", res.State.Context)
		}
		if _, ok := res.State.Output("retrieve"); !ok {
			t.Error("expected retrieve output merged")
		}
		ranked, ok := res.State.Output("rank")
		if !ok {
			t.Fatal("expected rank output merged")
		}
		if _, ok := ranked["ranked"].([]any); !ok {
			t.Errorf("expected ranked docs, got %v", ranked)
		}
	})

	t.Run("event timeline", func(t *testing.T) {
		got := timeline(buf.History("run-1"))
		want := []string{"dispatch:retrieve", "success:retrieve", "dispatch:rank", "success:rank"}
		if !sameTimeline(got, want) {
			t.Errorf("timeline = %v, want %v", got, want)
		}
		events := buf.History("run-1")
		for i, e := range events {
			if e.Seq != int64(i+1) {
				t.Errorf("event %d has seq %d, want %d", i, e.Seq, i+1)
			}
		}
		first := events[0].Payload
		if first["index"] != 0 || first["reason"] != "entry" {
			t.Errorf("unexpected entry dispatch payload: %v", first)
		}
		if events[1].Payload["version"] != int64(1) {
			t.Errorf("expected version 1 in first success, got %v", events[1].Payload["version"])
		}
		rankDispatch := events[2].Payload
		if rankDispatch["origin"] != "retrieve" || rankDispatch["reason"] != "edge" {
			t.Errorf("unexpected rank dispatch payload: %v", rankDispatch)
		}
	})

	t.Run("persistence", func(t *testing.T) {
		record, err := led.LoadRun(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("LoadRun failed: %v", err)
		}
		if record.Status != string(StatusCompleted) || record.Graph != "pipeline" {
			t.Errorf("unexpected record: %+v", record)
		}
		cp, err := led.LatestCheckpoint(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("LatestCheckpoint failed: %v", err)
		}
		if cp.Sequence != 4 {
			t.Errorf("expected final checkpoint at seq 4, got %d", cp.Sequence)
		}
		history, err := led.History(context.Background(), "run-1")
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) != 4 {
			t.Errorf("expected 4 persisted events, got %d", len(history))
		}
	})
}

func TestRun_GeneratesRunID(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("a", nil, nil, map[string]any{}))
	g.Entry("a")
	r, _, _ := newTestRunner(t, g)

	res, err := r.Run(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, err := uuid.Parse(res.RunID); err != nil {
		t.Errorf("expected a generated UUID, got %q", res.RunID)
	}
}

func TestRun_RejectsUnsatisfiedInput(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("a", Schema{"query": TypeString}, nil, map[string]any{}))
	g.Entry("a")
	r, led, _ := newTestRunner(t, g)

	_, err := r.Run(context.Background(), "run-1", map[string]any{"q": 1})
	if err == nil || !strings.Contains(err.Error(), `"query"`) {
		t.Fatalf("expected an input schema error naming the field, got %v", err)
	}
	if _, err := led.LoadRun(context.Background(), "run-1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected no run record after a rejected input, got %v", err)
	}
}

func TestRun_RejectsDuplicateRunID(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("a", nil, nil, map[string]any{}))
	g.Entry("a")
	r, _, _ := newTestRunner(t, g)

	if _, err := r.Run(context.Background(), "run-1", nil); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	_, err := r.Run(context.Background(), "run-1", nil)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("expected a duplicate-run error, got %v", err)
	}
}

func TestRun_ConditionalEdges(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("score", nil, Schema{"score": TypeNumber}, map[string]any{"score": 0.9}))
	g.Add(fixedNode("high", nil, nil, map[string]any{"path": "high"}))
	g.Add(fixedNode("low", nil, nil, map[string]any{"path": "low"}))
	g.Connect("score", "high", func(v map[string]any) bool { return v["score"].(float64) > 0.5 })
	g.Connect("score", "low", func(v map[string]any) bool { return v["score"].(float64) <= 0.5 })
	g.Entry("score")

	r, _, _ := newTestRunner(t, g)
	res, err := r.Run(context.Background(), "run-1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := res.State.Output("high"); !ok {
		t.Error("expected the high branch to run")
	}
	if _, ok := res.State.Output("low"); ok {
		t.Error("expected the low branch to be skipped")
	}
}

func TestRun_FanOutBoundedByMaxInFlight(t *testing.T) {
	var current, peak atomic.Int32
	probe := func(name string) *FuncNode {
		return NewFuncNode(NodeSpec{Name: name}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(25 * time.Millisecond)
			current.Add(-1)
			return map[string]any{}, nil
		})
	}

	g := NewGraph()
	g.Add(fixedNode("start", nil, nil, map[string]any{}))
	for _, name := range []string{"b", "c", "d", "e"} {
		g.Add(probe(name))
		g.Connect("start", name, nil)
	}
	g.Entry("start")

	r, _, _ := newTestRunner(t, g, WithMaxInFlight(2))
	res, err := r.Run(context.Background(), "run-1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.State.Version != 5 {
		t.Errorf("expected all five merges, got version %d", res.State.Version)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("observed %d concurrent invocations, limit is 2", p)
	}
}

func TestRun_MaxStepsExceeded(t *testing.T) {
	g := NewGraph()
	g.Add(NewFuncNode(NodeSpec{Name: "loop", MaxTraversals: 100}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{}, nil
	}))
	g.Connect("loop", "loop", nil)
	g.Entry("loop")

	r, led, _ := newTestRunner(t, g, WithMaxSteps(5))
	res, err := r.Run(context.Background(), "run-1", nil)
	if res.Status != StatusFailed {
		t.Errorf("expected FAILED, got %s", res.Status)
	}
	if !errors.Is(err, ErrMaxSteps) {
		t.Errorf("expected ErrMaxSteps in the chain, got %v", err)
	}
	record, lerr := led.LoadRun(context.Background(), "run-1")
	if lerr != nil {
		t.Fatalf("LoadRun failed: %v", lerr)
	}
	if record.Status != string(StatusFailed) || record.Error == "" {
		t.Errorf("expected a failed record with detail, got %+v", record)
	}
}

func TestRun_TraversalCap(t *testing.T) {
	cycle := func(fallback string) *Graph {
		g := NewGraph()
		g.Add(NewFuncNode(NodeSpec{Name: "a", MaxTraversals: 2, Policy: ErrorPolicy{Fallback: fallback}}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return map[string]any{}, nil
		}))
		g.Add(NewFuncNode(NodeSpec{Name: "b", MaxTraversals: 2}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
			return map[string]any{}, nil
		}))
		g.Connect("a", "b", nil)
		g.Connect("b", "a", nil)
		if fallback != "" {
			g.Add(fixedNode(fallback, nil, nil, map[string]any{"done": true}))
		}
		g.Entry("a")
		return g
	}

	t.Run("terminates the run without a policy", func(t *testing.T) {
		r, _, buf := newTestRunner(t, cycle(""))
		res, err := r.Run(context.Background(), "run-1", nil)
		if res.Status != StatusFailed {
			t.Errorf("expected FAILED, got %s", res.Status)
		}
		var capErr *CapExceededError
		if !errors.As(err, &capErr) || capErr.Node != "a" || capErr.Cap != 2 {
			t.Errorf("expected a cap error for node a, got %v", err)
		}
		failures := buf.HistoryWhere("run-1", event.Filter{Kind: event.KindFailure})
		if len(failures) != 1 || failures[0].Payload["disposition"] != "terminal" {
			t.Errorf("expected one terminal failure event, got %v", failures)
		}
	})

	t.Run("flows through the fallback when declared", func(t *testing.T) {
		r, _, buf := newTestRunner(t, cycle("finish"))
		res, err := r.Run(context.Background(), "run-2", nil)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.Status != StatusCompleted {
			t.Errorf("expected COMPLETED, got %s", res.Status)
		}
		if _, ok := res.State.Output("finish"); !ok {
			t.Error("expected the fallback node to run")
		}
		failures := buf.HistoryWhere("run-2", event.Filter{Kind: event.KindFailure})
		if len(failures) != 1 || failures[0].Payload["disposition"] != "fallback" {
			t.Errorf("expected one fallback failure event, got %v", failures)
		}
	})
}

func TestRun_CooperativeCancel(t *testing.T) {
	var r *Runner
	g := NewGraph()
	g.Add(NewFuncNode(NodeSpec{Name: "wait"}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		if err := r.Cancel(context.Background(), inv.State.RunID); err != nil {
			return nil, err
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	g.Entry("wait")

	runner, led, buf := newTestRunner(t, g, WithDrainGrace(time.Second))
	r = runner

	res, err := runner.Run(context.Background(), "run-1", nil)
	if res.Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", res.Status)
	}
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("expected ErrCancelled, got %v", err)
	}

	events := timeline(buf.History("run-1"))
	if len(events) == 0 || events[0] != "cancel" {
		t.Errorf("expected the cancel event first, got %v", events)
	}
	failures := buf.HistoryWhere("run-1", event.Filter{Kind: event.KindFailure})
	if len(failures) != 1 || failures[0].Payload["disposition"] != "aborted" {
		t.Errorf("expected an aborted failure event, got %v", failures)
	}

	// the aborted unit must be requeued for a later resume
	cp, err := led.LatestCheckpoint(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	var snap frontierSnapshot
	if err := json.Unmarshal(cp.Frontier, &snap); err != nil {
		t.Fatalf("decode frontier: %v", err)
	}
	if len(snap.Items) != 1 || snap.Items[0].Node != "wait" {
		t.Errorf("expected the aborted unit in the frontier, got %+v", snap.Items)
	}

	record, err := led.LoadRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if record.Status != string(StatusCancelled) {
		t.Errorf("expected CANCELLED record, got %s", record.Status)
	}
}

func TestRun_ContextCancel(t *testing.T) {
	g := NewGraph()
	g.Add(NewFuncNode(NodeSpec{Name: "wait"}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	g.Entry("wait")

	r, led, _ := newTestRunner(t, g, WithDrainGrace(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := r.Run(ctx, "run-1", nil)
	if res.Status != StatusCancelled || !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected cancelled run, got %s / %v", res.Status, err)
	}
	// persistence must survive the caller's dead context
	record, lerr := led.LoadRun(context.Background(), "run-1")
	if lerr != nil {
		t.Fatalf("LoadRun failed: %v", lerr)
	}
	if record.Status != string(StatusCancelled) {
		t.Errorf("expected CANCELLED record, got %s", record.Status)
	}
}

func TestCancel_Administrative(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("draft", nil, Schema{"summary": TypeString}, map[string]any{"summary": "text"}))
	g.Add(NewGateNode(NodeSpec{Name: "approve", Out: Schema{"approved": TypeBool}}))
	g.Connect("draft", "approve", nil)
	g.Entry("draft")

	r, led, buf := newTestRunner(t, g)
	res, err := r.Run(context.Background(), "run-1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusSuspended {
		t.Fatalf("expected SUSPENDED, got %s", res.Status)
	}

	if err := r.Cancel(context.Background(), "run-1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	record, err := led.LoadRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if record.Status != string(StatusCancelled) {
		t.Errorf("expected CANCELLED, got %s", record.Status)
	}
	open, err := led.OpenGates(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("OpenGates failed: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("expected no open gates after cancel, got %d", len(open))
	}
	gate, err := led.LoadGate(context.Background(), "run-1", res.Gate.ID)
	if err != nil {
		t.Fatalf("LoadGate failed: %v", err)
	}
	if gate.Status != ledger.GateResolved || gate.Resolution["cancelled"] != true {
		t.Errorf("expected the gate closed with a cancelled marker, got %+v", gate)
	}
	cancels := buf.HistoryWhere("run-1", event.Filter{Kind: event.KindCancel})
	if len(cancels) != 1 {
		t.Errorf("expected one cancel event, got %d", len(cancels))
	}

	if _, err := r.Resume(context.Background(), "run-1", res.Gate.ID, map[string]any{"approved": true}); !errors.Is(err, ErrNotSuspended) {
		t.Errorf("expected ErrNotSuspended after cancel, got %v", err)
	}
}

func TestCancel_Errors(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("a", nil, nil, map[string]any{}))
	g.Entry("a")
	r, _, _ := newTestRunner(t, g)

	t.Run("unknown run", func(t *testing.T) {
		if err := r.Cancel(context.Background(), "ghost"); !errors.Is(err, ledger.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("finished run", func(t *testing.T) {
		if _, err := r.Run(context.Background(), "run-1", nil); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		err := r.Cancel(context.Background(), "run-1")
		if err == nil || !strings.Contains(err.Error(), "already finished") {
			t.Errorf("expected an already-finished error, got %v", err)
		}
	})
}
