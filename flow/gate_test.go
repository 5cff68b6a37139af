package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

func approvalGraph(t *testing.T) *Graph {
	t.Helper()
	g := NewGraph()
	g.Add(fixedNode("draft", nil, Schema{"doc": TypeString}, map[string]any{"doc": "quarterly report"}))
	g.Add(NewGateNode(NodeSpec{
		Name: "approve",
		Out:  Schema{"approved": TypeBool, "notes": TypeString},
	}))
	g.Add(NewFuncNode(NodeSpec{
		Name: "publish",
		In:   Schema{"approved": TypeBool},
		Out:  Schema{"published": TypeBool},
	}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return map[string]any{"published": inv.Input["approved"].(bool)}, nil
	}))
	g.Connect("draft", "approve", nil)
	g.Connect("approve", "publish", nil)
	g.Entry("draft")
	return g
}

func TestRun_GateRoundTrip(t *testing.T) {
	g := approvalGraph(t)
	r, led, buf := newTestRunner(t, g)
	ctx := context.Background()

	res, err := r.Run(ctx, "run-1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	t.Run("suspends with the gate input as prompt", func(t *testing.T) {
		if res.Status != StatusSuspended {
			t.Fatalf("expected SUSPENDED, got %s", res.Status)
		}
		if res.Gate == nil {
			t.Fatal("expected a pending gate")
		}
		if res.Gate.Node != "approve" {
			t.Errorf("gate node = %s, want approve", res.Gate.Node)
		}
		// the ID embeds the suspend event's sequence
		if res.Gate.ID != "approve:4" {
			t.Errorf("gate ID = %s, want approve:4", res.Gate.ID)
		}
		if res.Gate.Prompt["doc"] != "quarterly report" {
			t.Errorf("unexpected prompt: %v", res.Gate.Prompt)
		}
	})

	t.Run("persists the open gate", func(t *testing.T) {
		open, err := led.OpenGates(ctx, "run-1")
		if err != nil {
			t.Fatalf("OpenGates failed: %v", err)
		}
		if len(open) != 1 || open[0].GateID != res.Gate.ID || open[0].Status != ledger.GateOpen {
			t.Errorf("unexpected open gates: %+v", open)
		}
		record, err := led.LoadRun(ctx, "run-1")
		if err != nil {
			t.Fatalf("LoadRun failed: %v", err)
		}
		if record.Status != string(StatusSuspended) {
			t.Errorf("persisted status = %s, want SUSPENDED", record.Status)
		}
	})

	t.Run("suspend event names the gate", func(t *testing.T) {
		suspends := buf.HistoryWhere("run-1", event.Filter{Kind: event.KindSuspend})
		if len(suspends) != 1 {
			t.Fatalf("expected one suspend event, got %d", len(suspends))
		}
		if suspends[0].Payload["gate_id"] != res.Gate.ID {
			t.Errorf("suspend payload = %v", suspends[0].Payload)
		}
	})

	done, err := r.Resume(ctx, "run-1", res.Gate.ID, map[string]any{"approved": true, "notes": "ship it"})
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	t.Run("resume applies the resolution as the gate output", func(t *testing.T) {
		if done.Status != StatusCompleted {
			t.Fatalf("expected COMPLETED, got %s", done.Status)
		}
		out, ok := done.State.Output("approve")
		if !ok || out["approved"] != true || out["notes"] != "ship it" {
			t.Errorf("gate output = %v", out)
		}
		pub, _ := done.State.Output("publish")
		if pub["published"] != true {
			t.Errorf("expected the resolution to reach the successor, got %v", pub)
		}
		if done.State.Version != 3 {
			t.Errorf("expected version 3 (draft, gate, publish), got %d", done.State.Version)
		}
	})

	t.Run("event log covers both phases", func(t *testing.T) {
		got := timeline(buf.History("run-1"))
		want := []string{
			"dispatch:draft", "success:draft",
			"dispatch:approve", "suspend:approve",
			"resume:approve",
			"dispatch:publish", "success:publish",
		}
		if !sameTimeline(got, want) {
			t.Errorf("timeline = %v, want %v", got, want)
		}
		resumes := buf.HistoryWhere("run-1", event.Filter{Kind: event.KindResume})
		if resumes[0].Payload["gate_id"] != res.Gate.ID || resumes[0].Payload["version"] != int64(2) {
			t.Errorf("resume payload = %v", resumes[0].Payload)
		}
	})

	t.Run("gate record is resolved", func(t *testing.T) {
		gate, err := led.LoadGate(ctx, "run-1", res.Gate.ID)
		if err != nil {
			t.Fatalf("LoadGate failed: %v", err)
		}
		if gate.Status != ledger.GateResolved {
			t.Errorf("gate status = %s, want resolved", gate.Status)
		}
		if gate.Resolution["notes"] != "ship it" {
			t.Errorf("gate resolution = %v", gate.Resolution)
		}
	})
}

func TestResume_InvalidResolution(t *testing.T) {
	g := approvalGraph(t)
	r, led, _ := newTestRunner(t, g)
	ctx := context.Background()

	res, err := r.Run(ctx, "run-1", nil)
	if err != nil || res.Status != StatusSuspended {
		t.Fatalf("expected a suspended run, got %s (%v)", res.Status, err)
	}

	_, err = r.Resume(ctx, "run-1", res.Gate.ID, map[string]any{"approved": "yes", "notes": "typed wrong"})
	if err == nil || !strings.Contains(err.Error(), "does not satisfy gate") {
		t.Fatalf("expected a schema rejection, got %v", err)
	}
	_, err = r.Resume(ctx, "run-1", res.Gate.ID, map[string]any{"approved": true})
	if err == nil || !strings.Contains(err.Error(), "notes") {
		t.Fatalf("expected the missing field named, got %v", err)
	}

	// the rejected resolutions left the gate open
	open, _ := led.OpenGates(ctx, "run-1")
	if len(open) != 1 {
		t.Fatalf("expected the gate still open, got %d", len(open))
	}
	done, err := r.Resume(ctx, "run-1", res.Gate.ID, map[string]any{"approved": false, "notes": "redo"})
	if err != nil {
		t.Fatalf("valid Resume failed: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", done.Status)
	}
	pub, _ := done.State.Output("publish")
	if pub["published"] != false {
		t.Errorf("expected the rejection to flow through, got %v", pub)
	}
}

func TestResume_UnknownGate(t *testing.T) {
	g := approvalGraph(t)
	r, _, _ := newTestRunner(t, g)
	ctx := context.Background()

	if _, err := r.Run(ctx, "run-1", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	_, err := r.Resume(ctx, "run-1", "ghost:9", map[string]any{"approved": true, "notes": ""})
	if !errors.Is(err, ledger.ErrGateNotFound) {
		t.Errorf("expected ErrGateNotFound, got %v", err)
	}
}

func TestResume_NotSuspended(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("only", nil, Schema{"ok": TypeBool}, map[string]any{"ok": true}))
	g.Entry("only")
	r, _, _ := newTestRunner(t, g)
	ctx := context.Background()

	if _, err := r.Run(ctx, "run-1", nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	_, err := r.Resume(ctx, "run-1", "only:1", map[string]any{"ok": true})
	if !errors.Is(err, ErrNotSuspended) {
		t.Errorf("expected ErrNotSuspended, got %v", err)
	}
}

func TestResume_ResolvedGateRejected(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("start", nil, Schema{"doc": TypeString}, map[string]any{"doc": "v1"}))
	g.Add(NewGateNode(NodeSpec{Name: "legal", Out: Schema{"ok": TypeBool}}))
	g.Add(NewGateNode(NodeSpec{Name: "finance", Out: Schema{"ok": TypeBool}}))
	g.Connect("start", "legal", nil)
	g.Connect("legal", "finance", nil)
	g.Entry("start")

	r, _, _ := newTestRunner(t, g)
	ctx := context.Background()

	first, err := r.Run(ctx, "run-1", nil)
	if err != nil || first.Gate == nil || first.Gate.Node != "legal" {
		t.Fatalf("expected suspension on legal, got %+v (%v)", first.Gate, err)
	}
	second, err := r.Resume(ctx, "run-1", first.Gate.ID, map[string]any{"ok": true})
	if err != nil || second.Gate == nil || second.Gate.Node != "finance" {
		t.Fatalf("expected suspension on finance, got %+v (%v)", second.Gate, err)
	}
	if second.Gate.ID == first.Gate.ID {
		t.Fatal("the two gates must not share an ID")
	}

	_, err = r.Resume(ctx, "run-1", first.Gate.ID, map[string]any{"ok": true})
	if !errors.Is(err, ledger.ErrGateResolved) {
		t.Errorf("expected ErrGateResolved for the spent gate, got %v", err)
	}
}

func TestRun_GatePromptBuilder(t *testing.T) {
	g := NewGraph()
	g.Add(fixedNode("draft", nil, Schema{"doc": TypeString, "internal": TypeString}, map[string]any{
		"doc":      "public summary",
		"internal": "scratch notes",
	}))
	gate := NewGateNode(NodeSpec{Name: "review", Out: Schema{"ok": TypeBool}}).
		WithPrompt(func(inv Invocation) map[string]any {
			return map[string]any{"question": "publish this?", "doc": inv.Input["doc"]}
		})
	g.Add(gate)
	g.Connect("draft", "review", nil)
	g.Entry("draft")

	r, _, _ := newTestRunner(t, g)
	res, err := r.Run(context.Background(), "run-1", nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Gate.Prompt["question"] != "publish this?" || res.Gate.Prompt["doc"] != "public summary" {
		t.Errorf("unexpected prompt: %v", res.Gate.Prompt)
	}
	if _, leaked := res.Gate.Prompt["internal"]; leaked {
		t.Error("the prompt builder output must replace the raw input")
	}
}
