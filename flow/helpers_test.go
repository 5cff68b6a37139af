package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

// fixedNode builds a function node that always returns the given values.
func fixedNode(name string, in, out Schema, values map[string]any) *FuncNode {
	return NewFuncNode(NodeSpec{Name: name, In: in, Out: out}, func(ctx context.Context, inv Invocation) (map[string]any, error) {
		return values, nil
	})
}

// newTestRunner wires a runner to a fresh in-memory ledger and a buffered
// event handler for assertions.
func newTestRunner(t *testing.T, g *Graph, opts ...Option) (*Runner, *ledger.Memory, *event.Buffered) {
	t.Helper()
	led := ledger.NewMemory()
	t.Cleanup(func() { led.Close() })
	r, err := NewRunner(g, led, opts...)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	buf := event.NewBuffered()
	r.Subscribe(buf)
	return r, led, buf
}

// timeline renders events as "kind:node" strings for order assertions.
func timeline(events []event.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		if e.Node == "" {
			out = append(out, string(e.Kind))
			continue
		}
		out = append(out, string(e.Kind)+":"+e.Node)
	}
	return out
}

func sameTimeline(a, b []string) bool {
	return strings.Join(a, "|") == strings.Join(b, "|")
}
