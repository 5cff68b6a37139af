package event

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_EventCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Handle(Event{RunID: "r1", Seq: 1, Kind: KindDispatch, Node: "a", Payload: map[string]any{"frontier": 3}})
	m.Handle(Event{RunID: "r1", Seq: 2, Kind: KindRetry, Node: "a"})
	m.Handle(Event{RunID: "r1", Seq: 3, Kind: KindRetry, Node: "a"})
	m.Handle(Event{RunID: "r1", Seq: 4, Kind: KindSuccess, Node: "a", Payload: map[string]any{"duration_ms": 12}})

	if got := testutil.ToFloat64(m.events.WithLabelValues("retry")); got != 2 {
		t.Errorf("events_total{kind=retry} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.retries.WithLabelValues("a")); got != 2 {
		t.Errorf("retries_total{node=a} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.inflight); got != 0 {
		t.Errorf("inflight = %v, want 0 after success", got)
	}
	if got := testutil.ToFloat64(m.frontier); got != 3 {
		t.Errorf("frontier_depth = %v, want 3", got)
	}
}

func TestMetrics_FailureAndSuspend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Handle(Event{RunID: "r1", Seq: 1, Kind: KindDispatch, Node: "gate"})
	m.Handle(Event{RunID: "r1", Seq: 2, Kind: KindSuspend, Node: "gate"})
	m.Handle(Event{RunID: "r1", Seq: 3, Kind: KindDispatch, Node: "b"})
	m.Handle(Event{RunID: "r1", Seq: 4, Kind: KindFailure, Node: "b", Payload: map[string]any{"error": "boom"}})

	if got := testutil.ToFloat64(m.suspensions); got != 1 {
		t.Errorf("suspensions_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("b")); got != 1 {
		t.Errorf("failures_total{node=b} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.inflight); got != 0 {
		t.Errorf("inflight = %v, want 0 after terminal events", got)
	}
}

func TestPayloadInt(t *testing.T) {
	cases := []struct {
		name  string
		value any
		want  int64
		ok    bool
	}{
		{"int", 5, 5, true},
		{"int64", int64(7), 7, true},
		{"float64 from JSON", float64(9), 9, true},
		{"string", "nope", 0, false},
		{"missing", nil, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := map[string]any{}
			if tc.value != nil {
				payload["k"] = tc.value
			}
			got, ok := payloadInt(payload, "k")
			if got != tc.want || ok != tc.ok {
				t.Errorf("payloadInt = (%d, %v), want (%d, %v)", got, ok, tc.want, tc.ok)
			}
		})
	}
}
