package event

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a Handler that derives Prometheus metrics from the event
// stream. It observes dispatch/terminal pairs for in-flight tracking and
// reads duration and queue-depth figures from event payloads.
//
// All metrics live under the "orca" namespace:
//
//	orca_events_total{kind}
//	orca_retries_total{node}
//	orca_failures_total{node}
//	orca_suspensions_total
//	orca_inflight_nodes
//	orca_frontier_depth
//	orca_node_duration_ms
type Metrics struct {
	events      *prometheus.CounterVec
	retries     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	suspensions prometheus.Counter
	inflight    prometheus.Gauge
	frontier    prometheus.Gauge
	duration    prometheus.Histogram
}

// NewMetrics registers the metric set with the given registry and returns
// a bus handler. Pass a fresh prometheus.NewRegistry in tests to avoid
// duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "events_total",
			Help:      "Run events published, by kind",
		}, []string{"kind"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "retries_total",
			Help:      "Node retry attempts",
		}, []string{"node"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "failures_total",
			Help:      "Node invocations that exhausted their error policy",
		}, []string{"node"}),
		suspensions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orca",
			Name:      "suspensions_total",
			Help:      "Runs suspended for human input",
		}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orca",
			Name:      "inflight_nodes",
			Help:      "Node invocations currently executing",
		}),
		frontier: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orca",
			Name:      "frontier_depth",
			Help:      "Nodes ready or in flight at last dispatch",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "orca",
			Name:      "node_duration_ms",
			Help:      "Node invocation wall time in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
	}
}

// Handle updates metrics from one event.
func (m *Metrics) Handle(e Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case KindDispatch:
		m.inflight.Inc()
		if depth, ok := payloadInt(e.Payload, "frontier"); ok {
			m.frontier.Set(float64(depth))
		}
	case KindRetry:
		m.retries.WithLabelValues(e.Node).Inc()
	case KindSuccess:
		m.inflight.Dec()
		m.observeDuration(e)
	case KindFailure:
		m.inflight.Dec()
		m.failures.WithLabelValues(e.Node).Inc()
		m.observeDuration(e)
	case KindSuspend:
		m.inflight.Dec()
		m.suspensions.Inc()
	}
}

func (m *Metrics) observeDuration(e Event) {
	if ms, ok := payloadInt(e.Payload, "duration_ms"); ok {
		m.duration.Observe(float64(ms))
	}
}

// payloadInt reads an integer payload field regardless of whether it
// survived a JSON round trip (float64) or is still a native int.
func payloadInt(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
