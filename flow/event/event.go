// Package event defines the run event model and the per-runner event bus.
//
// Every observable moment in a run (dispatch, success, retry, failure,
// route-decision, suspend, resume, cancel) is published as an Event with a
// per-run sequence number. Handlers subscribe to a Bus; logging, metrics,
// and tracing all attach here rather than inside the engine.
package event

import "time"

// Kind classifies a run event.
type Kind string

// Event kinds, one per observable runner transition.
const (
	KindDispatch Kind = "dispatch"
	KindSuccess  Kind = "success"
	KindRetry    Kind = "retry"
	KindFailure  Kind = "failure"
	KindRoute    Kind = "route-decision"
	KindSuspend  Kind = "suspend"
	KindResume   Kind = "resume"
	KindCancel   Kind = "cancel"
)

// Event is a single entry in a run's append-only event stream.
//
// Seq is strictly increasing within a run and assigned by the runner's
// merge step, so handlers may rely on it for ordering even when node
// execution itself was concurrent.
type Event struct {
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	Kind    Kind           `json:"kind"`
	Node    string         `json:"node,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}
