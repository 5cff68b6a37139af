package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

// RedactedPlaceholder replaces the value of every redacted field in an
// export.
const RedactedPlaceholder = "[REDACTED]"

// RunExport is the sanitized projection of one run: its header, the state
// as of the latest checkpoint, and the full event history including
// compacted events.
type RunExport struct {
	Run    ledger.RunRecord `json:"run"`
	State  RunState         `json:"state"`
	Events []event.Event    `json:"events"`
}

// Export renders a run as indented JSON with the given field patterns
// redacted. A pattern matches any field whose name contains it, case
// insensitively, at any nesting depth in the state context, node outputs,
// artifact names, and event payloads.
func (r *Runner) Export(ctx context.Context, runID string, redact ...string) ([]byte, error) {
	record, err := r.ledger.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	state := RunState{RunID: runID}
	cp, err := r.ledger.LatestCheckpoint(ctx, runID)
	switch {
	case err == nil:
		if err := json.Unmarshal(cp.State, &state); err != nil {
			return nil, fmt.Errorf("decode checkpoint state: %w", err)
		}
	case errors.Is(err, ledger.ErrNotFound):
		// run never reached a checkpoint; export an empty state
	default:
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	events, err := r.ledger.History(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	state.Context = Redact(state.Context, redact...)
	for node, out := range state.NodeOutputs {
		state.NodeOutputs[node] = Redact(out, redact...)
	}
	for name := range state.Artifacts {
		if matchesAny(name, redact) {
			state.Artifacts[name] = RedactedPlaceholder
		}
	}
	for i := range events {
		events[i].Payload = Redact(events[i].Payload, redact...)
	}

	doc := RunExport{Run: record, State: state, Events: events}
	return json.MarshalIndent(doc, "", "  ")
}

// Redact returns a copy of values with every field whose name matches one
// of the patterns replaced by RedactedPlaceholder. Matching is a
// case-insensitive substring test and recurses through nested objects and
// arrays. The input is never modified.
func Redact(values map[string]any, patterns ...string) map[string]any {
	if values == nil {
		return nil
	}
	return redactValue(values, patterns).(map[string]any)
}

func redactValue(v any, patterns []string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if matchesAny(k, patterns) {
				out[k] = RedactedPlaceholder
				continue
			}
			out[k] = redactValue(val, patterns)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, el := range t {
			out[i] = redactValue(el, patterns)
		}
		return out
	default:
		return v
	}
}

func matchesAny(field string, patterns []string) bool {
	lower := strings.ToLower(field)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
