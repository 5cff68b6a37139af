package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

// processOutcome flushes one invocation's event block (dispatch, buffered
// retries, terminal event) and applies its consequences: a state merge and
// successor activation, a policy-driven substitution, or a suspension.
// Blocks flush in dispatch order, which is what makes the event log a
// serialized trace of a concurrent execution.
func (s *session) processOutcome(o outcome) error {
	u := o.unit
	dispatch := map[string]any{"index": u.index, "reason": u.Reason, "frontier": u.depth}
	if u.Origin != "" {
		dispatch["origin"] = u.Origin
	}
	if err := s.emit(event.KindDispatch, u.Node, dispatch); err != nil {
		return err
	}
	for _, proto := range o.retries {
		if err := s.emit(proto.Kind, proto.Node, proto.Payload); err != nil {
			return err
		}
	}

	if o.err == nil {
		return s.mergeSuccess(o)
	}
	var signal *GateSignal
	if errors.As(o.err, &signal) {
		if s.windingDown() {
			// a second gate cannot open; re-fires after resume
			s.traversals[u.Node]--
			s.queue = append(s.queue, u)
			return nil
		}
		return s.suspend(o, signal)
	}
	return s.mergeFailure(o, o.err)
}

// mergeSuccess validates the output against the node's schema, stores
// artifacts, applies the merge, and activates successors. Violations turn
// the success into a non-retryable failure before anything touches the
// state: no partial merges, ever.
func (s *session) mergeSuccess(o outcome) error {
	u := o.unit
	node, _ := s.runner.graph.Node(u.Node)
	spec := node.Spec()

	if issues := spec.Out.Check(o.output.Values); len(issues) > 0 {
		return s.mergeFailure(o, &NodeExecutionError{
			Node:    u.Node,
			Attempt: o.attempt,
			Err:     fmt.Errorf("output schema violation: %s", strings.Join(issues, "; ")),
		})
	}
	if o.output.Route != nil && !s.runner.graph.hasEdge(u.Node, o.output.Route.Target) {
		return s.mergeFailure(o, &NodeExecutionError{
			Node:    u.Node,
			Attempt: o.attempt,
			Err:     fmt.Errorf("route target %q has no edge from %s", o.output.Route.Target, u.Node),
		})
	}
	values, err := cloneValues(o.output.Values)
	if err != nil {
		return s.mergeFailure(o, &NodeExecutionError{Node: u.Node, Attempt: o.attempt, Err: err})
	}

	var artifactIDs map[string]string
	if len(o.output.Artifacts) > 0 {
		artifactIDs = make(map[string]string, len(o.output.Artifacts))
		names := make([]string, 0, len(o.output.Artifacts))
		for name := range o.output.Artifacts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			id, err := s.runner.ledger.SaveArtifact(s.persistCtx, s.runID, o.output.Artifacts[name])
			if err != nil {
				return fmt.Errorf("save artifact %q: %w", name, err)
			}
			artifactIDs[name] = id
		}
	}

	if s.verify {
		if err := s.rec.verify(u.index, u.Node, u.Input, values); err != nil {
			if s.status == StatusRunning {
				s.status = StatusFailed
				s.runErr = &RunFailedError{RunID: s.runID, Node: u.Node, Err: err}
			}
			return s.emit(event.KindFailure, u.Node, map[string]any{
				"attempts":    o.attempt + 1,
				"error":       err.Error(),
				"disposition": "terminal",
			})
		}
	}
	s.rec.record(u.index, u.Node, u.Input, values)

	s.state.apply(u.Node, values, o.output.Usage.Total(), o.output.Usage.CostUSD, artifactIDs)

	success := map[string]any{
		"attempt":     o.attempt,
		"version":     s.state.Version,
		"duration_ms": o.duration.Milliseconds(),
	}
	if !o.output.Usage.IsZero() {
		success["tokens"] = o.output.Usage.Total()
		success["cost_usd"] = o.output.Usage.CostUSD
	}
	if err := s.emit(event.KindSuccess, u.Node, success); err != nil {
		return err
	}
	if o.output.Route != nil {
		route := map[string]any{
			"rule":       o.output.Route.Rule,
			"target":     o.output.Route.Target,
			"confidence": o.output.Route.Confidence,
			"inputs":     values,
		}
		if err := s.emit(event.KindRoute, u.Node, route); err != nil {
			return err
		}
	}

	s.activateSuccessors(u.Node, values, o.output.Route)

	// checkpoint after activation so the frontier carries the successors
	// this merge just enqueued
	s.sinceCkpt++
	if every := s.runner.cfg.checkpointEvery; every > 0 && s.sinceCkpt >= every {
		if err := s.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// mergeFailure routes an exhausted failure through the node's error
// policy: fallback, escalation, or run termination. Invocations aborted by
// cancellation are not failures; their units requeue so a resume re-runs
// them.
func (s *session) mergeFailure(o outcome, cause error) error {
	u := o.unit
	var policy ErrorPolicy
	if node, ok := s.runner.graph.Node(u.Node); ok {
		policy = node.Spec().Policy
	}
	payload := map[string]any{"attempts": o.attempt + 1, "error": cause.Error()}

	aborted := s.invCtx.Err() != nil &&
		(errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded))
	switch {
	case aborted:
		payload["disposition"] = "aborted"
		s.traversals[u.Node]--
		s.queue = append(s.queue, u)
		s.cancelRun("context")
	case policy.Fallback != "":
		payload["disposition"] = "fallback"
		payload["fallback"] = policy.Fallback
		s.queue = append(s.queue, workUnit{
			Node:     policy.Fallback,
			Input:    u.Input,
			Origin:   u.Node,
			OrderKey: orderKeyFor(u.Node, fallbackEdge),
			Reason:   reasonFallback,
		})
	case policy.EscalateTo != "":
		payload["disposition"] = "escalate"
		payload["escalate"] = policy.EscalateTo
		s.queue = append(s.queue, workUnit{
			Node:     policy.EscalateTo,
			Input:    map[string]any{"error": cause.Error(), "from": u.Node, "input": u.Input},
			Origin:   u.Node,
			OrderKey: orderKeyFor(u.Node, escalationEdge),
			Reason:   reasonEscalation,
		})
	default:
		payload["disposition"] = "terminal"
		if s.status == StatusRunning {
			s.status = StatusFailed
			s.runErr = &RunFailedError{RunID: s.runID, Node: u.Node, Err: cause}
		}
	}
	return s.emit(event.KindFailure, u.Node, payload)
}

// Synthetic edge indices for dispatches that travel no graph edge.
const (
	fallbackEdge   = -1
	escalationEdge = -2
)

// suspend parks the run on an open gate. The gate ID embeds the suspend
// event's sequence number, so replaying the suspension reproduces the same
// ID and upserts the same gate instead of opening a second one.
func (s *session) suspend(o outcome, signal *GateSignal) error {
	u := o.unit
	prompt, err := cloneValues(signal.Prompt)
	if err != nil {
		return s.mergeFailure(o, &NodeExecutionError{Node: u.Node, Attempt: o.attempt, Err: err})
	}
	gateID := fmt.Sprintf("%s:%d", u.Node, s.nextSeq)
	if err := s.emit(event.KindSuspend, u.Node, map[string]any{"gate_id": gateID, "prompt": prompt}); err != nil {
		return err
	}
	record := ledger.GateRecord{
		RunID:     s.runID,
		GateID:    gateID,
		Node:      u.Node,
		Prompt:    prompt,
		Status:    ledger.GateOpen,
		CreatedAt: s.runner.cfg.clock(),
	}
	if err := s.runner.ledger.SavePendingGate(s.persistCtx, record); err != nil {
		return fmt.Errorf("save pending gate: %w", err)
	}
	s.gate = &PendingGate{ID: gateID, Node: u.Node, Prompt: prompt}
	s.status = StatusSuspended
	return s.checkpoint()
}

// activateSuccessors enqueues the downstream work a merged output
// triggers. A route decision selects exactly one edge; otherwise every
// edge whose predicate passes activates, in declaration order.
func (s *session) activateSuccessors(nodeName string, values map[string]any, route *RouteDecision) {
	if route != nil {
		for _, e := range s.runner.graph.edgesFrom(nodeName) {
			if e.Target == route.Target {
				s.activate(e, nodeName, values)
				return
			}
		}
		return
	}
	for _, e := range s.runner.graph.edgesFrom(nodeName) {
		if e.When != nil && !e.When(values) {
			continue
		}
		s.activate(e, nodeName, values)
	}
}

func (s *session) activate(e indexedEdge, source string, values map[string]any) {
	if reduce, ok := s.runner.graph.nodes[e.Target].(*ReduceNode); ok {
		s.reduceArrival(reduce, source, e)
		return
	}
	s.queue = append(s.queue, workUnit{
		Node:     e.Target,
		Input:    values,
		Origin:   source,
		EdgeIdx:  e.Index,
		OrderKey: orderKeyFor(source, e.Index),
		Reason:   reasonEdge,
	})
}

// reduceArrival records that a declared predecessor has produced for the
// current traversal. When the set completes, the reduce node fires with
// every predecessor's output assembled in fan-in edge order, and the
// arrival set clears so a cyclic reduce can collect again.
func (s *session) reduceArrival(reduce *ReduceNode, source string, e indexedEdge) {
	name := reduce.Spec().Name
	for _, seen := range s.reduceWait[name] {
		if seen == source {
			return
		}
	}
	s.reduceWait[name] = append(s.reduceWait[name], source)

	declared := reduce.Predecessors()
	if len(s.reduceWait[name]) < len(declared) {
		return
	}
	present := make(map[string]bool, len(s.reduceWait[name]))
	for _, src := range s.reduceWait[name] {
		present[src] = true
	}
	for _, pred := range declared {
		if !present[pred] {
			return
		}
	}
	s.reduceWait[name] = nil

	inputs := make([]any, 0, len(declared))
	for _, in := range s.runner.graph.edgesInto(name) {
		if out, ok := s.state.NodeOutputs[in.Source]; ok {
			inputs = append(inputs, out)
		}
	}
	s.queue = append(s.queue, workUnit{
		Node:     name,
		Input:    map[string]any{"inputs": inputs},
		Origin:   source,
		EdgeIdx:  e.Index,
		OrderKey: orderKeyFor(source, e.Index),
		Reason:   reasonEdge,
	})
}
