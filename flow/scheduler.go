package flow

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

// Dispatch reasons recorded on dispatch events.
const (
	reasonEntry      = "entry"
	reasonEdge       = "edge"
	reasonFallback   = "fallback"
	reasonEscalation = "escalation"
)

// workUnit is one pending node invocation. Units are serializable so the
// frontier can travel inside checkpoints; the dispatch index and frontier
// depth are assigned at dispatch time and never persisted.
type workUnit struct {
	Node     string         `json:"node"`
	Input    map[string]any `json:"input"`
	Origin   string         `json:"origin,omitempty"`
	EdgeIdx  int            `json:"edge_idx,omitempty"`
	OrderKey uint64         `json:"order_key"`
	Reason   string         `json:"reason"`

	index int
	depth int
}

// orderKeyFor derives a stable identity for a work unit from the node that
// produced it and the edge it traveled. The key distinguishes units for the
// same node arriving over different edges when checkpoints are hashed.
func orderKeyFor(origin string, edgeIdx int) uint64 {
	h := sha256.New()
	h.Write([]byte(origin))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(edgeIdx))
	h.Write(buf[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// seedFromRunID derives the default backoff-jitter seed, making a rerun of
// the same run ID reproduce its delays.
func seedFromRunID(runID string) int64 {
	sum := sha256.Sum256([]byte(runID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// outcome is what comes back from one executed (or synthesized) invocation.
// attempt is the final 0-based attempt index; retries holds the unstamped
// retry events the worker accumulated, flushed at merge time.
type outcome struct {
	index    int
	unit     workUnit
	output   Output
	err      error
	attempt  int
	retries  []event.Event
	duration time.Duration
}

// frontierSnapshot is the runner's continuation, persisted as the frontier
// of every checkpoint. Items lists unfinished work in dispatch order:
// dispatched-but-unmerged units first, then the ready queue. Restoring a
// snapshot and re-dispatching Items in order reassigns the same indices the
// original run used, which is what makes replay exact.
type frontierSnapshot struct {
	Items         []workUnit          `json:"items"`
	NextSeq       int64               `json:"next_seq"`
	Merges        int                 `json:"merges"`
	Traversals    map[string]int      `json:"traversals,omitempty"`
	ReducePending map[string][]string `json:"reduce_pending,omitempty"`
	Recorded      []ioRecord          `json:"recorded,omitempty"`
}

// session drives one run. The loop goroutine is the single writer: it owns
// the state, the event sequence, and all ledger writes. Workers only
// execute nodes and send outcomes back.
//
// Outcomes merge strictly in dispatch order. Completion timing decides
// nothing observable, so a concurrent run and its replay produce the same
// state versions and the same event sequence.
type session struct {
	runner *Runner
	runID  string
	seed   int64
	state  RunState

	queue       []workUnit
	outstanding map[int]workUnit
	arrived     map[int]outcome
	results     chan outcome
	running     int
	dispatched  int
	nextMerge   int

	nextSeq    int64
	sinceCkpt  int
	traversals map[string]int
	reduceWait map[string][]string
	rec        *recorder
	verify     bool

	invCtx     context.Context
	invCancel  context.CancelFunc
	persistCtx context.Context
	cancelCh   chan struct{}
	cancelOnce sync.Once
	reason     string

	status Status
	runErr error
	gate   *PendingGate
}

func newSession(r *Runner, runID string, seed int64, state RunState) *session {
	return &session{
		runner:      r,
		runID:       runID,
		seed:        seed,
		state:       state,
		outstanding: make(map[int]workUnit),
		arrived:     make(map[int]outcome),
		results:     make(chan outcome, r.cfg.maxInFlight),
		nextSeq:     1,
		traversals:  make(map[string]int),
		reduceWait:  make(map[string][]string),
		rec:         newRecorder(),
		cancelCh:    make(chan struct{}),
		status:      StatusRunning,
	}
}

// requestCancel flips the cooperative cancellation flag. Safe to call more
// than once and from any goroutine.
func (s *session) requestCancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// windingDown reports whether the run has left RUNNING and is only merging
// stragglers. No new work dispatches and no terminal decisions change once
// winding down.
func (s *session) windingDown() bool {
	return s.status != StatusRunning
}

// run executes the scheduling loop until the run reaches a terminal or
// suspended status, then winds down in-flight work and persists the final
// checkpoint and status.
func (s *session) run(ctx context.Context) {
	s.invCtx, s.invCancel = context.WithCancel(ctx)
	s.persistCtx = context.WithoutCancel(ctx)
	defer s.invCancel()

	for s.status == StatusRunning {
		s.fill()
		s.mergeReady()
		if s.status != StatusRunning {
			break
		}
		if len(s.queue) == 0 && s.nextMerge == s.dispatched {
			s.status = StatusCompleted
			break
		}
		select {
		case o := <-s.results:
			s.running--
			s.arrived[o.index] = o
		case <-s.cancelCh:
			s.cancelRun("requested")
		case <-ctx.Done():
			s.cancelRun("context")
		}
	}
	s.windDown()
}

func (s *session) cancelRun(reason string) {
	if s.status != StatusRunning {
		return
	}
	s.status = StatusCancelled
	s.runErr = ErrCancelled
	s.reason = reason
}

// fill dispatches ready work while slots remain. Traversal-cap breaches
// synthesize a failure outcome instead of running the node, so the cap
// flows through the same policy path as an execution failure.
func (s *session) fill() {
	for s.status == StatusRunning && s.running < s.runner.cfg.maxInFlight && len(s.queue) > 0 {
		if s.dispatched >= s.runner.cfg.maxSteps {
			s.status = StatusFailed
			s.runErr = &RunFailedError{RunID: s.runID, Node: s.queue[0].Node, Err: ErrMaxSteps}
			return
		}
		u := s.queue[0]
		s.queue = s.queue[1:]
		u.index = s.dispatched
		u.depth = len(s.queue) + s.running + 1
		s.dispatched++
		s.outstanding[u.index] = u
		s.traversals[u.Node]++

		node, ok := s.runner.graph.Node(u.Node)
		if !ok {
			s.arrived[u.index] = outcome{index: u.index, unit: u, err: &NodeExecutionError{
				Node: u.Node, Err: fmt.Errorf("no such node in graph"),
			}}
			continue
		}
		spec := node.Spec()
		if spec.MaxTraversals > 0 && s.traversals[u.Node] > spec.MaxTraversals {
			s.arrived[u.index] = outcome{index: u.index, unit: u, err: &NodeExecutionError{
				Node: u.Node, Err: &CapExceededError{Node: u.Node, Cap: spec.MaxTraversals},
			}}
			continue
		}

		snap, err := s.state.Snapshot()
		if err == nil {
			var input map[string]any
			input, err = cloneValues(u.Input)
			if err == nil {
				s.running++
				go s.execute(node, u, Invocation{Node: u.Node, Input: input, State: snap})
				continue
			}
		}
		s.arrived[u.index] = outcome{index: u.index, unit: u, err: &NodeExecutionError{Node: u.Node, Err: err}}
	}
}

// mergeReady merges arrived outcomes strictly in dispatch order, stopping
// at the first gap. A ledger failure here fails the run; there is no way to
// continue without a durable event log.
func (s *session) mergeReady() {
	for {
		o, ok := s.arrived[s.nextMerge]
		if !ok {
			return
		}
		delete(s.arrived, s.nextMerge)
		delete(s.outstanding, s.nextMerge)
		err := s.processOutcome(o)
		s.nextMerge++
		if err != nil {
			if s.status == StatusRunning {
				s.status = StatusFailed
			}
			if s.runErr == nil {
				s.runErr = err
			}
			return
		}
	}
}

// windDown stops dispatching, gives in-flight work a grace period to
// finish, merges what arrives, and persists the final checkpoint and run
// status. Successors discovered during wind-down are enqueued but never
// dispatched; they land in the frontier snapshot for a later resume.
func (s *session) windDown() {
	if s.status == StatusCancelled {
		s.invCancel()
		payload := map[string]any{"reason": s.reason}
		_ = s.emit(event.KindCancel, "", payload)
	}

	if s.running > 0 {
		grace := time.NewTimer(s.runner.cfg.drainGrace)
		cancelled := false
		for s.running > 0 {
			select {
			case o := <-s.results:
				s.running--
				s.arrived[o.index] = o
			case <-grace.C:
				if cancelled {
					s.running = 0 // abandon anything still ignoring its context
					break
				}
				cancelled = true
				s.invCancel()
				grace.Reset(500 * time.Millisecond)
			}
		}
		grace.Stop()
	}
	s.mergeReady()

	if err := s.checkpoint(); err != nil && s.runErr == nil {
		s.runErr = err
		if s.status == StatusCompleted {
			s.status = StatusFailed
		}
	}
	detail := ""
	if s.runErr != nil && s.status != StatusSuspended {
		detail = s.runErr.Error()
	}
	if err := s.runner.ledger.UpdateRunStatus(s.persistCtx, s.runID, string(s.status), detail); err != nil && s.runErr == nil {
		s.runErr = fmt.Errorf("persist run status: %w", err)
	}
}

// emit stamps an event with the next sequence number and the current time,
// appends it to the ledger, and publishes it on the bus. The sequence only
// advances after a successful append, so the durable log and the live
// stream never disagree about ordering.
func (s *session) emit(kind event.Kind, node string, payload map[string]any) error {
	e := event.Event{
		RunID:   s.runID,
		Seq:     s.nextSeq,
		Kind:    kind,
		Node:    node,
		Payload: payload,
		Time:    s.runner.cfg.clock(),
	}
	if err := s.runner.ledger.AppendEvent(s.persistCtx, e); err != nil {
		return fmt.Errorf("append event seq %d: %w", e.Seq, err)
	}
	s.nextSeq++
	s.runner.bus.Publish(e)
	return nil
}

// checkpoint persists the current state and continuation. A duplicate
// commit (same idempotency key) means this exact checkpoint already exists,
// which replays hit routinely; it is not an error.
func (s *session) checkpoint() error {
	s.sinceCkpt = 0
	snap := s.snapshotFrontier()
	stateRaw, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	frontierRaw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal frontier: %w", err)
	}
	cp := ledger.CheckpointRecord{
		RunID:          s.runID,
		Sequence:       s.nextSeq - 1,
		State:          stateRaw,
		Frontier:       frontierRaw,
		IdempotencyKey: idempotencyKey(s.runID, s.nextSeq-1, snap.Items, stateRaw),
		Timestamp:      s.runner.cfg.clock(),
	}
	if err := s.runner.ledger.SaveCheckpoint(s.persistCtx, cp); err != nil {
		if errors.Is(err, ledger.ErrDuplicateCommit) {
			return nil
		}
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// snapshotFrontier captures every unfinished unit in dispatch order.
// Traversal counts are rolled back for unmerged dispatches because
// restoring re-dispatches those units and counts them again.
func (s *session) snapshotFrontier() frontierSnapshot {
	counts := make(map[string]int, len(s.traversals))
	for node, n := range s.traversals {
		counts[node] = n
	}
	items := make([]workUnit, 0, len(s.outstanding)+len(s.queue))
	for i := s.nextMerge; i < s.dispatched; i++ {
		if u, ok := s.outstanding[i]; ok {
			items = append(items, u)
			counts[u.Node]--
		}
	}
	items = append(items, s.queue...)
	for node, n := range counts {
		if n <= 0 {
			delete(counts, node)
		}
	}
	pending := make(map[string][]string, len(s.reduceWait))
	for node, sources := range s.reduceWait {
		if len(sources) > 0 {
			pending[node] = append([]string(nil), sources...)
		}
	}
	return frontierSnapshot{
		Items:         items,
		NextSeq:       s.nextSeq,
		Merges:        s.nextMerge,
		Traversals:    counts,
		ReducePending: pending,
		Recorded:      s.rec.snapshot(),
	}
}

// idempotencyKey hashes a checkpoint's full identity: the run, the event
// horizon, every pending unit, and the state bytes. Two commits of the same
// logical checkpoint collide here and the second is dropped.
func idempotencyKey(runID string, sequence int64, items []workUnit, stateRaw []byte) string {
	h := sha256.New()
	h.Write([]byte(runID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(sequence))
	h.Write(buf[:])
	for _, u := range items {
		h.Write([]byte(u.Node))
		binary.BigEndian.PutUint64(buf[:], u.OrderKey)
		h.Write(buf[:])
	}
	h.Write(stateRaw)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
