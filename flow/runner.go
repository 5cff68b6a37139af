package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orcalabs/orca-go/flow/event"
	"github.com/orcalabs/orca-go/flow/ledger"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusSuspended Status = "SUSPENDED"
)

// Terminal reports whether the status is final. SUSPENDED is not terminal;
// a resume moves it back to RUNNING.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PendingGate describes the open human-input point of a suspended run.
type PendingGate struct {
	ID     string
	Node   string
	Prompt map[string]any
}

// RunResult is the outcome of driving a run until it stops: the status it
// stopped in, the state as of the last merge, the open gate when
// suspended, and the terminal error when failed or cancelled.
type RunResult struct {
	RunID    string
	Status   Status
	State    RunState
	Gate     *PendingGate
	Err      error
	Duration time.Duration
}

// Runner executes validated graphs against a ledger. It is safe for
// concurrent use; each run gets its own session and the runner only tracks
// active sessions for cancellation.
type Runner struct {
	graph  *Graph
	ledger ledger.Ledger
	bus    *event.Bus
	cfg    config

	mu     sync.Mutex
	active map[string]*session
}

// NewRunner builds a runner for the graph. The graph is validated if it
// has not been already; an invalid graph is rejected outright.
func NewRunner(g *Graph, led ledger.Ledger, opts ...Option) (*Runner, error) {
	if g == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if led == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if !g.validated {
		if err := g.Validate(); err != nil {
			return nil, err
		}
	}
	bus := cfg.bus
	if bus == nil {
		bus = event.NewBus()
	}
	return &Runner{graph: g, ledger: led, bus: bus, cfg: cfg, active: make(map[string]*session)}, nil
}

// Subscribe attaches an event handler to the runner's bus. Handlers see
// every event of every run this runner drives, in sequence order per run.
func (r *Runner) Subscribe(h event.Handler) {
	r.bus.Subscribe(h)
}

// Run executes the graph from its entries with the given input and blocks
// until the run completes, fails, is cancelled, or suspends on a gate.
// An empty runID gets a generated UUID. The returned error is non-nil for
// failed and cancelled runs and mirrors RunResult.Err; suspension is not
// an error.
func (r *Runner) Run(ctx context.Context, runID string, input map[string]any) (RunResult, error) {
	start := time.Now()
	if runID == "" {
		runID = uuid.NewString()
	}

	for _, entry := range r.graph.Entries() {
		node, _ := r.graph.Node(entry)
		if issues := node.Spec().In.Check(input); len(issues) > 0 {
			return RunResult{}, fmt.Errorf("input does not satisfy entry node %q: %s", entry, strings.Join(issues, "; "))
		}
	}

	if _, err := r.ledger.LoadRun(ctx, runID); err == nil {
		return RunResult{}, fmt.Errorf("run %q already exists", runID)
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return RunResult{}, fmt.Errorf("load run: %w", err)
	}
	now := r.cfg.clock()
	record := ledger.RunRecord{
		ID:        runID,
		Graph:     r.graph.Name,
		Status:    string(StatusPending),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.ledger.SaveRun(ctx, record); err != nil {
		return RunResult{}, fmt.Errorf("save run: %w", err)
	}

	seed := r.cfg.seed
	if !r.cfg.seedSet {
		seed = seedFromRunID(runID)
	}
	s := newSession(r, runID, seed, newRunState(runID, input, seed))
	for i, entry := range r.graph.Entries() {
		s.queue = append(s.queue, workUnit{
			Node:     entry,
			Input:    input,
			OrderKey: orderKeyFor("", i),
			Reason:   reasonEntry,
		})
	}
	if err := r.ledger.UpdateRunStatus(ctx, runID, string(StatusRunning), ""); err != nil {
		return RunResult{}, fmt.Errorf("mark run running: %w", err)
	}

	if err := r.register(s); err != nil {
		return RunResult{}, err
	}
	defer r.unregister(runID)
	s.run(ctx)
	return r.result(s, start)
}

// Resume resolves an open gate with the supplied data and continues the
// suspended run until it next stops. The data must satisfy the gate
// node's output schema; otherwise the gate stays open and an error comes
// back. Resolving a gate is one-time: a second Resume reports
// ledger.ErrGateResolved.
func (r *Runner) Resume(ctx context.Context, runID, gateID string, data map[string]any) (RunResult, error) {
	start := time.Now()
	record, err := r.ledger.LoadRun(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load run: %w", err)
	}
	if record.Status != string(StatusSuspended) {
		return RunResult{}, fmt.Errorf("%w: run %s status is %s", ErrNotSuspended, runID, record.Status)
	}
	gate, err := r.ledger.LoadGate(ctx, runID, gateID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load gate: %w", err)
	}
	if gate.Status == ledger.GateResolved {
		return RunResult{}, fmt.Errorf("%w: gate %s", ledger.ErrGateResolved, gateID)
	}
	node, ok := r.graph.Node(gate.Node)
	if !ok {
		return RunResult{}, fmt.Errorf("gate node %q is not in the graph", gate.Node)
	}
	if issues := node.Spec().Out.Check(data); len(issues) > 0 {
		return RunResult{}, fmt.Errorf("resolution does not satisfy gate %q schema: %s", gate.Node, strings.Join(issues, "; "))
	}
	if _, err := r.ledger.ResolveGate(ctx, runID, gateID, data); err != nil {
		return RunResult{}, fmt.Errorf("resolve gate: %w", err)
	}

	cp, err := r.ledger.LatestCheckpoint(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load checkpoint: %w", err)
	}
	s, err := r.restore(runID, cp)
	if err != nil {
		return RunResult{}, err
	}

	values, err := cloneValues(data)
	if err != nil {
		return RunResult{}, fmt.Errorf("resolution values: %w", err)
	}
	if err := r.ledger.UpdateRunStatus(ctx, runID, string(StatusRunning), ""); err != nil {
		return RunResult{}, fmt.Errorf("mark run running: %w", err)
	}
	if err := r.register(s); err != nil {
		return RunResult{}, err
	}
	defer r.unregister(runID)

	s.persistCtx = context.WithoutCancel(ctx)
	s.state.apply(gate.Node, values, 0, 0, nil)
	if err := s.emit(event.KindResume, gate.Node, map[string]any{"gate_id": gateID, "version": s.state.Version}); err != nil {
		return RunResult{}, err
	}
	s.activateSuccessors(gate.Node, values, nil)
	s.run(ctx)
	return r.result(s, start)
}

// ResumeFromCheckpoint restores a run from one of its checkpoints and
// re-executes from there. Sequence zero means the latest checkpoint. With
// deterministic nodes the continuation regenerates the same merges and
// events the original produced past that point; under WithStrictReplay any
// divergence fails the run with ErrReplayMismatch.
func (r *Runner) ResumeFromCheckpoint(ctx context.Context, runID string, sequence int64) (RunResult, error) {
	start := time.Now()
	record, err := r.ledger.LoadRun(ctx, runID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load run: %w", err)
	}
	// a suspended run's continuation is its open gate, not its frontier
	if record.Status == string(StatusSuspended) {
		return RunResult{}, fmt.Errorf("run %s is suspended on a gate; resolve it with Resume", runID)
	}
	var cp ledger.CheckpointRecord
	if sequence <= 0 {
		cp, err = r.ledger.LatestCheckpoint(ctx, runID)
	} else {
		cp, err = r.ledger.LoadCheckpoint(ctx, runID, sequence)
	}
	if err != nil {
		return RunResult{}, fmt.Errorf("load checkpoint: %w", err)
	}
	s, err := r.restore(runID, cp)
	if err != nil {
		return RunResult{}, err
	}
	if r.cfg.strictReplay {
		if err := r.loadRecordedHorizon(ctx, s, cp); err != nil {
			return RunResult{}, err
		}
	}
	if err := r.ledger.UpdateRunStatus(ctx, runID, string(StatusRunning), ""); err != nil {
		return RunResult{}, fmt.Errorf("mark run running: %w", err)
	}
	if err := r.register(s); err != nil {
		return RunResult{}, err
	}
	defer r.unregister(runID)
	s.run(ctx)
	return r.result(s, start)
}

// loadRecordedHorizon swaps in the newest checkpoint's I/O records before a
// strict replay. The restored checkpoint only knows the merges behind it;
// verifying re-executed work needs the hashes recorded ahead of it, and
// those live in the latest checkpoint.
func (r *Runner) loadRecordedHorizon(ctx context.Context, s *session, cp ledger.CheckpointRecord) error {
	latest, err := r.ledger.LatestCheckpoint(ctx, s.runID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if latest.Sequence <= cp.Sequence || len(latest.Frontier) == 0 {
		return nil
	}
	var snap frontierSnapshot
	if err := json.Unmarshal(latest.Frontier, &snap); err != nil {
		return fmt.Errorf("decode checkpoint frontier: %w", err)
	}
	s.rec.restore(snap.Recorded)
	return nil
}

// Cancel requests cooperative cancellation. An active run stops
// dispatching, signals in-flight work, and winds down within the drain
// grace. Suspended and pending runs cancel administratively: their open
// gates close and the status moves to CANCELLED.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	s, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		s.requestCancel()
		return nil
	}

	record, err := r.ledger.LoadRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	status := Status(record.Status)
	switch {
	case status.Terminal():
		return fmt.Errorf("run %s already finished with status %s", runID, status)
	case status == StatusRunning:
		return fmt.Errorf("run %s is active in another process", runID)
	}

	gates, err := r.ledger.OpenGates(ctx, runID)
	if err != nil {
		return fmt.Errorf("list gates: %w", err)
	}
	for _, g := range gates {
		if _, err := r.ledger.ResolveGate(ctx, runID, g.GateID, map[string]any{"cancelled": true}); err != nil {
			return fmt.Errorf("close gate %s: %w", g.GateID, err)
		}
	}
	history, err := r.ledger.History(ctx, runID)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	var seq int64 = 1
	if len(history) > 0 {
		seq = history[len(history)-1].Seq + 1
	}
	e := event.Event{
		RunID:   runID,
		Seq:     seq,
		Kind:    event.KindCancel,
		Payload: map[string]any{"reason": "requested"},
		Time:    r.cfg.clock(),
	}
	if err := r.ledger.AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("append cancel event: %w", err)
	}
	r.bus.Publish(e)
	if err := r.ledger.UpdateRunStatus(ctx, runID, string(StatusCancelled), ErrCancelled.Error()); err != nil {
		return fmt.Errorf("mark run cancelled: %w", err)
	}
	return nil
}

// restore rebuilds a session from a checkpoint: state, pending work,
// traversal counts, reduce arrivals, and recorded I/O. Re-dispatching the
// restored items in order reassigns the indices the original run used.
func (r *Runner) restore(runID string, cp ledger.CheckpointRecord) (*session, error) {
	var state RunState
	if err := json.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	var snap frontierSnapshot
	if len(cp.Frontier) > 0 {
		if err := json.Unmarshal(cp.Frontier, &snap); err != nil {
			return nil, fmt.Errorf("decode checkpoint frontier: %w", err)
		}
	}
	s := newSession(r, runID, state.Meta.Seed, state)
	s.queue = snap.Items
	s.nextSeq = snap.NextSeq
	if s.nextSeq <= 0 {
		s.nextSeq = cp.Sequence + 1
	}
	s.dispatched = snap.Merges
	s.nextMerge = snap.Merges
	if snap.Traversals != nil {
		s.traversals = snap.Traversals
	}
	if snap.ReducePending != nil {
		s.reduceWait = snap.ReducePending
	}
	s.rec.restore(snap.Recorded)
	s.verify = r.cfg.strictReplay
	return s, nil
}

func (r *Runner) register(s *session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.active[s.runID]; exists {
		return fmt.Errorf("run %s is already active", s.runID)
	}
	r.active[s.runID] = s
	return nil
}

func (r *Runner) unregister(runID string) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
}

func (r *Runner) result(s *session, start time.Time) (RunResult, error) {
	res := RunResult{
		RunID:    s.runID,
		Status:   s.status,
		State:    s.state,
		Gate:     s.gate,
		Err:      s.runErr,
		Duration: time.Since(start),
	}
	if res.Status == StatusFailed || res.Status == StatusCancelled {
		return res, res.Err
	}
	return res, nil
}
