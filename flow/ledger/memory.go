package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orcalabs/orca-go/flow/event"
)

// Memory is an in-memory Ledger.
//
// It backs tests, development, and short-lived runs where durability is not
// required. Thread-safe. Data is lost when the process exits.
type Memory struct {
	mu          sync.RWMutex
	runs        map[string]*memRun
	order       []string // run ids in creation order
	artifacts   map[string][]byte
	idempotency map[string]bool
	closed      bool
}

// memRun holds everything the ledger tracks for one run.
type memRun struct {
	record      RunRecord
	events      []event.Event // live, ascending seq
	archived    []event.Event // compacted ranges, ascending seq
	seen        map[int64]bool
	checkpoints []CheckpointRecord // ascending sequence
	gates       map[string]GateRecord
	gateOrder   []string
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		runs:        make(map[string]*memRun),
		artifacts:   make(map[string][]byte),
		idempotency: make(map[string]bool),
	}
}

func (m *Memory) run(runID string) *memRun {
	r, ok := m.runs[runID]
	if !ok {
		r = &memRun{
			seen:  make(map[int64]bool),
			gates: make(map[string]GateRecord),
		}
		m.runs[runID] = r
		m.order = append(m.order, runID)
	}
	return r
}

// SaveRun implements Ledger.
func (m *Memory) SaveRun(_ context.Context, run RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("ledger is closed")
	}
	m.run(run.ID).record = run
	return nil
}

// LoadRun implements Ledger.
func (m *Memory) LoadRun(_ context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok || r.record.ID == "" {
		return RunRecord{}, ErrNotFound
	}
	return r.record, nil
}

// UpdateRunStatus implements Ledger.
func (m *Memory) UpdateRunStatus(_ context.Context, runID, status, errDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.record.ID == "" {
		return ErrNotFound
	}
	r.record.Status = status
	r.record.Error = errDetail
	r.record.UpdatedAt = time.Now().UTC()
	return nil
}

// ListRuns implements Ledger.
func (m *Memory) ListRuns(_ context.Context) ([]RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunRecord, 0, len(m.order))
	for _, id := range m.order {
		if r := m.runs[id]; r.record.ID != "" {
			out = append(out, r.record)
		}
	}
	return out, nil
}

// AppendEvent implements Ledger. Duplicate (run, seq) appends are ignored.
func (m *Memory) AppendEvent(_ context.Context, e event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("ledger is closed")
	}
	r := m.run(e.RunID)
	if r.seen[e.Seq] {
		return nil
	}
	r.seen[e.Seq] = true
	r.events = append(r.events, e)
	// Appends arrive in sequence order from the runner; a resume that
	// regenerates an interleaved range is the exception, so restore order
	// only when violated.
	if n := len(r.events); n > 1 && r.events[n-2].Seq > e.Seq {
		sort.Slice(r.events, func(i, j int) bool { return r.events[i].Seq < r.events[j].Seq })
	}
	return nil
}

// Events implements Ledger.
func (m *Memory) Events(_ context.Context, runID string, sinceSeq int64) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	out := make([]event.Event, 0, len(r.events))
	for _, e := range r.events {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// History implements Ledger. Archived events are included.
func (m *Memory) History(_ context.Context, runID string) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	out := make([]event.Event, 0, len(r.archived)+len(r.events))
	out = append(out, r.archived...)
	out = append(out, r.events...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// SaveCheckpoint implements Ledger.
func (m *Memory) SaveCheckpoint(_ context.Context, cp CheckpointRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("ledger is closed")
	}
	if cp.IdempotencyKey != "" {
		if m.idempotency[cp.IdempotencyKey] {
			return fmt.Errorf("idempotency key %q: %w", cp.IdempotencyKey, ErrDuplicateCommit)
		}
		m.idempotency[cp.IdempotencyKey] = true
	}
	r := m.run(cp.RunID)
	for i, existing := range r.checkpoints {
		if existing.Sequence == cp.Sequence {
			r.checkpoints[i] = cp
			return nil
		}
	}
	r.checkpoints = append(r.checkpoints, cp)
	sort.Slice(r.checkpoints, func(i, j int) bool {
		return r.checkpoints[i].Sequence < r.checkpoints[j].Sequence
	})
	return nil
}

// LoadCheckpoint implements Ledger.
func (m *Memory) LoadCheckpoint(_ context.Context, runID string, sequence int64) (CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return CheckpointRecord{}, ErrNotFound
	}
	for _, cp := range r.checkpoints {
		if cp.Sequence == sequence {
			return cp, nil
		}
	}
	return CheckpointRecord{}, ErrNotFound
}

// LatestCheckpoint implements Ledger.
func (m *Memory) LatestCheckpoint(_ context.Context, runID string) (CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok || len(r.checkpoints) == 0 {
		return CheckpointRecord{}, ErrNotFound
	}
	return r.checkpoints[len(r.checkpoints)-1], nil
}

// CheckIdempotency implements Ledger.
func (m *Memory) CheckIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[key], nil
}

// SaveArtifact implements Ledger. Identical bytes store once.
func (m *Memory) SaveArtifact(_ context.Context, _ string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("ledger is closed")
	}
	id := Digest(data)
	if _, ok := m.artifacts[id]; !ok {
		stored := make([]byte, len(data))
		copy(stored, data)
		m.artifacts[id] = stored
	}
	return id, nil
}

// LoadArtifact implements Ledger.
func (m *Memory) LoadArtifact(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.artifacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// SavePendingGate implements Ledger.
func (m *Memory) SavePendingGate(_ context.Context, gate GateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("ledger is closed")
	}
	r := m.run(gate.RunID)
	if _, ok := r.gates[gate.GateID]; !ok {
		r.gateOrder = append(r.gateOrder, gate.GateID)
	}
	r.gates[gate.GateID] = gate
	return nil
}

// LoadGate implements Ledger.
func (m *Memory) LoadGate(_ context.Context, runID, gateID string) (GateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return GateRecord{}, ErrGateNotFound
	}
	gate, ok := r.gates[gateID]
	if !ok {
		return GateRecord{}, ErrGateNotFound
	}
	return gate, nil
}

// OpenGates implements Ledger.
func (m *Memory) OpenGates(_ context.Context, runID string) ([]GateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	var out []GateRecord
	for _, id := range r.gateOrder {
		if gate := r.gates[id]; gate.Status == GateOpen {
			out = append(out, gate)
		}
	}
	return out, nil
}

// ResolveGate implements Ledger. A gate resolves exactly once.
func (m *Memory) ResolveGate(_ context.Context, runID, gateID string, resolution map[string]any) (GateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return GateRecord{}, ErrGateNotFound
	}
	gate, ok := r.gates[gateID]
	if !ok {
		return GateRecord{}, ErrGateNotFound
	}
	if gate.Status == GateResolved {
		return GateRecord{}, ErrGateResolved
	}
	gate.Status = GateResolved
	gate.Resolution = resolution
	gate.ResolvedAt = time.Now().UTC()
	r.gates[gateID] = gate
	return gate, nil
}

// CompactEvents implements Ledger. Only terminal runs with at least one
// checkpoint are eligible.
func (m *Memory) CompactEvents(_ context.Context, runID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.record.ID == "" {
		return 0, ErrNotFound
	}
	if !terminalStatus(r.record.Status) || len(r.checkpoints) == 0 {
		return 0, nil
	}
	upTo := r.checkpoints[len(r.checkpoints)-1].Sequence

	live := r.events[:0]
	moved := 0
	for _, e := range r.events {
		if e.Seq <= upTo {
			r.archived = append(r.archived, e)
			moved++
		} else {
			live = append(live, e)
		}
	}
	r.events = live
	return moved, nil
}

// Close implements Ledger. Double-close is a no-op.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
