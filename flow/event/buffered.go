package event

import "sync"

// Buffered retains every event in memory, grouped by run, for inspection.
// It backs test assertions and small-scale audit queries.
type Buffered struct {
	mu    sync.RWMutex
	byRun map[string][]Event
}

// Filter narrows a History query. Zero-valued fields match everything.
type Filter struct {
	Kind   Kind
	Node   string
	MinSeq *int64
	MaxSeq *int64
}

// NewBuffered creates an empty Buffered handler.
func NewBuffered() *Buffered {
	return &Buffered{byRun: make(map[string][]Event)}
}

// Handle appends the event to its run's history.
func (b *Buffered) Handle(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byRun[e.RunID] = append(b.byRun[e.RunID], e)
}

// History returns a copy of all events recorded for runID, in publish order.
func (b *Buffered) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.byRun[runID]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryWhere returns the events for runID matching the filter.
func (b *Buffered) HistoryWhere(runID string, f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.byRun[runID] {
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.Node != "" && e.Node != f.Node {
			continue
		}
		if f.MinSeq != nil && e.Seq < *f.MinSeq {
			continue
		}
		if f.MaxSeq != nil && e.Seq > *f.MaxSeq {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clear drops the history for runID. An empty runID clears everything.
func (b *Buffered) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if runID == "" {
		b.byRun = make(map[string][]Event)
		return
	}
	delete(b.byRun, runID)
}
