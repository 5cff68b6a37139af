// Package ledger persists runs: an append-only event log, checkpoint
// snapshots, content-addressed artifacts, and pending human gates.
//
// The runner is the only writer. Backends are drop-ins behind the Ledger
// interface: Memory for tests and short-lived runs, SQLite for single-process
// durability, MySQL for shared deployments.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/orcalabs/orca-go/flow/event"
)

// ErrNotFound is returned when a requested run, checkpoint, or artifact
// does not exist.
var ErrNotFound = errors.New("not found")

// ErrGateNotFound is returned when resolving a gate id that was never opened.
var ErrGateNotFound = errors.New("gate not found")

// ErrGateResolved is returned when resolving a gate a second time. Gate
// resolution is a one-time transition.
var ErrGateResolved = errors.New("gate already resolved")

// ErrDuplicateCommit is returned by SaveCheckpoint when the checkpoint's
// idempotency key has already been committed. Callers treat it as "already
// done" during crash recovery, not as a failure.
var ErrDuplicateCommit = errors.New("duplicate checkpoint commit")

// Gate status values persisted in gate records.
const (
	GateOpen     = "open"
	GateResolved = "resolved"
)

// RunRecord is the durable header for one run.
type RunRecord struct {
	ID        string    `json:"id"`
	Graph     string    `json:"graph"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointRecord is a durable snapshot of a run at one merge boundary.
//
// State and Frontier are opaque JSON produced by the runner; the ledger never
// inspects them. Sequence is the event sequence number the snapshot covers:
// replaying from this checkpoint regenerates events with Seq > Sequence.
// IdempotencyKey is a content hash of the commit; a second save with the same
// key reports ErrDuplicateCommit instead of writing twice.
type CheckpointRecord struct {
	RunID          string          `json:"run_id"`
	Sequence       int64           `json:"sequence"`
	State          json.RawMessage `json:"state"`
	Frontier       json.RawMessage `json:"frontier"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timestamp      time.Time       `json:"timestamp"`
}

// GateRecord is a durable pending human-input point.
type GateRecord struct {
	RunID      string         `json:"run_id"`
	GateID     string         `json:"gate_id"`
	Node       string         `json:"node"`
	Prompt     map[string]any `json:"prompt,omitempty"`
	Status     string         `json:"status"`
	Resolution map[string]any `json:"resolution,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt time.Time      `json:"resolved_at,omitempty"`
}

// Ledger is the persistence boundary for runs. Any storage technology can
// implement it as a drop-in backend.
//
// Semantics every backend must honor:
//   - AppendEvent is append-only and sequence-ordered; a duplicate
//     (run id, seq) append is ignored, because the event at a given
//     sequence is deterministic.
//   - SaveCheckpoint is atomic: a checkpoint is visible in full or not at
//     all, and its idempotency key commits exactly once.
//   - ResolveGate is a one-time transition from open to resolved.
//   - Artifacts are content-addressed: saving identical bytes twice yields
//     the same id and stores one copy.
type Ledger interface {
	// SaveRun inserts or replaces a run record.
	SaveRun(ctx context.Context, run RunRecord) error

	// LoadRun retrieves a run record. Returns ErrNotFound for unknown ids.
	LoadRun(ctx context.Context, runID string) (RunRecord, error)

	// UpdateRunStatus transitions a run's status and records its terminal
	// error detail, if any. Returns ErrNotFound for unknown ids.
	UpdateRunStatus(ctx context.Context, runID, status, errDetail string) error

	// ListRuns returns all run records ordered by creation time.
	ListRuns(ctx context.Context) ([]RunRecord, error)

	// AppendEvent appends one event to the run's log. Duplicate
	// (run id, seq) pairs are ignored.
	AppendEvent(ctx context.Context, e event.Event) error

	// Events returns the run's live (non-archived) events with
	// Seq > sinceSeq, in ascending sequence order. sinceSeq 0 returns the
	// full live log.
	Events(ctx context.Context, runID string, sinceSeq int64) ([]event.Event, error)

	// History returns every event for the run, archived ranges included,
	// in ascending sequence order. Used by audit and export, which retain
	// history beyond what recovery needs.
	History(ctx context.Context, runID string) ([]event.Event, error)

	// SaveCheckpoint atomically persists a checkpoint. A duplicate
	// idempotency key returns ErrDuplicateCommit without writing.
	SaveCheckpoint(ctx context.Context, cp CheckpointRecord) error

	// LoadCheckpoint retrieves the checkpoint taken at the given sequence.
	// Returns ErrNotFound if none exists.
	LoadCheckpoint(ctx context.Context, runID string, sequence int64) (CheckpointRecord, error)

	// LatestCheckpoint retrieves the run's highest-sequence checkpoint.
	// Returns ErrNotFound if the run has none.
	LatestCheckpoint(ctx context.Context, runID string) (CheckpointRecord, error)

	// CheckIdempotency reports whether an idempotency key has been
	// committed. Errors only on storage failure, never for a missing key.
	CheckIdempotency(ctx context.Context, key string) (bool, error)

	// SaveArtifact stores a blob and returns its content-addressed id
	// ("sha256:" + hex digest). Saving the same bytes again is a no-op
	// returning the same id.
	SaveArtifact(ctx context.Context, runID string, data []byte) (string, error)

	// LoadArtifact retrieves a blob by id. Returns ErrNotFound for unknown
	// ids.
	LoadArtifact(ctx context.Context, id string) ([]byte, error)

	// SavePendingGate records an open gate for a suspended run.
	SavePendingGate(ctx context.Context, gate GateRecord) error

	// LoadGate retrieves one gate. Returns ErrGateNotFound for unknown ids.
	LoadGate(ctx context.Context, runID, gateID string) (GateRecord, error)

	// OpenGates returns the run's unresolved gates in creation order.
	OpenGates(ctx context.Context, runID string) ([]GateRecord, error)

	// ResolveGate marks a gate resolved with the given data and returns the
	// updated record. Returns ErrGateNotFound for unknown ids and
	// ErrGateResolved if the gate was already resolved.
	ResolveGate(ctx context.Context, runID, gateID string, resolution map[string]any) (GateRecord, error)

	// CompactEvents archives the event range a terminal run no longer needs
	// for recovery: live events at or below the latest checkpoint's
	// sequence. Archived events remain readable through History. Open runs
	// and runs without checkpoints are not eligible; the call is then a
	// no-op returning 0. Returns the number of events newly archived.
	CompactEvents(ctx context.Context, runID string) (int, error)

	// Close releases backend resources. Operations after Close fail.
	Close() error
}

// Digest returns the content address for a blob: "sha256:" followed by the
// lowercase hex SHA-256 of the bytes.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// terminalStatus reports whether a persisted run status is terminal. The
// strings mirror the runner's state machine.
func terminalStatus(status string) bool {
	switch status {
	case "COMPLETED", "FAILED", "CANCELLED":
		return true
	}
	return false
}
