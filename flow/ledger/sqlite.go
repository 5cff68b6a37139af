package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/orcalabs/orca-go/flow/event"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file Ledger backend.
//
// It is the default durable backend: zero setup, suitable for development and
// single-process deployments. WAL mode allows concurrent reads while the
// runner writes; the connection pool is capped at one open connection because
// SQLite supports one writer at a time.
//
// Tables:
//   - runs: run headers (status, error detail)
//   - run_events: append-only event log with archival marks
//   - run_checkpoints: atomic snapshots keyed by (run, sequence)
//   - idempotency_keys: duplicate-commit prevention
//   - artifacts: content-addressed blobs
//   - pending_gates: open/resolved human-input points
type SQLite struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLite opens or creates a SQLite-backed ledger at path. Use ":memory:"
// for an ephemeral database. The schema is created on first use.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time; keep the connection open.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	l := &SQLite{db: db, path: path}
	if err := l.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return l, nil
}

func (l *SQLite) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT NOT NULL PRIMARY KEY,
			graph TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			node TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT 'null',
			ts TEXT NOT NULL,
			archived_at TEXT NULL,
			UNIQUE(run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_seq ON run_events(run_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_live ON run_events(run_id, archived_at)`,
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			state TEXT NOT NULL,
			frontier TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			UNIQUE(run_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON run_checkpoints(run_id, sequence)`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value TEXT NOT NULL PRIMARY KEY,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT NOT NULL PRIMARY KEY,
			run_id TEXT NOT NULL DEFAULT '',
			data BLOB NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS pending_gates (
			run_id TEXT NOT NULL,
			gate_id TEXT NOT NULL,
			node TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT 'null',
			status TEXT NOT NULL,
			resolution TEXT NOT NULL DEFAULT 'null',
			created_at TEXT NOT NULL,
			resolved_at TEXT NULL,
			PRIMARY KEY (run_id, gate_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func (l *SQLite) guard() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return fmt.Errorf("ledger is closed")
	}
	return nil
}

// SaveRun implements Ledger.
func (l *SQLite) SaveRun(ctx context.Context, run RunRecord) error {
	if err := l.guard(); err != nil {
		return err
	}
	query := `
		INSERT INTO runs (run_id, graph, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			graph = excluded.graph,
			status = excluded.status,
			error = excluded.error,
			updated_at = excluded.updated_at
	`
	_, err := l.db.ExecContext(ctx, query,
		run.ID, run.Graph, run.Status, run.Error,
		run.CreatedAt.UTC().Format(time.RFC3339Nano),
		run.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadRun implements Ledger.
func (l *SQLite) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := l.guard(); err != nil {
		return RunRecord{}, err
	}
	query := `SELECT run_id, graph, status, error, created_at, updated_at FROM runs WHERE run_id = ?`
	var run RunRecord
	var createdAt, updatedAt string
	err := l.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID, &run.Graph, &run.Status, &run.Error, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("load run: %w", err)
	}
	if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return RunRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return RunRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return run, nil
}

// UpdateRunStatus implements Ledger.
func (l *SQLite) UpdateRunStatus(ctx context.Context, runID, status, errDetail string) error {
	if err := l.guard(); err != nil {
		return err
	}
	query := `UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE run_id = ?`
	res, err := l.db.ExecContext(ctx, query, status, errDetail,
		time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns implements Ledger.
func (l *SQLite) ListRuns(ctx context.Context) ([]RunRecord, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	query := `SELECT run_id, graph, status, error, created_at, updated_at FROM runs ORDER BY created_at, run_id`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var run RunRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&run.ID, &run.Graph, &run.Status, &run.Error, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		if run.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if run.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return out, nil
}

// AppendEvent implements Ledger. A duplicate (run, seq) append is ignored.
func (l *SQLite) AppendEvent(ctx context.Context, e event.Event) error {
	if err := l.guard(); err != nil {
		return err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := `
		INSERT INTO run_events (run_id, seq, kind, node, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, seq) DO NOTHING
	`
	_, err = l.db.ExecContext(ctx, query,
		e.RunID, e.Seq, string(e.Kind), e.Node, string(payload),
		e.Time.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var out []event.Event
	for rows.Next() {
		var (
			e       event.Event
			kind    string
			payload string
			ts      string
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &kind, &e.Node, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		e.Kind = event.Kind(kind)
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
		var err error
		if e.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse event timestamp: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

// Events implements Ledger.
func (l *SQLite) Events(ctx context.Context, runID string, sinceSeq int64) ([]event.Event, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT run_id, seq, kind, node, payload, ts
		FROM run_events
		WHERE run_id = ? AND seq > ? AND archived_at IS NULL
		ORDER BY seq ASC
	`
	rows, err := l.db.QueryContext(ctx, query, runID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// History implements Ledger. Archived events are included.
func (l *SQLite) History(ctx context.Context, runID string) ([]event.Event, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT run_id, seq, kind, node, payload, ts
		FROM run_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	rows, err := l.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// SaveCheckpoint implements Ledger.
//
// The idempotency key and the snapshot commit in one transaction, so a
// checkpoint is visible in full or not at all.
func (l *SQLite) SaveCheckpoint(ctx context.Context, cp CheckpointRecord) error {
	if err := l.guard(); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if cp.IdempotencyKey != "" {
		var res sql.Result
		res, err = tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (key_value) VALUES (?) ON CONFLICT(key_value) DO NOTHING`,
			cp.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("commit idempotency key: %w", err)
		}
		var n int64
		if n, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("commit idempotency key: %w", err)
		}
		if n == 0 {
			err = fmt.Errorf("idempotency key %q: %w", cp.IdempotencyKey, ErrDuplicateCommit)
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO run_checkpoints (run_id, sequence, state, frontier, idempotency_key, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, sequence) DO UPDATE SET
			state = excluded.state,
			frontier = excluded.frontier,
			idempotency_key = excluded.idempotency_key,
			ts = excluded.ts
	`,
		cp.RunID, cp.Sequence, string(cp.State), string(cp.Frontier),
		cp.IdempotencyKey, cp.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (l *SQLite) scanCheckpoint(row *sql.Row) (CheckpointRecord, error) {
	var (
		cp       CheckpointRecord
		state    string
		frontier string
		ts       string
	)
	err := row.Scan(&cp.RunID, &cp.Sequence, &state, &frontier, &cp.IdempotencyKey, &ts)
	if err == sql.ErrNoRows {
		return CheckpointRecord{}, ErrNotFound
	}
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.State = json.RawMessage(state)
	cp.Frontier = json.RawMessage(frontier)
	if cp.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return CheckpointRecord{}, fmt.Errorf("parse checkpoint timestamp: %w", err)
	}
	return cp, nil
}

// LoadCheckpoint implements Ledger.
func (l *SQLite) LoadCheckpoint(ctx context.Context, runID string, sequence int64) (CheckpointRecord, error) {
	if err := l.guard(); err != nil {
		return CheckpointRecord{}, err
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, sequence, state, frontier, idempotency_key, ts
		FROM run_checkpoints
		WHERE run_id = ? AND sequence = ?
	`, runID, sequence)
	return l.scanCheckpoint(row)
}

// LatestCheckpoint implements Ledger.
func (l *SQLite) LatestCheckpoint(ctx context.Context, runID string) (CheckpointRecord, error) {
	if err := l.guard(); err != nil {
		return CheckpointRecord{}, err
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, sequence, state, frontier, idempotency_key, ts
		FROM run_checkpoints
		WHERE run_id = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, runID)
	return l.scanCheckpoint(row)
}

// CheckIdempotency implements Ledger.
func (l *SQLite) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	if err := l.guard(); err != nil {
		return false, err
	}
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE key_value = ?`, key).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check idempotency: %w", err)
	}
	return count > 0, nil
}

// SaveArtifact implements Ledger. Identical bytes store once.
func (l *SQLite) SaveArtifact(ctx context.Context, runID string, data []byte) (string, error) {
	if err := l.guard(); err != nil {
		return "", err
	}
	id := Digest(data)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, data)
		VALUES (?, ?, ?)
		ON CONFLICT(artifact_id) DO NOTHING
	`, id, runID, data)
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return id, nil
}

// LoadArtifact implements Ledger.
func (l *SQLite) LoadArtifact(ctx context.Context, id string) ([]byte, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	var data []byte
	err := l.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE artifact_id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	return data, nil
}

// SavePendingGate implements Ledger.
func (l *SQLite) SavePendingGate(ctx context.Context, gate GateRecord) error {
	if err := l.guard(); err != nil {
		return err
	}
	prompt, err := json.Marshal(gate.Prompt)
	if err != nil {
		return fmt.Errorf("marshal gate prompt: %w", err)
	}
	resolution, err := json.Marshal(gate.Resolution)
	if err != nil {
		return fmt.Errorf("marshal gate resolution: %w", err)
	}
	query := `
		INSERT INTO pending_gates (run_id, gate_id, node, prompt, status, resolution, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(run_id, gate_id) DO UPDATE SET
			node = excluded.node,
			prompt = excluded.prompt,
			status = excluded.status,
			resolution = excluded.resolution
	`
	_, err = l.db.ExecContext(ctx, query,
		gate.RunID, gate.GateID, gate.Node, string(prompt), gate.Status,
		string(resolution), gate.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save pending gate: %w", err)
	}
	return nil
}

func scanGate(scan func(dest ...any) error) (GateRecord, error) {
	var (
		gate       GateRecord
		prompt     string
		resolution string
		createdAt  string
		resolvedAt sql.NullString
	)
	err := scan(&gate.RunID, &gate.GateID, &gate.Node, &prompt, &gate.Status,
		&resolution, &createdAt, &resolvedAt)
	if err != nil {
		return GateRecord{}, err
	}
	if err := json.Unmarshal([]byte(prompt), &gate.Prompt); err != nil {
		return GateRecord{}, fmt.Errorf("unmarshal gate prompt: %w", err)
	}
	if err := json.Unmarshal([]byte(resolution), &gate.Resolution); err != nil {
		return GateRecord{}, fmt.Errorf("unmarshal gate resolution: %w", err)
	}
	if gate.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return GateRecord{}, fmt.Errorf("parse gate created_at: %w", err)
	}
	if resolvedAt.Valid {
		if gate.ResolvedAt, err = time.Parse(time.RFC3339Nano, resolvedAt.String); err != nil {
			return GateRecord{}, fmt.Errorf("parse gate resolved_at: %w", err)
		}
	}
	return gate, nil
}

// LoadGate implements Ledger.
func (l *SQLite) LoadGate(ctx context.Context, runID, gateID string) (GateRecord, error) {
	if err := l.guard(); err != nil {
		return GateRecord{}, err
	}
	row := l.db.QueryRowContext(ctx, `
		SELECT run_id, gate_id, node, prompt, status, resolution, created_at, resolved_at
		FROM pending_gates
		WHERE run_id = ? AND gate_id = ?
	`, runID, gateID)
	gate, err := scanGate(row.Scan)
	if err == sql.ErrNoRows {
		return GateRecord{}, ErrGateNotFound
	}
	if err != nil {
		return GateRecord{}, fmt.Errorf("load gate: %w", err)
	}
	return gate, nil
}

// OpenGates implements Ledger.
func (l *SQLite) OpenGates(ctx context.Context, runID string) ([]GateRecord, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, gate_id, node, prompt, status, resolution, created_at, resolved_at
		FROM pending_gates
		WHERE run_id = ? AND status = ?
		ORDER BY created_at, gate_id
	`, runID, GateOpen)
	if err != nil {
		return nil, fmt.Errorf("query open gates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []GateRecord
	for rows.Next() {
		gate, err := scanGate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan gate row: %w", err)
		}
		out = append(out, gate)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate gate rows: %w", err)
	}
	return out, nil
}

// ResolveGate implements Ledger. A gate resolves exactly once.
func (l *SQLite) ResolveGate(ctx context.Context, runID, gateID string, resolution map[string]any) (GateRecord, error) {
	if err := l.guard(); err != nil {
		return GateRecord{}, err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return GateRecord{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM pending_gates WHERE run_id = ? AND gate_id = ?`,
		runID, gateID).Scan(&status)
	if err == sql.ErrNoRows {
		err = ErrGateNotFound
		return GateRecord{}, err
	}
	if err != nil {
		return GateRecord{}, fmt.Errorf("load gate status: %w", err)
	}
	if status == GateResolved {
		err = ErrGateResolved
		return GateRecord{}, err
	}

	var resolutionJSON []byte
	resolutionJSON, err = json.Marshal(resolution)
	if err != nil {
		return GateRecord{}, fmt.Errorf("marshal gate resolution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_gates
		SET status = ?, resolution = ?, resolved_at = ?
		WHERE run_id = ? AND gate_id = ?
	`, GateResolved, string(resolutionJSON),
		time.Now().UTC().Format(time.RFC3339Nano), runID, gateID)
	if err != nil {
		return GateRecord{}, fmt.Errorf("resolve gate: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return GateRecord{}, fmt.Errorf("commit transaction: %w", err)
	}
	return l.LoadGate(ctx, runID, gateID)
}

// CompactEvents implements Ledger. Only terminal runs with at least one
// checkpoint are eligible; archived events stay readable through History.
func (l *SQLite) CompactEvents(ctx context.Context, runID string) (int, error) {
	run, err := l.LoadRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if !terminalStatus(run.Status) {
		return 0, nil
	}
	cp, err := l.LatestCheckpoint(ctx, runID)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE run_events
		SET archived_at = ?
		WHERE run_id = ? AND seq <= ? AND archived_at IS NULL
	`, time.Now().UTC().Format(time.RFC3339Nano), runID, cp.Sequence)
	if err != nil {
		return 0, fmt.Errorf("compact events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("compact events: %w", err)
	}
	return int(n), nil
}

// Ping verifies the database connection is alive.
func (l *SQLite) Ping(ctx context.Context) error {
	if err := l.guard(); err != nil {
		return err
	}
	return l.db.PingContext(ctx)
}

// Path returns the database file path.
func (l *SQLite) Path() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.path
}

// Close implements Ledger. Double-close is a no-op.
func (l *SQLite) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
