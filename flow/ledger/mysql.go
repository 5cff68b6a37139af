package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/orcalabs/orca-go/flow/event"
)

// MySQL is a Ledger backend for shared deployments where several processes
// read the same ledger. It proves the interface is a drop-in contract: the
// runner never knows which backend it writes to.
//
// The DSN format is the go-sql-driver one:
//
//	user:password@tcp(localhost:3306)/orca
//
// Never hardcode credentials; read the DSN from the environment.
type MySQL struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQL opens a MySQL-backed ledger and creates the schema if needed.
func NewMySQL(dsn string) (*MySQL, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	l := &MySQL{db: db}
	if err := l.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return l, nil
}

func (l *MySQL) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(255) NOT NULL PRIMARY KEY,
			graph VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			error TEXT NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS run_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			kind VARCHAR(32) NOT NULL,
			node VARCHAR(255) NOT NULL DEFAULT '',
			payload JSON NOT NULL,
			ts VARCHAR(40) NOT NULL,
			archived_at VARCHAR(40) NULL,
			UNIQUE KEY unique_run_seq (run_id, seq),
			INDEX idx_events_run_seq (run_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			sequence BIGINT NOT NULL,
			state JSON NOT NULL,
			frontier JSON NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL UNIQUE,
			ts VARCHAR(40) NOT NULL,
			UNIQUE KEY unique_run_sequence (run_id, sequence),
			INDEX idx_checkpoints_run (run_id, sequence)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key_value VARCHAR(255) NOT NULL PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id VARCHAR(80) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL DEFAULT '',
			data LONGBLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS pending_gates (
			run_id VARCHAR(255) NOT NULL,
			gate_id VARCHAR(255) NOT NULL,
			node VARCHAR(255) NOT NULL DEFAULT '',
			prompt JSON NOT NULL,
			status VARCHAR(16) NOT NULL,
			resolution JSON NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			resolved_at VARCHAR(40) NULL,
			PRIMARY KEY (run_id, gate_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func (l *MySQL) guard() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return fmt.Errorf("ledger is closed")
	}
	return nil
}

// SaveRun implements Ledger.
func (l *MySQL) SaveRun(ctx context.Context, run RunRecord) error {
	if err := l.guard(); err != nil {
		return err
	}
	query := `
		INSERT INTO runs (run_id, graph, status, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			graph = VALUES(graph),
			status = VALUES(status),
			error = VALUES(error),
			updated_at = VALUES(updated_at)
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
func (l *MySQL) LoadRun(ctx context.Context, runID string) (RunRecord, error) {
	if err := l.guard(); err != nil {
		return RunRecord{}, err
	}
	var run RunRecord
	var createdAt, updatedAt string
	err := l.db.QueryRowContext(ctx,
		`SELECT run_id, graph, status, error, created_at, updated_at FROM runs WHERE run_id = ?`,
		runID).Scan(&run.ID, &run.Graph, &run.Status, &run.Error, &createdAt, &updatedAt)
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
func (l *MySQL) UpdateRunStatus(ctx context.Context, runID, status, errDetail string) error {
	if err := l.guard(); err != nil {
		return err
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE run_id = ?`,
		status, errDetail, time.Now().UTC().Format(time.RFC3339Nano), runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n == 0 {
		// MySQL reports zero affected rows for no-op updates too, so
		// distinguish a missing run from an unchanged one.
		if _, loadErr := l.LoadRun(ctx, runID); loadErr != nil {
			return loadErr
		}
	}
	return nil
}

// ListRuns implements Ledger.
func (l *MySQL) ListRuns(ctx context.Context) ([]RunRecord, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, graph, status, error, created_at, updated_at FROM runs ORDER BY created_at, run_id`)
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
func (l *MySQL) AppendEvent(ctx context.Context, e event.Event) error {
	if err := l.guard(); err != nil {
		return err
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := `
		INSERT IGNORE INTO run_events (run_id, seq, kind, node, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?)
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

// Events implements Ledger.
func (l *MySQL) Events(ctx context.Context, runID string, sinceSeq int64) ([]event.Event, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, node, payload, ts
		FROM run_events
		WHERE run_id = ? AND seq > ? AND archived_at IS NULL
		ORDER BY seq ASC
	`, runID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// History implements Ledger. Archived events are included.
func (l *MySQL) History(ctx context.Context, runID string) ([]event.Event, error) {
	if err := l.guard(); err != nil {
		return nil, err
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, seq, kind, node, payload, ts
		FROM run_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// SaveCheckpoint implements Ledger.
func (l *MySQL) SaveCheckpoint(ctx context.Context, cp CheckpointRecord) error {
	if err := l.guard(); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
			`INSERT IGNORE INTO idempotency_keys (key_value) VALUES (?)`,
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
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			frontier = VALUES(frontier),
			idempotency_key = VALUES(idempotency_key),
			ts = VALUES(ts)
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

func (l *MySQL) scanCheckpoint(row *sql.Row) (CheckpointRecord, error) {
	var (
		cp       CheckpointRecord
		state    []byte
		frontier []byte
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
func (l *MySQL) LoadCheckpoint(ctx context.Context, runID string, sequence int64) (CheckpointRecord, error) {
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
func (l *MySQL) LatestCheckpoint(ctx context.Context, runID string) (CheckpointRecord, error) {
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
func (l *MySQL) CheckIdempotency(ctx context.Context, key string) (bool, error) {
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
func (l *MySQL) SaveArtifact(ctx context.Context, runID string, data []byte) (string, error) {
	if err := l.guard(); err != nil {
		return "", err
	}
	id := Digest(data)
	_, err := l.db.ExecContext(ctx,
		`INSERT IGNORE INTO artifacts (artifact_id, run_id, data) VALUES (?, ?, ?)`,
		id, runID, data)
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return id, nil
}

// LoadArtifact implements Ledger.
func (l *MySQL) LoadArtifact(ctx context.Context, id string) ([]byte, error) {
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
func (l *MySQL) SavePendingGate(ctx context.Context, gate GateRecord) error {
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
		ON DUPLICATE KEY UPDATE
			node = VALUES(node),
			prompt = VALUES(prompt),
			status = VALUES(status),
			resolution = VALUES(resolution)
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

// LoadGate implements Ledger.
func (l *MySQL) LoadGate(ctx context.Context, runID, gateID string) (GateRecord, error) {
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
func (l *MySQL) OpenGates(ctx context.Context, runID string) ([]GateRecord, error) {
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

// ResolveGate implements Ledger. A gate resolves exactly once; the row lock
// makes concurrent resolvers serialize.
func (l *MySQL) ResolveGate(ctx context.Context, runID, gateID string, resolution map[string]any) (GateRecord, error) {
	if err := l.guard(); err != nil {
		return GateRecord{}, err
	}

	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
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
		`SELECT status FROM pending_gates WHERE run_id = ? AND gate_id = ? FOR UPDATE`,
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

// CompactEvents implements Ledger.
func (l *MySQL) CompactEvents(ctx context.Context, runID string) (int, error) {
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
func (l *MySQL) Ping(ctx context.Context) error {
	if err := l.guard(); err != nil {
		return err
	}
	return l.db.PingContext(ctx)
}

// Stats returns connection pool statistics for monitoring.
func (l *MySQL) Stats() sql.DBStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.Stats()
}

// Close implements Ledger. Double-close is a no-op.
func (l *MySQL) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
