package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aobuild/aob-go/aob/event"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store.
//
// Designed for production deployments: multiple scheduler processes sharing
// one event store, runs that survive restarts, and audit retention. The
// per-run writer lease serializes Append callers, but the store still locks
// the run head (SELECT ... FOR UPDATE) so a misbehaving duplicate scheduler
// surfaces as ErrSequenceConflict rather than a corrupt log.
//
// Schema:
//   - aob_events: the per-run append-only logs
//   - aob_outbox: publication state, keyed by a global auto-increment cursor
//   - aob_snapshots: snapshot history per run
//   - aob_dlq: quarantined events
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a MySQL-backed store.
//
// The DSN format is the go-sql-driver one:
//
//	user:password@tcp(localhost:3306)/aob?parseTime=true
//
// parseTime=true is required; NewMySQLStore rejects DSNs without it.
//
// Never hardcode credentials. Read the DSN from the environment:
//
//	store, err := store.NewMySQLStore(os.Getenv("MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if !strings.Contains(dsn, "parseTime=true") {
		return nil, errors.New("mysql dsn must set parseTime=true")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS aob_events (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			correlation_id VARCHAR(64) NOT NULL,
			sequence_number BIGINT NOT NULL,
			type VARCHAR(64) NOT NULL,
			payload JSON NOT NULL,
			idempotency_key VARCHAR(128),
			causation_id VARCHAR(64),
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uniq_run_seq (correlation_id, sequence_number),
			UNIQUE KEY uniq_run_idem (correlation_id, idempotency_key),
			INDEX idx_run (correlation_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS aob_outbox (
			cursor BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id VARCHAR(64) NOT NULL UNIQUE,
			correlation_id VARCHAR(64) NOT NULL,
			published_at DATETIME(6),
			attempts INT NOT NULL DEFAULT 0,
			last_error TEXT,
			INDEX idx_pending (published_at, cursor)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS aob_snapshots (
			correlation_id VARCHAR(64) NOT NULL,
			snapshot_id VARCHAR(64) NOT NULL,
			up_to_sequence BIGINT NOT NULL,
			state JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (correlation_id, snapshot_id),
			INDEX idx_run_seq (correlation_id, up_to_sequence)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS aob_dlq (
			event_id VARCHAR(64) NOT NULL PRIMARY KEY,
			correlation_id VARCHAR(64) NOT NULL,
			error TEXT NOT NULL,
			quarantine_until DATETIME(6) NOT NULL,
			manual_retries INT NOT NULL DEFAULT 0,
			quarantined_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Append implements Store.
func (m *MySQLStore) Append(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := m.guard(); err != nil {
		return nil, err
	}

	cid := events[0].CorrelationID
	for _, e := range events {
		if e.CorrelationID != cid {
			return nil, fmt.Errorf("append: mixed correlation ids %q and %q", cid, e.CorrelationID)
		}
	}

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastSeq  int64
		lastType string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence_number, type FROM aob_events
		 WHERE correlation_id = ? ORDER BY sequence_number DESC LIMIT 1 FOR UPDATE`, cid).
		Scan(&lastSeq, &lastType)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read run head: %w", err)
	}
	terminated := event.Type(lastType).Terminal()

	out := make([]event.Event, 0, len(events))
	next := lastSeq + 1
	for _, e := range events {
		if e.IdempotencyKey != "" {
			row := tx.QueryRowContext(ctx,
				`SELECT id, correlation_id, sequence_number, type, payload, idempotency_key, causation_id, created_at
				 FROM aob_events WHERE correlation_id = ? AND idempotency_key = ?`, cid, e.IdempotencyKey)
			existing, scanErr := scanMySQLEvent(row)
			if scanErr == nil {
				out = append(out, existing)
				continue
			}
			if !errors.Is(scanErr, sql.ErrNoRows) {
				return nil, scanErr
			}
		}
		if terminated {
			return nil, fmt.Errorf("append %s to %s: %w", e.Type, cid, ErrRunTerminated)
		}
		if e.Seq != next {
			return nil, fmt.Errorf("append %s to %s: have seq %d, want %d: %w",
				e.Type, cid, e.Seq, next, ErrSequenceConflict)
		}
		next++
		if e.Terminal() {
			terminated = true
		}

		payload, mErr := e.MarshalPayload()
		if mErr != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", mErr)
		}
		var idem any
		if e.IdempotencyKey != "" {
			idem = e.IdempotencyKey
		}
		var causation any
		if e.CausationID != "" {
			causation = e.CausationID
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO aob_events (id, correlation_id, sequence_number, type, payload, idempotency_key, causation_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CorrelationID, e.Seq, string(e.Type), payload, idem, causation, e.CreatedAt.UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO aob_outbox (event_id, correlation_id) VALUES (?, ?)`, e.ID, e.CorrelationID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert outbox row: %w", err)
		}
		out = append(out, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}
	return out, nil
}

func scanMySQLEvent(r rowScanner) (event.Event, error) {
	var (
		e         event.Event
		typ       string
		payload   []byte
		idem      sql.NullString
		causation sql.NullString
	)
	if err := r.Scan(&e.ID, &e.CorrelationID, &e.Seq, &typ, &payload, &idem, &causation, &e.CreatedAt); err != nil {
		return event.Event{}, err
	}
	e.Type = event.Type(typ)
	e.IdempotencyKey = idem.String
	e.CausationID = causation.String
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return event.Event{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return e, nil
}

// Load implements Store.
func (m *MySQLStore) Load(ctx context.Context, correlationID string, fromSeq int64) ([]event.Event, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, correlation_id, sequence_number, type, payload, idempotency_key, causation_id, created_at
		 FROM aob_events WHERE correlation_id = ? AND sequence_number > ?
		 ORDER BY sequence_number ASC`, correlationID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		e, err := scanMySQLEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// WriteSnapshot implements Store.
func (m *MySQLStore) WriteSnapshot(ctx context.Context, snap event.Snapshot) error {
	if err := m.guard(); err != nil {
		return err
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO aob_snapshots (correlation_id, snapshot_id, up_to_sequence, state, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
			up_to_sequence = VALUES(up_to_sequence),
			state = VALUES(state),
			created_at = VALUES(created_at)`,
		snap.CorrelationID, snap.ID, snap.UpToSeq, []byte(snap.State), snap.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func scanMySQLSnapshot(r rowScanner) (event.Snapshot, error) {
	var (
		snap  event.Snapshot
		state []byte
	)
	if err := r.Scan(&snap.CorrelationID, &snap.ID, &snap.UpToSeq, &state, &snap.CreatedAt); err != nil {
		return event.Snapshot{}, err
	}
	snap.State = json.RawMessage(state)
	return snap, nil
}

// ReadSnapshot implements Store.
func (m *MySQLStore) ReadSnapshot(ctx context.Context, correlationID string) (event.Snapshot, error) {
	if err := m.guard(); err != nil {
		return event.Snapshot{}, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT correlation_id, snapshot_id, up_to_sequence, state, created_at
		 FROM aob_snapshots WHERE correlation_id = ?
		 ORDER BY up_to_sequence DESC LIMIT 1`, correlationID)
	snap, err := scanMySQLSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// ReadSnapshotByID implements Store.
func (m *MySQLStore) ReadSnapshotByID(ctx context.Context, correlationID, snapshotID string) (event.Snapshot, error) {
	if err := m.guard(); err != nil {
		return event.Snapshot{}, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT correlation_id, snapshot_id, up_to_sequence, state, created_at
		 FROM aob_snapshots WHERE correlation_id = ? AND snapshot_id = ?`, correlationID, snapshotID)
	snap, err := scanMySQLSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// ListSnapshots implements Store.
func (m *MySQLStore) ListSnapshots(ctx context.Context, correlationID string) ([]event.Snapshot, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT correlation_id, snapshot_id, up_to_sequence, state, created_at
		 FROM aob_snapshots WHERE correlation_id = ? ORDER BY up_to_sequence ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Snapshot
	for rows.Next() {
		snap, err := scanMySQLSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ScanOutbox implements Store.
func (m *MySQLStore) ScanOutbox(ctx context.Context, limit int, afterCursor int64) ([]PendingEvent, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT o.cursor, o.attempts,
		        e.id, e.correlation_id, e.sequence_number, e.type, e.payload, e.idempotency_key, e.causation_id, e.created_at
		 FROM aob_outbox o JOIN aob_events e ON e.id = o.event_id
		 WHERE o.published_at IS NULL AND o.cursor > ?
		 ORDER BY o.cursor ASC LIMIT ?`, afterCursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingEvent
	for rows.Next() {
		var (
			p         PendingEvent
			typ       string
			payload   []byte
			idem      sql.NullString
			causation sql.NullString
		)
		if err := rows.Scan(&p.Cursor, &p.Attempts,
			&p.Event.ID, &p.Event.CorrelationID, &p.Event.Seq, &typ, &payload, &idem, &causation, &p.Event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		p.Event.Type = event.Type(typ)
		p.Event.IdempotencyKey = idem.String
		p.Event.CausationID = causation.String
		if err := json.Unmarshal(payload, &p.Event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPublished implements Store.
func (m *MySQLStore) MarkPublished(ctx context.Context, eventIDs []string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventIDs)), ", ")
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}

	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// #nosec G201 -- placeholders are "?" marks, not user input
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE aob_outbox SET published_at = ?, last_error = NULL WHERE event_id IN (%s)`, placeholders),
		append([]any{time.Now().UTC()}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	// #nosec G201 -- see above
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM aob_dlq WHERE event_id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to clear dlq entries: %w", err)
	}
	return tx.Commit()
}

// MarkPublishFailed implements Store.
func (m *MySQLStore) MarkPublishFailed(ctx context.Context, eventID, cause string) error {
	if err := m.guard(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx,
		`UPDATE aob_outbox SET attempts = attempts + 1, last_error = ? WHERE event_id = ?`, cause, eventID)
	if err != nil {
		return fmt.Errorf("failed to record publish failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// Quarantine implements Store.
func (m *MySQLStore) Quarantine(ctx context.Context, eventID, cause string, until time.Time) error {
	if err := m.guard(); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cid string
	err = tx.QueryRowContext(ctx,
		`SELECT correlation_id FROM aob_outbox WHERE event_id = ? FOR UPDATE`, eventID).Scan(&cid)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("outbox %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox row: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE aob_outbox SET published_at = ?, last_error = ? WHERE event_id = ?`,
		now, "quarantined: "+cause, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark quarantined: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO aob_dlq (event_id, correlation_id, error, quarantine_until, manual_retries, quarantined_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON DUPLICATE KEY UPDATE
			error = VALUES(error),
			quarantine_until = VALUES(quarantine_until),
			quarantined_at = VALUES(quarantined_at)`,
		eventID, cid, cause, until.UTC(), now)
	if err != nil {
		return fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return tx.Commit()
}

// ListQuarantined implements Store.
func (m *MySQLStore) ListQuarantined(ctx context.Context, now time.Time) ([]event.DLQEntry, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT event_id, correlation_id, error, quarantine_until, manual_retries, quarantined_at
		 FROM aob_dlq WHERE quarantine_until <= ? ORDER BY quarantined_at ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query dlq: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.DLQEntry
	for rows.Next() {
		var entry event.DLQEntry
		if err := rows.Scan(&entry.EventID, &entry.CorrelationID, &entry.Error,
			&entry.QuarantineUntil, &entry.ManualRetries, &entry.QuarantinedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dlq row: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Requeue implements Store.
func (m *MySQLStore) Requeue(ctx context.Context, eventID string, graceUntil time.Time) error {
	if err := m.guard(); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE aob_dlq SET manual_retries = manual_retries + 1, quarantine_until = ? WHERE event_id = ?`,
		graceUntil.UTC(), eventID)
	if err != nil {
		return fmt.Errorf("failed to update dlq entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dlq %s: %w", eventID, ErrNotFound)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE aob_outbox SET published_at = NULL, attempts = 0, last_error = NULL WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to reset outbox row: %w", err)
	}
	return tx.Commit()
}

// Purge implements Store.
func (m *MySQLStore) Purge(ctx context.Context, eventID string) error {
	if err := m.guard(); err != nil {
		return err
	}
	res, err := m.db.ExecContext(ctx, `DELETE FROM aob_dlq WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to purge dlq entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dlq %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// PruneBefore implements Store.
func (m *MySQLStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	if err := m.guard(); err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT correlation_id FROM aob_events WHERE type IN (?, ?) AND created_at <= ?`,
		string(event.WorkflowCompleted), string(event.WorkflowFailed), cutoff.UTC())
	if err != nil {
		return fmt.Errorf("failed to find expired runs: %w", err)
	}
	var cids []string
	for rows.Next() {
		var cid string
		if err := rows.Scan(&cid); err != nil {
			_ = rows.Close()
			return err
		}
		cids = append(cids, cid)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, cid := range cids {
		for _, stmt := range []string{
			`DELETE FROM aob_outbox WHERE correlation_id = ?`,
			`DELETE FROM aob_dlq WHERE correlation_id = ?`,
			`DELETE FROM aob_snapshots WHERE correlation_id = ?`,
			`DELETE FROM aob_events WHERE correlation_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, cid); err != nil {
				return fmt.Errorf("failed to prune %s: %w", cid, err)
			}
		}
	}
	return tx.Commit()
}

// Ping verifies the database connection is alive. Useful for health checks.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Stats returns connection pool statistics for monitoring.
func (m *MySQLStore) Stats() sql.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db.Stats()
}

// Close closes the connection pool. Double-close is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
