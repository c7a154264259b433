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
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// Single-file database with WAL mode, suitable for development, testing,
// and single-node deployments. Append runs events and outbox rows in one
// transaction, satisfying the atomicity contract.
//
// Schema:
//   - events: the per-run append-only logs
//   - outbox: publication state, keyed by a global autoincrement cursor
//   - snapshots: snapshot history per run
//   - dlq: quarantined events
//
// Use ":memory:" as the path for a throwaway database in tests.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) the database at path,
// enables WAL mode, and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports a single writer; keep one connection open.
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
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT NOT NULL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			idempotency_key TEXT,
			causation_id TEXT,
			created_at TEXT NOT NULL,
			UNIQUE(correlation_id, sequence_number)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idem
			ON events(correlation_id, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_events_corr ON events(correlation_id)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			cursor INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE REFERENCES events(id),
			correlation_id TEXT NOT NULL,
			published_at TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at, cursor)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			correlation_id TEXT NOT NULL,
			snapshot_id TEXT NOT NULL,
			up_to_sequence INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY(correlation_id, snapshot_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_seq ON snapshots(correlation_id, up_to_sequence)`,
		`CREATE TABLE IF NOT EXISTS dlq (
			event_id TEXT NOT NULL PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			error TEXT NOT NULL,
			quarantine_until TEXT NOT NULL,
			manual_retries INTEGER NOT NULL DEFAULT 0,
			quarantined_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

// Append implements Store. Events and outbox rows are written in a single
// transaction; the run's current head is read inside that transaction, so
// the dense-sequence check and the insert are atomic.
func (s *SQLiteStore) Append(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := s.guard(); err != nil {
		return nil, err
	}

	cid := events[0].CorrelationID
	for _, e := range events {
		if e.CorrelationID != cid {
			return nil, fmt.Errorf("append: mixed correlation ids %q and %q", cid, e.CorrelationID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastSeq  int64
		lastType string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT sequence_number, type FROM events
		 WHERE correlation_id = ? ORDER BY sequence_number DESC LIMIT 1`, cid).
		Scan(&lastSeq, &lastType)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read run head: %w", err)
	}
	terminated := event.Type(lastType).Terminal()

	out := make([]event.Event, 0, len(events))
	next := lastSeq + 1
	for _, e := range events {
		if e.IdempotencyKey != "" {
			existing, lookupErr := s.lookupByIdemTx(ctx, tx, cid, e.IdempotencyKey)
			if lookupErr == nil {
				out = append(out, existing)
				continue
			}
			if !errors.Is(lookupErr, ErrNotFound) {
				return nil, lookupErr
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
			`INSERT INTO events (id, correlation_id, sequence_number, type, payload, idempotency_key, causation_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CorrelationID, e.Seq, string(e.Type), string(payload), idem, causation,
			e.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO outbox (event_id, correlation_id) VALUES (?, ?)`, e.ID, e.CorrelationID)
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

func (s *SQLiteStore) lookupByIdemTx(ctx context.Context, tx *sql.Tx, cid, key string) (event.Event, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, correlation_id, sequence_number, type, payload, idempotency_key, causation_id, created_at
		 FROM events WHERE correlation_id = ? AND idempotency_key = ?`, cid, key)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, ErrNotFound
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(r rowScanner) (event.Event, error) {
	var (
		e         event.Event
		typ       string
		payload   string
		idem      sql.NullString
		causation sql.NullString
		created   string
	)
	if err := r.Scan(&e.ID, &e.CorrelationID, &e.Seq, &typ, &payload, &idem, &causation, &created); err != nil {
		return event.Event{}, err
	}
	e.Type = event.Type(typ)
	e.IdempotencyKey = idem.String
	e.CausationID = causation.String
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return event.Event{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return event.Event{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	e.CreatedAt = ts
	return e, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, correlationID string, fromSeq int64) ([]event.Event, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, sequence_number, type, payload, idempotency_key, causation_id, created_at
		 FROM events WHERE correlation_id = ? AND sequence_number > ?
		 ORDER BY sequence_number ASC`, correlationID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// WriteSnapshot implements Store.
func (s *SQLiteStore) WriteSnapshot(ctx context.Context, snap event.Snapshot) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (correlation_id, snapshot_id, up_to_sequence, state, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(correlation_id, snapshot_id) DO UPDATE SET
			up_to_sequence = excluded.up_to_sequence,
			state = excluded.state,
			created_at = excluded.created_at`,
		snap.CorrelationID, snap.ID, snap.UpToSeq, string(snap.State),
		snap.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(r rowScanner) (event.Snapshot, error) {
	var (
		snap    event.Snapshot
		state   string
		created string
	)
	if err := r.Scan(&snap.CorrelationID, &snap.ID, &snap.UpToSeq, &state, &created); err != nil {
		return event.Snapshot{}, err
	}
	snap.State = json.RawMessage(state)
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return event.Snapshot{}, fmt.Errorf("failed to parse created_at: %w", err)
	}
	snap.CreatedAt = ts
	return snap, nil
}

// ReadSnapshot implements Store.
func (s *SQLiteStore) ReadSnapshot(ctx context.Context, correlationID string) (event.Snapshot, error) {
	if err := s.guard(); err != nil {
		return event.Snapshot{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, snapshot_id, up_to_sequence, state, created_at
		 FROM snapshots WHERE correlation_id = ?
		 ORDER BY up_to_sequence DESC LIMIT 1`, correlationID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// ReadSnapshotByID implements Store.
func (s *SQLiteStore) ReadSnapshotByID(ctx context.Context, correlationID, snapshotID string) (event.Snapshot, error) {
	if err := s.guard(); err != nil {
		return event.Snapshot{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT correlation_id, snapshot_id, up_to_sequence, state, created_at
		 FROM snapshots WHERE correlation_id = ? AND snapshot_id = ?`, correlationID, snapshotID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Snapshot{}, ErrNotFound
	}
	return snap, err
}

// ListSnapshots implements Store.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, correlationID string) ([]event.Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, snapshot_id, up_to_sequence, state, created_at
		 FROM snapshots WHERE correlation_id = ? ORDER BY up_to_sequence ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ScanOutbox implements Store.
func (s *SQLiteStore) ScanOutbox(ctx context.Context, limit int, afterCursor int64) ([]PendingEvent, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.cursor, o.attempts,
		        e.id, e.correlation_id, e.sequence_number, e.type, e.payload, e.idempotency_key, e.causation_id, e.created_at
		 FROM outbox o JOIN events e ON e.id = o.event_id
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
			payload   string
			idem      sql.NullString
			causation sql.NullString
			created   string
		)
		if err := rows.Scan(&p.Cursor, &p.Attempts,
			&p.Event.ID, &p.Event.CorrelationID, &p.Event.Seq, &typ, &payload, &idem, &causation, &created); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		p.Event.Type = event.Type(typ)
		p.Event.IdempotencyKey = idem.String
		p.Event.CausationID = causation.String
		if err := json.Unmarshal([]byte(payload), &p.Event.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		p.Event.CreatedAt = ts
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPublished implements Store.
func (s *SQLiteStore) MarkPublished(ctx context.Context, eventIDs []string) error {
	if err := s.guard(); err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// #nosec G201 -- placeholders are "?" marks, not user input
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE outbox SET published_at = ?, last_error = NULL WHERE event_id IN (%s)`, placeholders),
		append([]any{time.Now().UTC().Format(time.RFC3339Nano)}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	// #nosec G201 -- see above
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM dlq WHERE event_id IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("failed to clear dlq entries: %w", err)
	}
	return tx.Commit()
}

// MarkPublishFailed implements Store.
func (s *SQLiteStore) MarkPublishFailed(ctx context.Context, eventID, cause string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE event_id = ?`, cause, eventID)
	if err != nil {
		return fmt.Errorf("failed to record publish failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// Quarantine implements Store.
func (s *SQLiteStore) Quarantine(ctx context.Context, eventID, cause string, until time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cid string
	err = tx.QueryRowContext(ctx, `SELECT correlation_id FROM outbox WHERE event_id = ?`, eventID).Scan(&cid)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("outbox %s: %w", eventID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read outbox row: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE outbox SET published_at = ?, last_error = ? WHERE event_id = ?`,
		now.Format(time.RFC3339Nano), "quarantined: "+cause, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark quarantined: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO dlq (event_id, correlation_id, error, quarantine_until, manual_retries, quarantined_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(event_id) DO UPDATE SET
			error = excluded.error,
			quarantine_until = excluded.quarantine_until,
			quarantined_at = excluded.quarantined_at`,
		eventID, cid, cause, until.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert dlq entry: %w", err)
	}
	return tx.Commit()
}

// ListQuarantined implements Store.
func (s *SQLiteStore) ListQuarantined(ctx context.Context, now time.Time) ([]event.DLQEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, correlation_id, error, quarantine_until, manual_retries, quarantined_at
		 FROM dlq WHERE quarantine_until <= ? ORDER BY quarantined_at ASC`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query dlq: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []event.DLQEntry
	for rows.Next() {
		var (
			entry       event.DLQEntry
			until       string
			quarantined string
		)
		if err := rows.Scan(&entry.EventID, &entry.CorrelationID, &entry.Error, &until, &entry.ManualRetries, &quarantined); err != nil {
			return nil, fmt.Errorf("failed to scan dlq row: %w", err)
		}
		if entry.QuarantineUntil, err = time.Parse(time.RFC3339Nano, until); err != nil {
			return nil, fmt.Errorf("failed to parse quarantine_until: %w", err)
		}
		if entry.QuarantinedAt, err = time.Parse(time.RFC3339Nano, quarantined); err != nil {
			return nil, fmt.Errorf("failed to parse quarantined_at: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Requeue implements Store.
func (s *SQLiteStore) Requeue(ctx context.Context, eventID string, graceUntil time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE dlq SET manual_retries = manual_retries + 1, quarantine_until = ? WHERE event_id = ?`,
		graceUntil.UTC().Format(time.RFC3339Nano), eventID)
	if err != nil {
		return fmt.Errorf("failed to update dlq entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dlq %s: %w", eventID, ErrNotFound)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE outbox SET published_at = NULL, attempts = 0, last_error = NULL WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to reset outbox row: %w", err)
	}
	return tx.Commit()
}

// Purge implements Store.
func (s *SQLiteStore) Purge(ctx context.Context, eventID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("failed to purge dlq entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dlq %s: %w", eventID, ErrNotFound)
	}
	return nil
}

// PruneBefore implements Store. Only terminated runs whose terminal event
// predates cutoff are removed.
func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT correlation_id FROM events
		 WHERE type IN (?, ?) AND created_at <= ?`,
		string(event.WorkflowCompleted), string(event.WorkflowFailed),
		cutoff.UTC().Format(time.RFC3339Nano))
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
			`DELETE FROM outbox WHERE correlation_id = ?`,
			`DELETE FROM dlq WHERE correlation_id = ?`,
			`DELETE FROM snapshots WHERE correlation_id = ?`,
			`DELETE FROM events WHERE correlation_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, cid); err != nil {
				return fmt.Errorf("failed to prune %s: %w", cid, err)
			}
		}
	}
	return tx.Commit()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
