package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aobuild/aob-go/aob/event"
)

// MemStore is an in-memory Store.
//
// Designed for tests, development, and single-process deployments where
// durability across restarts is not required. All operations are safe for
// concurrent use.
type MemStore struct {
	mu sync.RWMutex

	events    map[string][]event.Event // correlation id -> dense log
	byIdem    map[string]event.Event   // cid + "\x00" + idem key -> event
	terminal  map[string]bool          // correlation id -> run terminated
	snapshots map[string][]event.Snapshot

	outbox map[string]*memOutboxRow // event id -> row
	order  []string                 // event ids in append order
	cursor int64

	dlq map[string]event.DLQEntry
}

type memOutboxRow struct {
	cursor    int64
	evt       event.Event
	published bool
	attempts  int
	lastError string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:    make(map[string][]event.Event),
		byIdem:    make(map[string]event.Event),
		terminal:  make(map[string]bool),
		snapshots: make(map[string][]event.Snapshot),
		outbox:    make(map[string]*memOutboxRow),
		dlq:       make(map[string]event.DLQEntry),
	}
}

func idemKey(cid, key string) string { return cid + "\x00" + key }

// Append implements Store.
func (s *MemStore) Append(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cid := events[0].CorrelationID
	for _, e := range events {
		if e.CorrelationID != cid {
			return nil, fmt.Errorf("append: mixed correlation ids %q and %q", cid, e.CorrelationID)
		}
	}

	// Validate the whole batch before mutating anything: Append is atomic.
	log := s.events[cid]
	next := int64(len(log)) + 1
	type insert struct {
		evt event.Event
	}
	out := make([]event.Event, 0, len(events))
	var inserts []insert
	for _, e := range events {
		if e.IdempotencyKey != "" {
			if existing, ok := s.byIdem[idemKey(cid, e.IdempotencyKey)]; ok {
				out = append(out, existing)
				continue
			}
		}
		if s.terminal[cid] {
			return nil, fmt.Errorf("append %s to %s: %w", e.Type, cid, ErrRunTerminated)
		}
		if e.Seq != next {
			return nil, fmt.Errorf("append %s to %s: have seq %d, want %d: %w",
				e.Type, cid, e.Seq, next, ErrSequenceConflict)
		}
		next++
		if e.Terminal() {
			s.terminal[cid] = true
		}
		inserts = append(inserts, insert{evt: e})
		out = append(out, e)
	}

	for _, in := range inserts {
		s.events[cid] = append(s.events[cid], in.evt)
		if in.evt.IdempotencyKey != "" {
			s.byIdem[idemKey(cid, in.evt.IdempotencyKey)] = in.evt
		}
		s.cursor++
		s.outbox[in.evt.ID] = &memOutboxRow{cursor: s.cursor, evt: in.evt}
		s.order = append(s.order, in.evt.ID)
	}

	return out, nil
}

// Load implements Store.
func (s *MemStore) Load(ctx context.Context, correlationID string, fromSeq int64) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[correlationID]
	out := make([]event.Event, 0, len(log))
	for _, e := range log {
		if e.Seq > fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// WriteSnapshot implements Store.
func (s *MemStore) WriteSnapshot(ctx context.Context, snap event.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Copy the opaque state so later caller mutation cannot leak in.
	cp := snap
	cp.State = append(json.RawMessage(nil), snap.State...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.CorrelationID] = append(s.snapshots[snap.CorrelationID], cp)
	sort.SliceStable(s.snapshots[snap.CorrelationID], func(i, j int) bool {
		list := s.snapshots[snap.CorrelationID]
		return list[i].UpToSeq < list[j].UpToSeq
	})
	return nil
}

// ReadSnapshot implements Store.
func (s *MemStore) ReadSnapshot(ctx context.Context, correlationID string) (event.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return event.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[correlationID]
	if len(list) == 0 {
		return event.Snapshot{}, ErrNotFound
	}
	return list[len(list)-1], nil
}

// ReadSnapshotByID implements Store.
func (s *MemStore) ReadSnapshotByID(ctx context.Context, correlationID, snapshotID string) (event.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return event.Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, snap := range s.snapshots[correlationID] {
		if snap.ID == snapshotID {
			return snap, nil
		}
	}
	return event.Snapshot{}, ErrNotFound
}

// ListSnapshots implements Store.
func (s *MemStore) ListSnapshots(ctx context.Context, correlationID string) ([]event.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]event.Snapshot(nil), s.snapshots[correlationID]...), nil
}

// ScanOutbox implements Store.
func (s *MemStore) ScanOutbox(ctx context.Context, limit int, afterCursor int64) ([]PendingEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PendingEvent
	for _, id := range s.order {
		row := s.outbox[id]
		if row.published || row.cursor <= afterCursor {
			continue
		}
		out = append(out, PendingEvent{Cursor: row.cursor, Event: row.evt, Attempts: row.attempts})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// MarkPublished implements Store.
func (s *MemStore) MarkPublished(ctx context.Context, eventIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range eventIDs {
		if row, ok := s.outbox[id]; ok {
			row.published = true
			row.lastError = ""
		}
		delete(s.dlq, id)
	}
	return nil
}

// MarkPublishFailed implements Store.
func (s *MemStore) MarkPublishFailed(ctx context.Context, eventID, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[eventID]
	if !ok {
		return fmt.Errorf("outbox %s: %w", eventID, ErrNotFound)
	}
	row.attempts++
	row.lastError = cause
	return nil
}

// Quarantine implements Store.
func (s *MemStore) Quarantine(ctx context.Context, eventID, cause string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.outbox[eventID]
	if !ok {
		return fmt.Errorf("outbox %s: %w", eventID, ErrNotFound)
	}
	row.published = true
	row.lastError = "quarantined: " + cause

	entry := event.DLQEntry{
		EventID:         eventID,
		CorrelationID:   row.evt.CorrelationID,
		Error:           cause,
		QuarantineUntil: until,
		QuarantinedAt:   time.Now().UTC(),
	}
	if prev, ok := s.dlq[eventID]; ok {
		entry.ManualRetries = prev.ManualRetries
	}
	s.dlq[eventID] = entry
	return nil
}

// ListQuarantined implements Store.
func (s *MemStore) ListQuarantined(ctx context.Context, now time.Time) ([]event.DLQEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []event.DLQEntry
	for _, entry := range s.dlq {
		if !entry.QuarantineUntil.After(now) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuarantinedAt.Before(out[j].QuarantinedAt) })
	return out, nil
}

// Requeue implements Store.
func (s *MemStore) Requeue(ctx context.Context, eventID string, graceUntil time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.dlq[eventID]
	if !ok {
		return fmt.Errorf("dlq %s: %w", eventID, ErrNotFound)
	}
	row, ok := s.outbox[eventID]
	if !ok {
		return fmt.Errorf("outbox %s: %w", eventID, ErrNotFound)
	}
	row.published = false
	row.attempts = 0
	row.lastError = ""

	entry.ManualRetries++
	entry.QuarantineUntil = graceUntil
	s.dlq[eventID] = entry
	return nil
}

// Purge implements Store.
func (s *MemStore) Purge(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dlq[eventID]; !ok {
		return fmt.Errorf("dlq %s: %w", eventID, ErrNotFound)
	}
	delete(s.dlq, eventID)
	return nil
}

// PruneBefore implements Store.
func (s *MemStore) PruneBefore(ctx context.Context, cutoff time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for cid, log := range s.events {
		if !s.terminal[cid] || len(log) == 0 {
			continue
		}
		if log[len(log)-1].CreatedAt.After(cutoff) {
			continue
		}
		for _, e := range log {
			if e.IdempotencyKey != "" {
				delete(s.byIdem, idemKey(cid, e.IdempotencyKey))
			}
			delete(s.outbox, e.ID)
		}
		delete(s.events, cid)
		delete(s.terminal, cid)
		delete(s.snapshots, cid)
	}

	// Rebuild append order without the pruned ids.
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.outbox[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return nil
}
