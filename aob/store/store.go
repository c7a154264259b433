// Package store defines persistence for run event logs, snapshots, the
// transactional outbox, and the dead-letter queue.
//
// Implementations must provide, for each correlation id:
//   - a dense, append-only event sequence starting at 1
//   - idempotent appends keyed by (correlation_id, idempotency_key)
//   - terminality: nothing may follow a workflow.completed/failed event
//   - atomicity of Append across the event and outbox tables
//
// The engine is the only writer of events and snapshots (serialized by the
// run lease); the outbox publisher is the only mutator of publication state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aobuild/aob-go/aob/event"
)

// ErrNotFound is returned when a requested run, event, or snapshot does not
// exist.
var ErrNotFound = errors.New("not found")

// ErrSequenceConflict is returned by Append when an event's sequence number
// does not extend the run's dense sequence. It signals a duplicate scheduler:
// the caller must verify its lease and, on confirmation, yield.
var ErrSequenceConflict = errors.New("sequence conflict")

// ErrRunTerminated is returned by Append when the run already has a terminal
// event. Terminal events are final; the append must not be retried.
var ErrRunTerminated = errors.New("run already terminated")

// PendingEvent is an unpublished outbox row joined with its event.
type PendingEvent struct {
	// Cursor orders outbox rows globally in append order. Scans resume
	// after the highest cursor the caller has fully handled.
	Cursor int64

	// Event is the stored event awaiting publication.
	Event event.Event

	// Attempts counts prior failed publication attempts.
	Attempts int
}

// Store is the persistence contract consumed by the engine and the
// publisher. Any backend satisfying these semantics can serve: the package
// ships in-memory, SQLite, and MySQL implementations.
type Store interface {
	// Append atomically persists events and their outbox rows in order.
	// All events must share one correlation id and carry pre-assigned
	// sequence numbers extending the run's dense sequence.
	//
	// Idempotency: an event whose (correlation_id, idempotency_key) is
	// already materialized is not re-inserted; the stored event takes its
	// place in the returned slice and no sequence number is consumed. This
	// makes retrying Append after a crash or lease bounce safe.
	//
	// Returns ErrSequenceConflict on a sequence gap or duplicate, and
	// ErrRunTerminated when the run already has a terminal event.
	Append(ctx context.Context, events []event.Event) ([]event.Event, error)

	// Load returns the run's events with Seq > fromSeq in sequence order.
	// Pass fromSeq = 0 for the full log. A run with no events yields an
	// empty slice, not an error.
	Load(ctx context.Context, correlationID string, fromSeq int64) ([]event.Event, error)

	// WriteSnapshot persists a snapshot. History is retained; ReadSnapshot
	// returns the one with the highest UpToSeq.
	WriteSnapshot(ctx context.Context, snap event.Snapshot) error

	// ReadSnapshot returns the latest snapshot for the run, or ErrNotFound.
	ReadSnapshot(ctx context.Context, correlationID string) (event.Snapshot, error)

	// ReadSnapshotByID returns one specific snapshot, or ErrNotFound.
	ReadSnapshotByID(ctx context.Context, correlationID, snapshotID string) (event.Snapshot, error)

	// ListSnapshots returns the run's snapshots ordered by UpToSeq.
	ListSnapshots(ctx context.Context, correlationID string) ([]event.Snapshot, error)

	// ScanOutbox returns up to limit unpublished rows with Cursor >
	// afterCursor, in cursor order.
	ScanOutbox(ctx context.Context, limit int, afterCursor int64) ([]PendingEvent, error)

	// MarkPublished records successful publication for the given event ids
	// and clears any matching DLQ entries (a requeued event leaves the DLQ
	// backlog on its first successful publish).
	MarkPublished(ctx context.Context, eventIDs []string) error

	// MarkPublishFailed increments the attempt counter and records the
	// error for one outbox row, leaving it in the backlog.
	MarkPublishFailed(ctx context.Context, eventID, cause string) error

	// Quarantine moves an event to the DLQ: the outbox row is marked
	// published with an error marker so the backlog scan skips it, and a
	// DLQ entry is written with the given quarantine deadline.
	Quarantine(ctx context.Context, eventID, cause string, until time.Time) error

	// ListQuarantined returns DLQ entries with QuarantineUntil <= now.
	ListQuarantined(ctx context.Context, now time.Time) ([]event.DLQEntry, error)

	// Requeue resets an event's publication state so the publisher
	// re-attempts it, and bumps the entry's manual retry counter. The DLQ
	// entry remains (outside the ready view) until the publish succeeds.
	Requeue(ctx context.Context, eventID string, graceUntil time.Time) error

	// Purge permanently removes a DLQ entry. Operator action only.
	Purge(ctx context.Context, eventID string) error

	// PruneBefore deletes events and snapshots of terminated runs whose
	// terminal event predates cutoff. Retention policy lives with the
	// deployment; the engine never calls this.
	PruneBefore(ctx context.Context, cutoff time.Time) error
}
