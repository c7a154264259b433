package event

import (
	"encoding/json"
	"time"
)

// Snapshot captures run state up to a sequence number so a restarted driver
// can skip replaying the full log. Snapshots must be losslessly
// reconstructible from events alone; the engine treats a missing or corrupt
// snapshot as "replay from zero".
type Snapshot struct {
	// ID uniquely identifies the snapshot within its run.
	ID string `json:"snapshot_id"`

	// CorrelationID is the run this snapshot belongs to.
	CorrelationID string `json:"correlation_id"`

	// UpToSeq is the sequence number of the last event folded into State.
	UpToSeq int64 `json:"up_to_sequence"`

	// State is the marshalled reducer state (run context, ready set,
	// pending humans, completion and attempt bookkeeping). The engine owns
	// the schema; the store treats it as opaque.
	State json.RawMessage `json:"state"`

	// CreatedAt is the capture time.
	CreatedAt time.Time `json:"created_at"`
}

// OutboxEntry is the publication record stored in the same transaction as
// its event. Rows with a zero PublishedAt form the backlog. The outbox
// publisher is the sole mutator of PublishedAt, Attempts and LastError.
type OutboxEntry struct {
	EventID     string    `json:"event_id"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
}

// DLQEntry is a quarantined event whose publication exhausted its retry
// budget. Entries leave the DLQ only through Requeue or Purge.
type DLQEntry struct {
	EventID         string    `json:"event_id"`
	CorrelationID   string    `json:"correlation_id"`
	Error           string    `json:"error"`
	QuarantineUntil time.Time `json:"quarantine_until"`
	ManualRetries   int       `json:"manual_retries"`
	QuarantinedAt   time.Time `json:"quarantined_at"`
}
