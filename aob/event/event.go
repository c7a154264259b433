// Package event defines the durable event model shared by the engine,
// the event store, the outbox publisher, and the bus adapters.
//
// Events are the sole source of truth for a run: the engine's reducer plus
// the event sequence reconstruct any run state, and snapshots are merely an
// optimization over that sequence.
package event

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Type identifies an event in the closed vocabulary.
//
// The vocabulary is closed on purpose: the reducer is total over these
// types, and adding a new type requires touching the compiler, the reducer,
// and the scheduler together.
type Type string

// The complete event vocabulary.
const (
	WorkflowStarted   Type = "workflow.started"
	NodeStarted       Type = "node.started"
	NodeCompleted     Type = "node.completed"
	NodeFailed        Type = "node.failed"
	PolicyDenied      Type = "policy.denied"
	HumanAwaited      Type = "human.awaited"
	HumanApproved     Type = "human.approved"
	HumanRejected     Type = "human.rejected"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	SnapshotCreated   Type = "snapshot.created"
)

// Terminal reports whether the type ends its run. No event may follow a
// terminal event for the same correlation id.
func (t Type) Terminal() bool {
	return t == WorkflowCompleted || t == WorkflowFailed
}

// Valid reports whether t belongs to the vocabulary.
func Valid(t Type) bool {
	switch t {
	case WorkflowStarted, NodeStarted, NodeCompleted, NodeFailed,
		PolicyDenied, HumanAwaited, HumanApproved, HumanRejected,
		WorkflowCompleted, WorkflowFailed, SnapshotCreated:
		return true
	}
	return false
}

// Event is one entry in a run's append-only log.
//
// Sequence numbers are dense per correlation id, starting at 1, assigned by
// the run driver under the run's lease and validated by the store. The
// idempotency key makes re-appends of the same logical event safe: the store
// returns the already-materialized event instead of inserting a duplicate.
type Event struct {
	// ID is a globally unique event identifier.
	ID string `json:"id"`

	// CorrelationID identifies the run this event belongs to.
	CorrelationID string `json:"correlation_id"`

	// Seq is the dense per-run sequence number, starting at 1.
	Seq int64 `json:"sequence_number"`

	// Type is drawn from the closed vocabulary above.
	Type Type `json:"type"`

	// Payload carries type-specific data. Keys in use:
	//   workflow.started:   spec_id, bag
	//   node.started:       node, attempt
	//   node.completed:     node, output
	//   node.failed:        node, error, transient, attempt
	//   policy.denied:      from, to, reason
	//   human.awaited:      node, approval_key
	//   human.approved:     node, approval_key, value
	//   human.rejected:     node, approval_key, value
	//   workflow.completed: output
	//   workflow.failed:    reason (code), detail (optional prose)
	//   snapshot.created:   snapshot_id, up_to_sequence
	Payload map[string]any `json:"payload"`

	// IdempotencyKey deduplicates re-issued appends. Derived
	// deterministically from (correlation_id, node, logical step, attempt).
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// CausationID is the id of the event that caused this one, when known.
	CausationID string `json:"causation_id,omitempty"`

	// CreatedAt is the append wall-clock time.
	CreatedAt time.Time `json:"created_at"`
}

// New builds an event for the given run. Sequence assignment happens later,
// in the driver, immediately before append.
func New(correlationID string, typ Type, payload map[string]any, idempotencyKey string) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:             uuid.NewString(),
		CorrelationID:  correlationID,
		Type:           typ,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool { return e.Type.Terminal() }

// Node returns the payload "node" field, or "" when absent. Most event types
// carry it; workflow-level events do not.
func (e Event) Node() string {
	s, _ := e.Payload["node"].(string)
	return s
}

// MarshalPayload returns the payload as canonical JSON. Used by the SQL
// stores and the bus adapters.
func (e Event) MarshalPayload() ([]byte, error) {
	return json.Marshal(e.Payload)
}

// NewCorrelationID returns a fresh, lexically sortable run identifier.
func NewCorrelationID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewSnapshotID returns a fresh snapshot identifier.
func NewSnapshotID() string {
	return "snap-" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
