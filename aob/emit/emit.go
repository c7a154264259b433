// Package emit is the engine's observability side-channel.
//
// Emitted events are diagnostics, not truth: they never feed replay, and an
// emitter that drops or reorders them cannot affect a run. The durable
// record lives in the event store.
package emit

// Event is one observability event from the scheduler.
type Event struct {
	// CorrelationID identifies the run.
	CorrelationID string

	// Seq is the stored event's sequence number when the emission mirrors
	// a durable event; zero for engine-internal notices.
	Seq int64

	// NodeID is the node involved, when any.
	NodeID string

	// Msg names the occurrence, e.g. "node_dispatched", "lease_renewed",
	// "decision_deferred".
	Msg string

	// Meta carries structured detail. Common keys: "error", "attempt",
	// "duration_ms", "reason", "tokens_in", "tokens_out".
	Meta map[string]any
}

// Emitter receives observability events.
//
// Implementations must be safe for concurrent use and must not block the
// scheduler: buffer, drop, or hand off asynchronously. Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// NullEmitter discards all events.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit implements Emitter.
func (n *NullEmitter) Emit(Event) {}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter combines emitters into one.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit implements Emitter.
func (m *MultiEmitter) Emit(event Event) {
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
