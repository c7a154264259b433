package emit

import "sync"

// BufferedEmitter stores events in memory, organized per run, and offers
// filtered queries. Tests and debugging; unbounded, so not for long-lived
// production processes.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// HistoryFilter selects events from a run's history. Set fields combine
// with AND; zero values mean no constraint.
type HistoryFilter struct {
	NodeID string
	Msg    string
	MinSeq int64
	MaxSeq int64
}

// NewBufferedEmitter creates an empty buffer.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.CorrelationID] = append(b.events[event.CorrelationID], event)
}

// History returns the run's events in emission order.
func (b *BufferedEmitter) History(correlationID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.events[correlationID]...)
}

// HistoryWithFilter returns the run's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(correlationID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events[correlationID] {
		if filter.NodeID != "" && e.NodeID != filter.NodeID {
			continue
		}
		if filter.Msg != "" && e.Msg != filter.Msg {
			continue
		}
		if filter.MinSeq > 0 && e.Seq < filter.MinSeq {
			continue
		}
		if filter.MaxSeq > 0 && e.Seq > filter.MaxSeq {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Clear drops one run's buffered events; Clear("") drops everything.
func (b *BufferedEmitter) Clear(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if correlationID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, correlationID)
}
