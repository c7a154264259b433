package audit

import (
	"context"
	"sync"
)

// MemSink collects records in memory. Test and development use.
type MemSink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemSink creates an empty in-memory sink.
func NewMemSink() *MemSink { return &MemSink{} }

// Record implements Sink.
func (m *MemSink) Record(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (m *MemSink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// ForRun returns the records for one correlation id, in arrival order.
func (m *MemSink) ForRun(correlationID string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.CorrelationID == correlationID {
			out = append(out, rec)
		}
	}
	return out
}
