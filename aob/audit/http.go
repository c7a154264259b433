package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned by HTTPSink.Record when the delivery queue is
// saturated. The caller treats it like any other sink failure: the decision
// is deferred, not lost from the run itself.
var ErrQueueFull = errors.New("audit queue full")

// HTTPSink posts decision records to an external collector.
//
// Records are queued and delivered by a background worker so a slow
// collector never stalls the scheduler. The queue is bounded; when it
// fills, Record fails fast with ErrQueueFull.
//
// Call Close to drain the queue and stop the worker.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger

	queue chan Record
	done  chan struct{}
	once  sync.Once
}

// HTTPSinkOption configures an HTTPSink.
type HTTPSinkOption func(*HTTPSink)

// WithQueueDepth sets the delivery queue capacity (default 256).
func WithQueueDepth(n int) HTTPSinkOption {
	return func(s *HTTPSink) {
		if n > 0 {
			s.queue = make(chan Record, n)
		}
	}
}

// WithClient overrides the HTTP client (default: 10s timeout).
func WithClient(c *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) { s.client = c }
}

// WithLogger sets the logger for delivery failures (default: disabled).
func WithLogger(logger zerolog.Logger) HTTPSinkOption {
	return func(s *HTTPSink) { s.logger = logger }
}

// NewHTTPSink creates a sink posting JSON records to endpoint and starts
// its delivery worker.
func NewHTTPSink(endpoint string, opts ...HTTPSinkOption) *HTTPSink {
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   zerolog.Nop(),
		queue:    make(chan Record, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.deliver()
	return s
}

// Record implements Sink. Non-blocking: the record is queued or rejected.
func (s *HTTPSink) Record(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *HTTPSink) deliver() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.post(rec); err != nil {
			s.logger.Warn().
				Err(err).
				Str("correlation_id", rec.CorrelationID).
				Str("node", rec.NodeID).
				Msg("audit delivery failed")
		}
	}
}

func (s *HTTPSink) post(rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	resp, err := s.client.Post(s.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post %s: %w", s.endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", s.endpoint, resp.StatusCode)
	}
	return nil
}

// Close drains queued records and stops the worker.
func (s *HTTPSink) Close() error {
	s.once.Do(func() { close(s.queue) })
	<-s.done
	return nil
}
