package aob

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aobuild/aob-go/aob/audit"
	"github.com/aobuild/aob-go/aob/emit"
	"github.com/aobuild/aob-go/aob/gateway"
)

// Options collects engine configuration. The zero value is completed with
// defaults in New; use the With* functional options to set fields.
type Options struct {
	// MaxConcurrentRuns caps the run-driver pool. Admission beyond the cap
	// fails fast with ErrBusy. Default 8.
	MaxConcurrentRuns int

	// LeaseTTL is the run lease duration; drivers renew at TTL/3.
	// Default 15s.
	LeaseTTL time.Duration

	// LeaseRetries and LeaseRetryDelay bound lease acquisition before an
	// operation reports ErrRunUnavailable. Defaults 3 and 200ms; the delay
	// doubles per attempt.
	LeaseRetries    int
	LeaseRetryDelay time.Duration

	// SnapshotEvery writes a snapshot each time this many events
	// accumulate since the last one. Default 50.
	SnapshotEvery int

	// DefaultNodeTimeout bounds each node attempt when the node declares
	// no timeout. Default 30s.
	DefaultNodeTimeout time.Duration

	// ShutdownGrace is how long Close waits for in-flight runs to drain
	// before failing them with reason "shutdown". Default 30s.
	ShutdownGrace time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxConcurrentRuns <= 0 {
		o.MaxConcurrentRuns = 8
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.LeaseRetries <= 0 {
		o.LeaseRetries = 3
	}
	if o.LeaseRetryDelay <= 0 {
		o.LeaseRetryDelay = 200 * time.Millisecond
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 50
	}
	if o.DefaultNodeTimeout <= 0 {
		o.DefaultNodeTimeout = 30 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrentRuns caps the run-driver pool.
func WithMaxConcurrentRuns(n int) Option {
	return func(e *Engine) { e.opts.MaxConcurrentRuns = n }
}

// WithLeaseTTL sets the run lease duration.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.opts.LeaseTTL = ttl }
}

// WithLeaseRetry bounds lease acquisition attempts and the initial delay
// between them.
func WithLeaseRetry(attempts int, delay time.Duration) Option {
	return func(e *Engine) {
		e.opts.LeaseRetries = attempts
		e.opts.LeaseRetryDelay = delay
	}
}

// WithSnapshotEvery sets the snapshot cadence in events.
func WithSnapshotEvery(k int) Option {
	return func(e *Engine) { e.opts.SnapshotEvery = k }
}

// WithDefaultNodeTimeout sets the per-attempt timeout for nodes without
// their own.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.opts.DefaultNodeTimeout = d }
}

// WithShutdownGrace sets the Close drain deadline.
func WithShutdownGrace(d time.Duration) Option {
	return func(e *Engine) { e.opts.ShutdownGrace = d }
}

// WithAuditSink routes decision records to sink (default: audit.Discard).
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithInvokers supplies the gateway registry task and agent nodes resolve
// their invokers from.
func WithInvokers(reg *gateway.Registry) Option {
	return func(e *Engine) { e.invokers = reg }
}

// WithEmitter routes observability events to emitter (default: none).
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) { e.emitter = emitter }
}

// WithMetrics supplies the metric set (default: unregistered no-op set).
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger (default: disabled).
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithCostTable overrides the pricing table used for cost meters.
func WithCostTable(t *CostTable) Option {
	return func(e *Engine) { e.costs = t }
}
