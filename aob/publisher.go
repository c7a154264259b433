package aob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aobuild/aob-go/aob/bus"
	"github.com/aobuild/aob-go/aob/lease"
	"github.com/aobuild/aob-go/aob/store"
)

// Publisher drains the transactional outbox onto the bus.
//
// Delivery is at-least-once: an event is only marked published after the bus
// accepts it, so a crash between the two replays the event. Within one run
// (one correlation id) events publish in sequence order; a failed publish
// blocks that run's later events until it succeeds or is quarantined. Other
// runs are unaffected.
//
// An event that exhausts its retry budget is quarantined to the dead-letter
// queue. Its run's later events then flow again; the gap stays visible in
// the DLQ until an operator requeues or purges the entry.
//
// Run one publisher per store. When several processes share a store, give
// each publisher the same lease manager: they elect a leader on the
// "outbox-publisher" lease and the rest stand by.
type Publisher struct {
	store   store.Store
	bus     bus.Bus
	leases  lease.Manager
	metrics *Metrics
	logger  zerolog.Logger

	batchSize     int
	retryBudget   int
	pollInterval  time.Duration
	quarantineTTL time.Duration

	notify chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithBatchSize sets the outbox rows fetched per pass (default 64).
func WithBatchSize(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithRetryBudget sets the publish attempts before quarantine (default 5).
func WithRetryBudget(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.retryBudget = n
		}
	}
}

// WithPollInterval sets the backlog poll cadence (default 1s). Notify wakes
// the publisher early.
func WithPollInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithQuarantineTTL sets how long a quarantined event stays parked before it
// appears in the operator's DLQ listing (default 1h).
func WithQuarantineTTL(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.quarantineTTL = d
		}
	}
}

// WithLeaderElection makes the publisher compete for the shared
// "outbox-publisher" lease and publish only while holding it.
func WithLeaderElection(mgr lease.Manager) PublisherOption {
	return func(p *Publisher) { p.leases = mgr }
}

// WithPublisherMetrics supplies the metric set.
func WithPublisherMetrics(m *Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithPublisherLogger sets the logger (default: disabled).
func WithPublisherLogger(logger zerolog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

// NewPublisher creates a publisher over the given store and bus.
func NewPublisher(st store.Store, b bus.Bus, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:         st,
		bus:           b,
		logger:        zerolog.Nop(),
		batchSize:     64,
		retryBudget:   5,
		pollInterval:  time.Second,
		quarantineTTL: time.Hour,
		notify:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = NopMetrics()
	}
	return p
}

// Notify wakes the publisher before its next poll. Safe to call from any
// goroutine; redundant notifications coalesce.
func (p *Publisher) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Run drains the backlog until the context is cancelled. It blocks; run it
// on its own goroutine.
func (p *Publisher) Run(ctx context.Context) error {
	var leaderLease *lease.Lease
	defer func() {
		if leaderLease != nil {
			_ = p.leases.Release(context.Background(), leaderLease)
		}
	}()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		if p.leases != nil {
			var err error
			leaderLease, err = p.ensureLeader(ctx, leaderLease)
			if err != nil {
				return err
			}
		}
		if leaderLease != nil || p.leases == nil {
			if err := p.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Warn().Err(err).Msg("outbox pass failed")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.notify:
		}
	}
}

// ensureLeader acquires or renews the shared publisher lease. A standby
// returns (nil, nil) and retries next cycle.
func (p *Publisher) ensureLeader(ctx context.Context, held *lease.Lease) (*lease.Lease, error) {
	if held != nil {
		err := p.leases.Renew(ctx, held)
		if err == nil {
			return held, nil
		}
		if !errors.Is(err, lease.ErrLost) {
			return nil, fmt.Errorf("failed to renew publisher lease: %w", err)
		}
		held = nil
	}
	l, err := p.leases.Acquire(ctx, "outbox-publisher", 4*p.pollInterval)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to acquire publisher lease: %w", err)
	}
	return l, nil
}

// Drain performs one full pass over the backlog, publishing until the scan
// comes back empty or every remaining row belongs to a blocked run.
// Exported for tests and for deployments that schedule passes themselves.
func (p *Publisher) Drain(ctx context.Context) error {
	for {
		n, err := p.pass(ctx)
		if err != nil || n == 0 {
			return err
		}
	}
}

// pass publishes one batch. Returns how many rows made progress (published
// or quarantined).
func (p *Publisher) pass(ctx context.Context) (int, error) {
	pending, err := p.store.ScanOutbox(ctx, p.batchSize, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to scan outbox: %w", err)
	}

	progress := 0
	blocked := make(map[string]bool)
	for _, row := range pending {
		if err := ctx.Err(); err != nil {
			return progress, err
		}
		cid := row.Event.CorrelationID
		if blocked[cid] {
			continue
		}

		if perr := p.bus.Publish(ctx, cid, row.Event); perr != nil {
			p.metrics.publishFails.Inc()
			blocked[cid] = true
			if merr := p.store.MarkPublishFailed(ctx, row.Event.ID, perr.Error()); merr != nil {
				return progress, fmt.Errorf("failed to record publish failure: %w", merr)
			}
			if row.Attempts+1 >= p.retryBudget {
				until := time.Now().UTC().Add(p.quarantineTTL)
				if qerr := p.store.Quarantine(ctx, row.Event.ID, perr.Error(), until); qerr != nil {
					return progress, fmt.Errorf("failed to quarantine event: %w", qerr)
				}
				p.metrics.dlqDepth.Inc()
				p.logger.Error().
					Str("event_id", row.Event.ID).
					Str("correlation_id", cid).
					Int("attempts", row.Attempts+1).
					Str("cause", perr.Error()).
					Msg("event quarantined")
				progress++
			} else {
				p.logger.Warn().
					Str("event_id", row.Event.ID).
					Str("correlation_id", cid).
					Int("attempts", row.Attempts+1).
					Err(perr).
					Msg("publish failed")
			}
			continue
		}

		if merr := p.store.MarkPublished(ctx, []string{row.Event.ID}); merr != nil {
			return progress, fmt.Errorf("failed to mark published: %w", merr)
		}
		p.metrics.published.Inc()
		progress++
	}
	return progress, nil
}
