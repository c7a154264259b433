package aob

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aobuild/aob-go/aob/audit"
	"github.com/aobuild/aob-go/aob/emit"
	"github.com/aobuild/aob-go/aob/event"
	"github.com/aobuild/aob-go/aob/gateway"
	"github.com/aobuild/aob-go/aob/lease"
	"github.com/aobuild/aob-go/aob/oracle"
	"github.com/aobuild/aob-go/aob/store"
)

// Engine executes registered workflow graphs as durable, event-sourced runs.
//
// An Engine is safe for concurrent use. Each run is driven under a writer
// lease, so multiple Engine instances (or processes) may share one store and
// lease manager: at most one drives a given run at a time.
type Engine struct {
	store    store.Store
	leases   lease.Manager
	oracle   oracle.Oracle
	sink     audit.Sink
	invokers *gateway.Registry
	emitter  emit.Emitter
	metrics  *Metrics
	logger   zerolog.Logger
	costs    *CostTable
	opts     Options

	mu      sync.Mutex
	graphs  map[string]*Graph
	cancels map[string]context.CancelFunc
	closed  bool

	pool chan struct{}
	wg   sync.WaitGroup
}

// New creates an engine over the given store, lease manager, and policy
// oracle. The oracle is wrapped fail-closed unless it already is: an
// unreachable oracle denies transitions with reason "oracle_unavailable"
// rather than allowing them.
func New(st store.Store, leases lease.Manager, orc oracle.Oracle, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		leases:   leases,
		oracle:   orc,
		sink:     audit.Discard,
		invokers: gateway.NewRegistry(),
		emitter:  emit.NewNullEmitter(),
		logger:   zerolog.Nop(),
		costs:    NewCostTable(),
		graphs:   make(map[string]*Graph),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.opts.withDefaults()
	if e.metrics == nil {
		e.metrics = NopMetrics()
	}
	if _, ok := e.oracle.(*oracle.FailClosed); !ok {
		e.oracle = oracle.NewFailClosed(e.oracle)
	}
	e.pool = make(chan struct{}, e.opts.MaxConcurrentRuns)
	return e
}

// RegisterGraph registers a compiled graph under its spec id, replacing any
// previous registration. Registered graphs are immutable; in-flight runs of
// an older registration keep their graph.
func (e *Engine) RegisterGraph(g *Graph) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graphs[g.SpecID] = g
}

// CompileAndRegister compiles a YAML workflow definition and registers it.
func (e *Engine) CompileAndRegister(src []byte) (*Graph, error) {
	g, err := Compile(src)
	if err != nil {
		return nil, err
	}
	e.RegisterGraph(g)
	return g, nil
}

// Graph returns the registered graph for specID, or ErrUnknownGraph.
func (e *Engine) Graph(specID string) (*Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.graphs[specID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, specID)
	}
	return g, nil
}

// Start begins a new run of the registered graph and drives it until it
// terminates or suspends on a human checkpoint. The returned correlation id
// identifies the run for every later operation.
//
// Admission is bounded: when the driver pool is full, Start returns ErrBusy
// without creating anything.
func (e *Engine) Start(ctx context.Context, specID string, initialBag map[string]any) (string, error) {
	g, err := e.Graph(specID)
	if err != nil {
		return "", err
	}
	release, err := e.admit()
	if err != nil {
		return "", err
	}
	defer release()

	cid := event.NewCorrelationID()
	l, err := e.acquireLease(ctx, cid)
	if err != nil {
		return "", err
	}

	e.metrics.runsStarted.Inc()
	d := e.newDriver(g, cid, l)
	defer d.close(ctx)

	started := event.New(cid, event.WorkflowStarted, map[string]any{
		"spec_id": g.SpecID,
		"bag":     initialBag,
	}, idemKey(cid, "", "start", 0))
	if err := d.appendOne(ctx, started); err != nil {
		return "", err
	}
	return cid, e.runDriver(ctx, d)
}

// Resume resolves a pending human checkpoint and drives the run onward.
// approved records human.approved and unblocks the node's successors;
// a rejection records human.rejected and fails the run.
//
// An empty approvalKey addresses the run's only pending checkpoint, when
// there is exactly one. Returns ErrNotPending when the run has no awaiting
// checkpoint with the given approval key, and ErrTerminated when the run
// already ended.
func (e *Engine) Resume(ctx context.Context, correlationID, approvalKey string, approved bool, value any) error {
	release, err := e.admit()
	if err != nil {
		return err
	}
	defer release()

	l, err := e.acquireLease(ctx, correlationID)
	if err != nil {
		return err
	}

	g, st, err := e.loadRun(ctx, correlationID)
	if err != nil {
		e.releaseLease(ctx, l)
		return err
	}
	if st.Terminated {
		e.releaseLease(ctx, l)
		return ErrTerminated
	}
	nodeID := ""
	if approvalKey == "" && len(st.PendingHumans) == 1 {
		// Unambiguous: address the only pending checkpoint.
		for id, key := range st.PendingHumans {
			nodeID, approvalKey = id, key
		}
	} else {
		for id, key := range st.PendingHumans {
			if key == approvalKey {
				nodeID = id
				break
			}
		}
	}
	if nodeID == "" {
		e.releaseLease(ctx, l)
		return fmt.Errorf("%w: approval key %q", ErrNotPending, approvalKey)
	}

	d := e.newDriver(g, correlationID, l)
	defer d.close(ctx)
	d.state = st

	typ := event.HumanApproved
	if !approved {
		typ = event.HumanRejected
	}
	decision := event.New(correlationID, typ, map[string]any{
		"node":         nodeID,
		"approval_key": approvalKey,
		"value":        value,
	}, idemKey(correlationID, nodeID, "resume", 0))
	if err := d.appendOne(ctx, decision); err != nil {
		return err
	}
	if !approved {
		return d.failRun(ctx, "rejected", fmt.Sprintf("rejected at %s", nodeID))
	}
	return e.runDriver(ctx, d)
}

// Recover re-drives a run that stopped without terminating, typically after
// a crash or lease expiry. Nodes interrupted mid-attempt are retried under
// their retry policy; a run with nothing left to do completes normally.
func (e *Engine) Recover(ctx context.Context, correlationID string) error {
	release, err := e.admit()
	if err != nil {
		return err
	}
	defer release()

	l, err := e.acquireLease(ctx, correlationID)
	if err != nil {
		return err
	}

	g, st, err := e.loadRun(ctx, correlationID)
	if err != nil {
		e.releaseLease(ctx, l)
		return err
	}
	if st.Terminated {
		e.releaseLease(ctx, l)
		return ErrTerminated
	}

	d := e.newDriver(g, correlationID, l)
	defer d.close(ctx)
	d.state = st
	return e.runDriver(ctx, d)
}

// Cancel requests cancellation of a run this engine instance is currently
// driving. The driver records workflow.failed with reason "cancelled" at its
// next step boundary. Cancelling an unknown or idle run is a no-op.
func (e *Engine) Cancel(correlationID string) {
	e.mu.Lock()
	cancel := e.cancels[correlationID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Events returns the run's events with Seq > fromSeq, in order. Pass zero
// for the full log. Returns ErrUnknownRun for a correlation id with no
// events.
func (e *Engine) Events(ctx context.Context, correlationID string, fromSeq int64) ([]event.Event, error) {
	events, err := e.store.Load(ctx, correlationID, fromSeq)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 && fromSeq == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, correlationID)
	}
	return events, nil
}

// State reconstructs the run's current state from the latest snapshot plus
// the event tail.
func (e *Engine) State(ctx context.Context, correlationID string) (RunState, error) {
	_, st, err := e.loadRun(ctx, correlationID)
	return st, err
}

// Snapshot writes an on-demand snapshot of the run's current state and
// returns its id. The run must not have terminated: a terminal run replays
// entirely from its log and admits no further appends.
func (e *Engine) Snapshot(ctx context.Context, correlationID string) (string, error) {
	release, err := e.admit()
	if err != nil {
		return "", err
	}
	defer release()

	l, err := e.acquireLease(ctx, correlationID)
	if err != nil {
		return "", err
	}

	g, st, err := e.loadRun(ctx, correlationID)
	if err != nil {
		e.releaseLease(ctx, l)
		return "", err
	}
	if st.Terminated {
		e.releaseLease(ctx, l)
		return "", ErrTerminated
	}

	d := e.newDriver(g, correlationID, l)
	defer d.close(ctx)
	d.state = st
	return d.snapshotNow(ctx)
}

// ListSnapshots returns the run's snapshots ordered by sequence coverage.
func (e *Engine) ListSnapshots(ctx context.Context, correlationID string) ([]event.Snapshot, error) {
	return e.store.ListSnapshots(ctx, correlationID)
}

// DLQList returns quarantined events currently eligible for operator review.
func (e *Engine) DLQList(ctx context.Context) ([]event.DLQEntry, error) {
	return e.store.ListQuarantined(ctx, time.Now().UTC())
}

// DLQRequeue returns a quarantined event to the publisher backlog. The DLQ
// entry survives until the event actually publishes.
func (e *Engine) DLQRequeue(ctx context.Context, eventID string) error {
	return e.store.Requeue(ctx, eventID, time.Now().UTC())
}

// DLQPurge permanently abandons a quarantined event. The run's stored
// history is untouched; only publication is given up.
func (e *Engine) DLQPurge(ctx context.Context, eventID string) error {
	return e.store.Purge(ctx, eventID)
}

// Close stops accepting work and waits up to the shutdown grace period for
// in-flight drivers to finish their current step and yield. Drivers that
// observe the shutdown record workflow.failed with reason "shutdown"; such
// runs are recoverable with Recover after restart.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(e.opts.ShutdownGrace):
		return &EngineError{Code: "shutdown", Message: "drivers did not drain within the grace period"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit reserves a driver pool slot, failing fast with ErrBusy.
func (e *Engine) admit() (func(), error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &EngineError{Code: "shutdown", Message: "engine is closed"}
	}
	e.wg.Add(1)
	e.mu.Unlock()

	select {
	case e.pool <- struct{}{}:
	default:
		e.wg.Done()
		return nil, ErrBusy
	}
	e.metrics.inflightRuns.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.pool
			e.metrics.inflightRuns.Dec()
			e.wg.Done()
		})
	}, nil
}

// acquireLease takes the run's writer lease with bounded retries.
func (e *Engine) acquireLease(ctx context.Context, correlationID string) (*lease.Lease, error) {
	key := "run:" + correlationID
	delay := e.opts.LeaseRetryDelay
	for attempt := 1; ; attempt++ {
		l, err := e.leases.Acquire(ctx, key, e.opts.LeaseTTL)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, lease.ErrHeld) {
			return nil, fmt.Errorf("failed to acquire run lease: %w", err)
		}
		if attempt >= e.opts.LeaseRetries {
			return nil, fmt.Errorf("%w: %s", ErrRunUnavailable, correlationID)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

func (e *Engine) releaseLease(ctx context.Context, l *lease.Lease) {
	if err := e.leases.Release(ctx, l); err != nil && !errors.Is(err, lease.ErrLost) {
		e.logger.Warn().Err(err).Str("lease", l.Key).Msg("lease release failed")
	}
}

// loadRun reconstructs a run's graph and state: latest snapshot, then the
// event tail folded through the reducer.
func (e *Engine) loadRun(ctx context.Context, correlationID string) (*Graph, RunState, error) {
	st := NewRunState()
	fromSeq := int64(0)

	snap, err := e.store.ReadSnapshot(ctx, correlationID)
	switch {
	case err == nil:
		restored, uerr := UnmarshalRunState(snap.State)
		if uerr != nil {
			// Snapshots are an optimization; fall back to replay from zero.
			e.logger.Warn().Err(uerr).Str("correlation_id", correlationID).Msg("snapshot unreadable, replaying from zero")
		} else {
			st = restored
			fromSeq = snap.UpToSeq
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return nil, RunState{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	events, err := e.store.Load(ctx, correlationID, fromSeq)
	if err != nil {
		return nil, RunState{}, fmt.Errorf("failed to load events: %w", err)
	}
	if fromSeq == 0 && len(events) == 0 {
		return nil, RunState{}, fmt.Errorf("%w: %s", ErrUnknownRun, correlationID)
	}

	specID := st.SpecID
	if specID == "" && len(events) > 0 {
		if s, ok := events[0].Payload["spec_id"].(string); ok {
			specID = s
		}
	}
	g, err := e.Graph(specID)
	if err != nil {
		return nil, RunState{}, err
	}
	return g, Reduce(g, st, events), nil
}

// runDriver executes the drive loop with cancellation registered so Cancel
// and Close can reach it.
func (e *Engine) runDriver(ctx context.Context, d *driver) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.cancels[d.cid] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, d.cid)
		e.mu.Unlock()
	}()

	return d.drive(ctx)
}
