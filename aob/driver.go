package aob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/aobuild/aob-go/aob/audit"
	"github.com/aobuild/aob-go/aob/emit"
	"github.com/aobuild/aob-go/aob/event"
	"github.com/aobuild/aob-go/aob/gateway"
	"github.com/aobuild/aob-go/aob/lease"
	"github.com/aobuild/aob-go/aob/oracle"
	"github.com/aobuild/aob-go/aob/store"
)

// driver executes one run under its writer lease: it pops ready nodes, gates
// them through the policy oracle, records every outcome as an event, and
// stops when the run terminates or suspends on a human checkpoint.
//
// The driver is the only component that assigns sequence numbers. It holds
// the run state it appended against; the store re-validates density, so a
// duplicate driver surfaces as ErrSequenceConflict, never as a fork.
type driver struct {
	e     *Engine
	g     *Graph
	cid   string
	lease *lease.Lease
	state RunState
	rng   *rand.Rand

	// done holds terminal-node projections. Terminal nodes record no
	// node.* events: their output only becomes durable inside
	// workflow.completed, so the bookkeeping lives here, not in RunState.
	done map[string]map[string]any

	sinceSnapshot int

	// lastID chains causation: each append records the event that preceded
	// it from this driver's point of view.
	lastID string

	lostCh    chan struct{}
	renewStop chan struct{}
	renewDone chan struct{}
}

func (e *Engine) newDriver(g *Graph, cid string, l *lease.Lease) *driver {
	d := &driver{
		e:         e,
		g:         g,
		cid:       cid,
		lease:     l,
		state:     NewRunState(),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		done:      make(map[string]map[string]any),
		lostCh:    make(chan struct{}),
		renewStop: make(chan struct{}),
		renewDone: make(chan struct{}),
	}
	go d.renewLoop()
	return d
}

// renewLoop keeps the lease alive at a third of its TTL. Losing the lease
// closes lostCh; the drive loop yields at its next step boundary.
func (d *driver) renewLoop() {
	defer close(d.renewDone)
	ticker := time.NewTicker(d.lease.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-d.renewStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.lease.TTL/3)
			err := d.e.leases.Renew(ctx, d.lease)
			cancel()
			if err != nil {
				if errors.Is(err, lease.ErrLost) {
					close(d.lostCh)
					return
				}
				d.e.logger.Warn().Err(err).Str("correlation_id", d.cid).Msg("lease renewal failed")
			}
		}
	}
}

func (d *driver) lost() bool {
	select {
	case <-d.lostCh:
		return true
	default:
		return false
	}
}

// close stops renewal and releases the lease.
func (d *driver) close(ctx context.Context) {
	close(d.renewStop)
	<-d.renewDone
	if !d.lost() {
		d.e.releaseLease(ctx, d.lease)
	}
}

// idemKey derives the deterministic idempotency key for one logical append.
func idemKey(cid, node, step string, attempt int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", cid, node, step, attempt)))
	return hex.EncodeToString(sum[:])
}

// appendOne assigns the next sequence number and appends the event,
// folding it into the driver's state on success.
//
// A sequence conflict means another writer advanced the log. The driver
// verifies its lease: lost means yield; still held means the conflicting
// event was this run's own earlier append (crash recovery), so the driver
// reloads and retries once. An idempotent substitution likewise triggers a
// reload, since the substituted event is already folded into durable state.
func (d *driver) appendOne(ctx context.Context, evt event.Event) error {
	for attempt := 0; ; attempt++ {
		if d.lost() {
			return &EngineError{Code: "lease_lost", Message: "writer lease lost"}
		}
		evt.Seq = d.state.Seq + 1
		if evt.CausationID == "" {
			evt.CausationID = d.lastID
		}
		stored, err := d.e.store.Append(ctx, []event.Event{evt})
		if err == nil {
			got := stored[0]
			if got.ID == evt.ID && got.Seq == evt.Seq {
				d.state = Apply(d.g, d.state, got)
				d.lastID = got.ID
				d.observe(ctx, got)
				return nil
			}
			return d.reload(ctx)
		}
		if errors.Is(err, store.ErrSequenceConflict) && attempt == 0 {
			if rerr := d.e.leases.Renew(ctx, d.lease); rerr != nil {
				return &EngineError{Code: "lease_lost", Message: "writer lease lost", Err: rerr}
			}
			if rerr := d.reload(ctx); rerr != nil {
				return rerr
			}
			continue
		}
		return fmt.Errorf("failed to append %s: %w", evt.Type, err)
	}
}

// reload rebuilds driver state from the store.
func (d *driver) reload(ctx context.Context) error {
	_, st, err := d.e.loadRun(ctx, d.cid)
	if err != nil {
		return err
	}
	d.state = st
	return nil
}

// observe handles the side effects of a durable append: the observability
// emission and the snapshot cadence.
func (d *driver) observe(ctx context.Context, evt event.Event) {
	d.e.emitter.Emit(emit.Event{
		CorrelationID: d.cid,
		Seq:           evt.Seq,
		NodeID:        evt.Node(),
		Msg:           string(evt.Type),
	})
	if evt.Type == event.SnapshotCreated {
		d.sinceSnapshot = 0
		return
	}
	d.sinceSnapshot++
	if d.sinceSnapshot >= d.e.opts.SnapshotEvery {
		d.writeSnapshot(ctx)
	}
}

// drive runs the scheduling loop to termination or suspension.
//
// Selection order each iteration: interrupted in-flight nodes first (crash
// recovery), then the first ready node not already handled as a terminal.
// With nothing selectable the run either suspends (pending humans) or
// completes (all paths drained into terminals).
func (d *driver) drive(ctx context.Context) error {
	for {
		if d.lost() {
			return &EngineError{Code: "lease_lost", Message: "writer lease lost"}
		}
		if ctx.Err() != nil {
			return d.interrupt()
		}
		if d.state.Terminated {
			return nil
		}

		if id := d.nextInFlight(); id != "" {
			if err := d.executeNode(ctx, d.g.Node(id)); err != nil {
				return err
			}
			continue
		}

		id := d.nextReady()
		if id == "" {
			if len(d.state.PendingHumans) > 0 {
				// Suspended; Resume picks the run back up.
				return nil
			}
			return d.completeRun(ctx)
		}

		n := d.g.Node(id)
		allowed, err := d.gateNode(ctx, n)
		if err != nil {
			return err
		}
		if !allowed {
			continue // gateNode already terminated the run
		}

		switch n.Kind {
		case KindHuman:
			awaited := event.New(d.cid, event.HumanAwaited, map[string]any{
				"node":         n.ID,
				"approval_key": n.ApprovalKey,
			}, idemKey(d.cid, n.ID, "awaited", 0))
			if err := d.appendOne(ctx, awaited); err != nil {
				return err
			}
			d.recordAllowed(ctx, n, nil)

		case KindTerminal:
			output, perr := d.state.Project(n.Program, d.cid)
			if perr != nil {
				return d.failRun(ctx, "projection_failed", fmt.Sprintf("projection failed at %s: %v", n.ID, perr))
			}
			d.done[n.ID] = output
			d.recordAllowed(ctx, n, output)

		default:
			if err := d.executeNode(ctx, n); err != nil {
				return err
			}
		}
	}
}

// interrupt records the terminal event for a cancelled or shutting-down
// run. The caller's context is already dead, so the append runs under a
// short independent deadline.
func (d *driver) interrupt() error {
	reason := "cancelled"
	d.e.mu.Lock()
	if d.e.closed {
		reason = "shutdown"
	}
	d.e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return d.failRun(ctx, reason, "")
}

// nextInFlight returns the first node interrupted mid-attempt, in
// deterministic order. Only recovered runs have any.
func (d *driver) nextInFlight() string {
	ids := make([]string, 0, len(d.state.InFlight))
	for id := range d.state.InFlight {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Slice(ids, func(i, j int) bool { return d.g.Less(ids[i], ids[j]) })
	return ids[0]
}

// nextReady returns the first ready node not yet handled as a terminal.
func (d *driver) nextReady() string {
	for _, id := range d.state.Ready {
		if _, handled := d.done[id]; handled {
			continue
		}
		return id
	}
	return ""
}

// gateNode evaluates policy over every incoming execution edge of n. A
// single denial blocks the node, records policy.denied plus a decision
// record, and fails the run. The start node has no incoming edges and so no
// gates: it is admitted without consulting the oracle.
func (d *driver) gateNode(ctx context.Context, n *Node) (bool, error) {
	froms := d.g.Predecessors(n.ID)
	if len(froms) == 0 {
		return true, nil
	}

	input, err := d.state.Project(n.Program, d.cid)
	if err != nil {
		return false, d.failRun(ctx, "projection_failed", fmt.Sprintf("projection failed at %s: %v", n.ID, err))
	}

	var policies []string
	for _, from := range froms {
		if edge := d.g.Edge(from, n.ID); edge != nil {
			policies = append(policies, edge.Policies...)
		}
	}

	for _, from := range froms {
		decision, oerr := d.e.oracle.Evaluate(ctx, oracle.Query{
			From:          from,
			To:            n.ID,
			CorrelationID: d.cid,
			SpecID:        d.g.SpecID,
			Input:         input,
		})
		if oerr != nil {
			// Fail-closed wrapping means this is context cancellation.
			return false, oerr
		}
		if decision.Allow {
			d.e.metrics.decisions.WithLabelValues("allow").Inc()
			continue
		}
		d.e.metrics.decisions.WithLabelValues("deny").Inc()

		denied := event.New(d.cid, event.PolicyDenied, map[string]any{
			"from":   from,
			"to":     n.ID,
			"reason": decision.Reason,
		}, idemKey(d.cid, n.ID, "denied:"+from, 0))
		if err := d.appendOne(ctx, denied); err != nil {
			return false, err
		}
		d.record(ctx, audit.Record{
			CorrelationID:   d.cid,
			SpecID:          d.g.SpecID,
			NodeID:          n.ID,
			NodeName:        n.Name,
			NodeKind:        n.Kind.String(),
			Allowed:         false,
			Reason:          decision.Reason,
			PoliciesApplied: policies,
			InputSnapshot:   input,
			CreatedAt:       time.Now().UTC(),
		})
		return false, d.failRun(ctx, "policy_denied", fmt.Sprintf("%s -> %s: %s", from, n.ID, decision.Reason))
	}
	return true, nil
}

// executeNode runs one task or agent node to a durable outcome, retrying
// transient failures inside the step. Every attempt appends its own
// node.started, so the attempt counter survives crashes.
func (d *driver) executeNode(ctx context.Context, n *Node) error {
	input, err := d.state.Project(n.Program, d.cid)
	if err != nil {
		return d.failRun(ctx, "projection_failed", fmt.Sprintf("projection failed at %s: %v", n.ID, err))
	}

	maxAttempts := n.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = d.e.opts.DefaultNodeTimeout
	}

	rec := audit.Record{
		CorrelationID:   d.cid,
		SpecID:          d.g.SpecID,
		NodeID:          n.ID,
		NodeName:        n.Name,
		NodeKind:        n.Kind.String(),
		Allowed:         true,
		PoliciesApplied: d.incomingPolicies(n.ID),
		InputSnapshot:   input,
	}
	stepStart := time.Now()

	// Every attempt leaves a durable verdict: node.started going in,
	// node.completed or node.failed coming out. A transient node.failed with
	// budget remaining is followed by the next attempt's node.started.
	var lastErr error
	for attempt := d.state.Attempts[n.ID] + 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			d.e.metrics.retries.WithLabelValues(n.ID).Inc()
			if err := sleepCtx(ctx, n.Retry.Delay(attempt, d.rng)); err != nil {
				return d.interrupt()
			}
		}

		started := event.New(d.cid, event.NodeStarted, map[string]any{
			"node":    n.ID,
			"attempt": attempt,
		}, idemKey(d.cid, n.ID, "started", attempt))
		if err := d.appendOne(ctx, started); err != nil {
			return err
		}

		resp, ierr := d.invoke(ctx, n, input, timeout, &rec)
		if ierr == nil {
			completed := event.New(d.cid, event.NodeCompleted, map[string]any{
				"node":   n.ID,
				"output": resp.Output,
			}, idemKey(d.cid, n.ID, "completed", attempt))
			if err := d.appendOne(ctx, completed); err != nil {
				return err
			}
			rec.OutputSnapshot = resp.Output
			rec.LatencyMS = time.Since(stepStart).Milliseconds()
			rec.CreatedAt = time.Now().UTC()
			d.record(ctx, rec)
			return nil
		}

		lastErr = ierr
		if ctx.Err() != nil {
			return d.interrupt()
		}
		failed := event.New(d.cid, event.NodeFailed, map[string]any{
			"node":      n.ID,
			"error":     ierr.Error(),
			"transient": gateway.IsTransient(ierr),
			"attempt":   attempt,
		}, idemKey(d.cid, n.ID, "failed", attempt))
		if err := d.appendOne(ctx, failed); err != nil {
			return err
		}
		if !gateway.IsTransient(ierr) {
			break
		}
	}

	if lastErr == nil {
		// Recovered with the budget already spent and the last attempt's
		// verdict missing: close it out as exhausted.
		lastErr = &gateway.Error{Code: "retry_exhausted", Message: "retry budget exhausted"}
		failed := event.New(d.cid, event.NodeFailed, map[string]any{
			"node":      n.ID,
			"error":     lastErr.Error(),
			"transient": false,
			"attempt":   d.state.Attempts[n.ID],
		}, idemKey(d.cid, n.ID, "failed", d.state.Attempts[n.ID]))
		if err := d.appendOne(ctx, failed); err != nil {
			return err
		}
	}
	rec.LatencyMS = time.Since(stepStart).Milliseconds()
	rec.CreatedAt = time.Now().UTC()
	d.record(ctx, rec)
	return d.failRun(ctx, "node_failed", fmt.Sprintf("node %s: %v", n.ID, lastErr))
}

// invoke executes one attempt under the node's timeout. Nodes without an
// invoker are pure projections: their input is their output.
func (d *driver) invoke(ctx context.Context, n *Node, input map[string]any, timeout time.Duration, rec *audit.Record) (gateway.Response, error) {
	if n.Invoker == "" {
		if n.Kind == KindAgent {
			return gateway.Response{}, &gateway.Error{Code: "unknown_invoker", Message: fmt.Sprintf("agent node %s declares no invoker", n.ID)}
		}
		return gateway.Response{Output: input}, nil
	}
	inv, err := d.e.invokers.Lookup(n.Invoker)
	if err != nil {
		return gateway.Response{}, err
	}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callStart := time.Now()
	resp, err := inv.Invoke(ictx, gateway.Request{
		CorrelationID: d.cid,
		Node:          n.ID,
		Prompt:        n.Prompt,
		Input:         input,
		Model:         n.Model,
		MaxTokens:     n.MaxTokens,
	})
	elapsed := time.Since(callStart)

	status := "ok"
	if err != nil {
		status = "error"
	}
	d.e.metrics.nodeLatency.WithLabelValues(n.ID, status).Observe(float64(elapsed.Milliseconds()))

	rec.ExternalCalls = append(rec.ExternalCalls, audit.ExternalCall{
		Target:     n.Invoker,
		Model:      resp.Model,
		DurationMS: elapsed.Milliseconds(),
	})
	if err == nil && (resp.InputTokens > 0 || resp.OutputTokens > 0) {
		meter := d.e.costs.Meter(resp.Model, resp.InputTokens, resp.OutputTokens)
		rec.Cost.InputTokens += meter.InputTokens
		rec.Cost.OutputTokens += meter.OutputTokens
		rec.Cost.USD += meter.USD
	}
	if err != nil && ictx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return resp, &gateway.Error{Code: "timeout", Message: fmt.Sprintf("node %s attempt timed out after %s", n.ID, timeout), Transient: true}
	}
	return resp, err
}

// incomingPolicies collects the policy tags on n's incoming execution edges.
func (d *driver) incomingPolicies(id string) []string {
	var out []string
	for _, from := range d.g.Predecessors(id) {
		if edge := d.g.Edge(from, id); edge != nil {
			out = append(out, edge.Policies...)
		}
	}
	return out
}

// recordAllowed records the gate verdict for nodes with no invocation of
// their own (human checkpoints, terminals).
func (d *driver) recordAllowed(ctx context.Context, n *Node, output map[string]any) {
	input, err := d.state.Project(n.Program, d.cid)
	if err != nil {
		input = nil
	}
	d.record(ctx, audit.Record{
		CorrelationID:   d.cid,
		SpecID:          d.g.SpecID,
		NodeID:          n.ID,
		NodeName:        n.Name,
		NodeKind:        n.Kind.String(),
		Allowed:         true,
		PoliciesApplied: d.incomingPolicies(n.ID),
		InputSnapshot:   input,
		OutputSnapshot:  output,
		CreatedAt:       time.Now().UTC(),
	})
}

// record hands a decision record to the audit sink. Sink failure defers the
// record: it is counted, emitted as a diagnostic, and the run moves on.
func (d *driver) record(ctx context.Context, rec audit.Record) {
	if err := d.e.sink.Record(ctx, rec); err != nil {
		d.e.metrics.deferredRecs.Inc()
		d.e.emitter.Emit(emit.Event{
			CorrelationID: d.cid,
			NodeID:        rec.NodeID,
			Msg:           "decision_deferred",
			Meta:          map[string]any{"error": err.Error()},
		})
	}
}

// completeRun merges terminal outputs and records workflow.completed.
// Terminals merge in topological order, so a later terminal's keys win on
// collision.
func (d *driver) completeRun(ctx context.Context) error {
	output := map[string]any{}
	for _, id := range d.g.Terminals() {
		for k, v := range d.done[id] {
			output[k] = v
		}
	}
	completed := event.New(d.cid, event.WorkflowCompleted, map[string]any{
		"output": output,
	}, idemKey(d.cid, "", "completed", 0))
	if err := d.appendOne(ctx, completed); err != nil {
		return err
	}
	d.e.metrics.runsFinished.WithLabelValues("completed").Inc()
	return nil
}

// failRun records workflow.failed. The reason is a stable code
// (policy_denied, rejected, node_failed, projection_failed, cancelled,
// shutdown); detail carries the human-readable specifics. Idempotent
// against reducer state: a run already terminated (for example via an
// idempotent re-append) is left alone.
func (d *driver) failRun(ctx context.Context, reason, detail string) error {
	if d.state.Terminated {
		return nil
	}
	payload := map[string]any{"reason": reason}
	if detail != "" {
		payload["detail"] = detail
	}
	failed := event.New(d.cid, event.WorkflowFailed, payload, idemKey(d.cid, "", "failed:"+reason, 0))
	if err := d.appendOne(ctx, failed); err != nil {
		return err
	}
	d.e.metrics.runsFinished.WithLabelValues("failed").Inc()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
