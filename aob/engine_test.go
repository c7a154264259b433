package aob

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/aobuild/aob-go/aob/audit"
	"github.com/aobuild/aob-go/aob/event"
	"github.com/aobuild/aob-go/aob/gateway"
	"github.com/aobuild/aob-go/aob/lease"
	"github.com/aobuild/aob-go/aob/oracle"
	"github.com/aobuild/aob-go/aob/store"
)

type testRig struct {
	engine *Engine
	store  *store.MemStore
	leases *lease.MemManager
	mock   *gateway.MockInvoker
	sink   *audit.MemSink
}

func newTestRig(t *testing.T, orc oracle.Oracle, opts ...Option) *testRig {
	t.Helper()
	rig := &testRig{
		store:  store.NewMemStore(),
		leases: lease.NewMemManager(),
		mock:   gateway.NewMockInvoker(),
		sink:   audit.NewMemSink(),
	}
	base := []Option{
		WithInvokers(gateway.NewRegistry().Register("mock", rig.mock)),
		WithAuditSink(rig.sink),
		WithLeaseRetry(2, time.Millisecond),
		WithDefaultNodeTimeout(2 * time.Second),
	}
	rig.engine = New(rig.store, rig.leases, orc, append(base, opts...)...)
	return rig
}

func (r *testRig) mustRegister(t *testing.T, src string) *Graph {
	t.Helper()
	g, err := r.engine.CompileAndRegister([]byte(src))
	if err != nil {
		t.Fatalf("CompileAndRegister failed: %v", err)
	}
	return g
}

func eventTypes(events []event.Event) []event.Type {
	out := make([]event.Type, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

const linearSpec = `
id: linear
nodes:
  - id: prepare
    kind: task
    expr: '{"topic": bag.topic}'
  - id: write
    kind: agent
    invoker: mock
    prompt: Write a short summary.
  - id: done
    kind: terminal
    expr: '{"summary": nodes.write.text, "topic": bag.topic}'
edges:
  - {from: prepare, to: write}
  - {from: write, to: done}
`

func TestStartLinearRun(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, linearSpec)
	rig.mock.Succeed("write", map[string]any{"text": "shipped"})

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "linear", map[string]any{"topic": "release"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, err := rig.engine.State(ctx, cid)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if !st.Terminated || st.FailureReason != "" {
		t.Fatalf("Expected completed run, got %+v", st)
	}
	if st.Output["summary"] != "shipped" || st.Output["topic"] != "release" {
		t.Errorf("Expected terminal projection as output, got %v", st.Output)
	}

	events, err := rig.engine.Events(ctx, cid, 0)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	want := []event.Type{
		event.WorkflowStarted,
		event.NodeStarted, event.NodeCompleted, // prepare
		event.NodeStarted, event.NodeCompleted, // write
		event.WorkflowCompleted,
	}
	if !reflect.DeepEqual(eventTypes(events), want) {
		t.Errorf("Unexpected event sequence: %v", eventTypes(events))
	}
	// Terminal nodes record no node.* events; their projection only becomes
	// durable inside workflow.completed.
	for _, e := range events {
		if e.Node() == "done" {
			t.Errorf("Terminal node leaked a %s event", e.Type)
		}
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("Expected dense sequence, got %d at position %d", e.Seq, i)
		}
	}

	recs := rig.sink.ForRun(cid)
	if len(recs) != 3 {
		t.Fatalf("Expected a decision record per gated node, got %d", len(recs))
	}
	if !recs[1].Allowed || recs[1].NodeID != "write" {
		t.Errorf("Unexpected decision record: %+v", recs[1])
	}
	if recs[1].OutputSnapshot["text"] != "shipped" {
		t.Errorf("Expected output snapshot in record, got %v", recs[1].OutputSnapshot)
	}
	if recs[2].NodeKind != "terminal" || recs[2].OutputSnapshot["summary"] != "shipped" {
		t.Errorf("Expected terminal record with projected output, got %+v", recs[2])
	}
}

func TestPolicyDenialFailsRun(t *testing.T) {
	orc := oracle.NewStaticOracle(true).Deny("prepare", "write", "pii blocked")
	rig := newTestRig(t, orc)
	rig.mustRegister(t, linearSpec)

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "linear", map[string]any{"topic": "payroll"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, err := rig.engine.State(ctx, cid)
	if err != nil {
		t.Fatalf("State failed: %v", err)
	}
	if !st.Terminated || st.FailureReason != "policy_denied" {
		t.Fatalf("Expected failure reason policy_denied, got %+v", st)
	}
	if !strings.Contains(st.FailureDetail, "pii blocked") {
		t.Errorf("Expected denial detail in failure, got %q", st.FailureDetail)
	}

	events, _ := rig.engine.Events(ctx, cid, 0)
	types := eventTypes(events)
	want := []event.Type{
		event.WorkflowStarted,
		event.NodeStarted, event.NodeCompleted, // prepare passed its gate
		event.PolicyDenied,
		event.WorkflowFailed,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("Unexpected event sequence: %v", types)
	}
	if rig.mock.CallCount("write") != 0 {
		t.Errorf("Denied node must never be invoked")
	}

	var denial *audit.Record
	recs := rig.sink.ForRun(cid)
	for i := range recs {
		if !recs[i].Allowed {
			denial = &recs[i]
		}
	}
	if denial == nil || denial.NodeID != "write" || denial.Reason != "pii blocked" {
		t.Errorf("Expected denial record for write, got %+v", denial)
	}
}

func TestOracleUnavailableDeniesRun(t *testing.T) {
	flaky := oracle.Func(func(context.Context, oracle.Query) (oracle.Decision, error) {
		return oracle.Decision{}, errors.New("connection refused")
	})
	rig := newTestRig(t, oracle.NewFailClosed(flaky, oracle.WithBackoffBase(time.Millisecond)))
	rig.mustRegister(t, linearSpec)

	cid, err := rig.engine.Start(context.Background(), "linear", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st, _ := rig.engine.State(context.Background(), cid)
	if !st.Terminated || st.FailureReason != "policy_denied" {
		t.Errorf("Expected fail-closed denial, got %+v", st)
	}

	events, _ := rig.engine.Events(context.Background(), cid, 0)
	var denied *event.Event
	for i := range events {
		if events[i].Type == event.PolicyDenied {
			denied = &events[i]
		}
	}
	if denied == nil {
		t.Fatalf("Expected policy.denied event")
	}
	if reason, _ := denied.Payload["reason"].(string); reason != oracle.ReasonUnavailable {
		t.Errorf("Expected %s denial reason, got %q", oracle.ReasonUnavailable, reason)
	}
}

func TestStartNodeNotGated(t *testing.T) {
	// Deny-by-default policy with rules only for the declared edges. The
	// start node has no incoming edges, so admission itself asks nothing
	// of the oracle.
	orc := oracle.NewStaticOracle(false).
		Allow("prepare", "write").
		Allow("write", "done")
	rig := newTestRig(t, orc)
	rig.mustRegister(t, linearSpec)
	rig.mock.Succeed("write", map[string]any{"text": "ok"})

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "linear", map[string]any{"topic": "t"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "" {
		t.Errorf("Expected completed run under deny-by-default oracle, got %+v", st)
	}
}

const gatedSpec = `
id: gated
nodes:
  - id: draft
    kind: task
  - id: review
    kind: human
    approval_key: sign_off
  - id: publish
    kind: task
    invoker: mock
  - id: done
    kind: terminal
    expr: '{"published": nodes.publish.ok, "sign_off": bag.sign_off}'
edges:
  - {from: draft, to: review}
  - {from: review, to: publish}
  - {from: publish, to: done}
`

func TestHumanApprovalFlow(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, gatedSpec)
	rig.mock.Succeed("publish", map[string]any{"ok": true})

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "gated", map[string]any{"doc": "q3 report"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, _ := rig.engine.State(ctx, cid)
	if st.Terminated {
		t.Fatalf("Expected run suspended at review, got terminated: %+v", st)
	}
	if st.PendingHumans["review"] != "sign_off" {
		t.Fatalf("Expected pending review checkpoint, got %v", st.PendingHumans)
	}

	if err := rig.engine.Resume(ctx, cid, "wrong_key", true, nil); !errors.Is(err, ErrNotPending) {
		t.Errorf("Expected ErrNotPending for unknown approval key, got %v", err)
	}

	if err := rig.engine.Resume(ctx, cid, "sign_off", true, "approved by qa"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	st, _ = rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "" {
		t.Fatalf("Expected completed run after approval, got %+v", st)
	}
	if st.Output["sign_off"] != "approved by qa" || st.Output["published"] != true {
		t.Errorf("Expected approval value and publish result in output, got %v", st.Output)
	}

	if err := rig.engine.Resume(ctx, cid, "sign_off", true, nil); !errors.Is(err, ErrTerminated) {
		t.Errorf("Expected ErrTerminated on double resume, got %v", err)
	}
}

func TestResumeEmptyKeyAddressesSolePending(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, gatedSpec)
	rig.mock.Succeed("publish", map[string]any{"ok": true})

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "gated", map[string]any{"doc": "q3 report"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// One checkpoint pending: an empty key resolves it unambiguously.
	if err := rig.engine.Resume(ctx, cid, "", true, "lgtm"); err != nil {
		t.Fatalf("Resume with empty key failed: %v", err)
	}
	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "" {
		t.Fatalf("Expected completed run, got %+v", st)
	}
	if st.Output["sign_off"] != "lgtm" {
		t.Errorf("Expected approval value in output, got %v", st.Output)
	}
}

func TestHumanRejectionFailsRun(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, gatedSpec)

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "gated", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := rig.engine.Resume(ctx, cid, "sign_off", false, "numbers are wrong"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}

	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "rejected" {
		t.Fatalf("Expected failure reason rejected, got %+v", st)
	}
	if !strings.Contains(st.FailureDetail, "review") {
		t.Errorf("Expected rejecting node in detail, got %q", st.FailureDetail)
	}
	if st.Bag["sign_off"] != "numbers are wrong" {
		t.Errorf("Expected rejection value in bag, got %v", st.Bag)
	}
	if rig.mock.CallCount("publish") != 0 {
		t.Errorf("Rejected path must not run downstream nodes")
	}

	events, _ := rig.engine.Events(ctx, cid, 0)
	types := eventTypes(events)
	if types[len(types)-2] != event.HumanRejected || types[len(types)-1] != event.WorkflowFailed {
		t.Errorf("Expected rejection then failure, got %v", types)
	}
}

const retrySpec = `
id: flaky
nodes:
  - id: call
    kind: task
    invoker: mock
    retry: {max_attempts: 3, base_delay_ms: 1}
  - id: done
    kind: terminal
    expr: 'nodes.call'
edges:
  - {from: call, to: done}
`

func TestRetryThenSuccess(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, retrySpec)
	rig.mock.
		Fail("call", "rate_limited", "slow down", true).
		Succeed("call", map[string]any{"value": "ok"})

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "flaky", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "" {
		t.Fatalf("Expected completion after retry, got %+v", st)
	}
	if st.Attempts["call"] != 2 {
		t.Errorf("Expected durable attempt counter 2, got %d", st.Attempts["call"])
	}

	events, _ := rig.engine.Events(ctx, cid, 0)
	types := eventTypes(events)
	want := []event.Type{
		event.WorkflowStarted,
		event.NodeStarted, event.NodeFailed,
		event.NodeStarted, event.NodeCompleted,
		event.WorkflowCompleted,
	}
	if !reflect.DeepEqual(types, want) {
		t.Fatalf("Unexpected event sequence: %v", types)
	}
	if got := events[1].Payload["attempt"]; got != 1 {
		t.Errorf("Expected attempt 1 on first start, got %v", got)
	}
	if got := events[3].Payload["attempt"]; got != 2 {
		t.Errorf("Expected attempt 2 on second start, got %v", got)
	}
	if transient, _ := events[2].Payload["transient"].(bool); !transient {
		t.Errorf("Expected transient failure verdict, got %v", events[2].Payload)
	}
}

func TestRetryExhaustion(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, retrySpec)
	rig.mock.Fail("call", "rate_limited", "still throttled", true)

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "flaky", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "node_failed" {
		t.Fatalf("Expected failure after exhausting retries, got %+v", st)
	}
	if !strings.Contains(st.FailureDetail, "call") {
		t.Errorf("Expected failing node in detail, got %q", st.FailureDetail)
	}
	if rig.mock.CallCount("call") != 3 {
		t.Errorf("Expected 3 attempts, got %d", rig.mock.CallCount("call"))
	}

	events, _ := rig.engine.Events(ctx, cid, 0)
	types := eventTypes(events)
	want := []event.Type{
		event.WorkflowStarted,
		event.NodeStarted, event.NodeFailed,
		event.NodeStarted, event.NodeFailed,
		event.NodeStarted, event.NodeFailed,
		event.WorkflowFailed,
	}
	if !reflect.DeepEqual(types, want) {
		t.Errorf("Unexpected event sequence: %v", types)
	}
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, retrySpec)
	rig.mock.Fail("call", "invalid_request", "bad payload", false)

	cid, err := rig.engine.Start(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rig.mock.CallCount("call") != 1 {
		t.Errorf("Permanent failure must not retry, got %d attempts", rig.mock.CallCount("call"))
	}
	st, _ := rig.engine.State(context.Background(), cid)
	if !st.Terminated || st.FailureReason == "" {
		t.Errorf("Expected failed run, got %+v", st)
	}
}

func TestNodeTimeout(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, `
id: wedged
nodes:
  - id: call
    kind: task
    invoker: mock
    timeout_ms: 50
  - id: done
    kind: terminal
edges:
  - {from: call, to: done}
`)
	rig.mock.Hang("call")

	cid, err := rig.engine.Start(context.Background(), "wedged", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st, _ := rig.engine.State(context.Background(), cid)
	if !st.Terminated || st.FailureReason == "" {
		t.Fatalf("Expected timed-out run to fail, got %+v", st)
	}

	events, _ := rig.engine.Events(context.Background(), cid, 0)
	var failed *event.Event
	for i := range events {
		if events[i].Type == event.NodeFailed {
			failed = &events[i]
		}
	}
	if failed == nil {
		t.Fatalf("Expected node.failed event")
	}
	if msg, _ := failed.Payload["error"].(string); !strings.Contains(msg, "timed out") {
		t.Errorf("Expected timeout classification, got %v", failed.Payload)
	}
}

func TestFanOutJoin(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, `
id: fanout
nodes:
  - id: split
    kind: task
  - id: facts
    kind: task
    invoker: mock
  - id: style
    kind: task
    invoker: mock
  - id: merge
    kind: task
    expr: '{"facts": nodes.facts.text, "style": nodes.style.text}'
  - id: done
    kind: terminal
    expr: 'nodes.merge'
edges:
  - {from: split, to: facts}
  - {from: split, to: style}
  - {from: facts, to: merge}
  - {from: style, to: merge}
  - {from: merge, to: done}
`)
	rig.mock.Succeed("facts", map[string]any{"text": "checked"})
	rig.mock.Succeed("style", map[string]any{"text": "polished"})

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "fanout", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "" {
		t.Fatalf("Expected completed run, got %+v", st)
	}
	if st.Output["facts"] != "checked" || st.Output["style"] != "polished" {
		t.Errorf("Expected both branch outputs merged, got %v", st.Output)
	}

	// The join must run exactly once, after both branches.
	events, _ := rig.engine.Events(ctx, cid, 0)
	mergeStarts := 0
	for _, e := range events {
		if e.Type == event.NodeStarted && e.Node() == "merge" {
			mergeStarts++
		}
	}
	if mergeStarts != 1 {
		t.Errorf("Expected join to run once, got %d starts", mergeStarts)
	}
}

func TestSnapshotOnDemand(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, gatedSpec)
	rig.mock.Succeed("publish", map[string]any{"ok": true})

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "gated", map[string]any{"doc": "q3 report"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Snapshot the suspended run on demand.
	id, err := rig.engine.Snapshot(ctx, cid)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	snaps, err := rig.engine.ListSnapshots(ctx, cid)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	found := false
	for _, s := range snaps {
		if s.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("Snapshot %s not listed in %d snapshots", id, len(snaps))
	}

	from, err := rig.engine.ReplayFrom(ctx, cid, id)
	if err != nil {
		t.Fatalf("ReplayFrom failed: %v", err)
	}
	full, err := rig.engine.Replay(ctx, cid)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !reflect.DeepEqual(from, full) {
		t.Errorf("Snapshot replay diverged:\n from snapshot: %+v\n from zero:     %+v", from, full)
	}

	// Terminated runs refuse further snapshots.
	if err := rig.engine.Resume(ctx, cid, "sign_off", true, "ok"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if _, err := rig.engine.Snapshot(ctx, cid); !errors.Is(err, ErrTerminated) {
		t.Errorf("Expected ErrTerminated snapshotting a finished run, got %v", err)
	}
}

func TestReplayMatchesSnapshots(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll, WithSnapshotEvery(3))
	rig.mustRegister(t, `
id: chain
nodes:
  - {id: a, kind: task, invoker: mock}
  - {id: b, kind: task, invoker: mock}
  - {id: c, kind: task, invoker: mock}
  - {id: d, kind: task, invoker: mock}
  - id: done
    kind: terminal
    expr: '{"last": nodes.d.text}'
edges:
  - {from: a, to: b}
  - {from: b, to: c}
  - {from: c, to: d}
  - {from: d, to: done}
`)
	for _, n := range []string{"a", "b", "c", "d"} {
		rig.mock.Succeed(n, map[string]any{"text": "out-" + n})
	}

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "chain", map[string]any{"seed": "x"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snaps, err := rig.engine.ListSnapshots(ctx, cid)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(snaps) == 0 {
		t.Fatalf("Expected snapshots at cadence 3")
	}

	fromZero, err := rig.engine.Replay(ctx, cid)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if !fromZero.Terminated || fromZero.Output["last"] != "out-d" {
		t.Fatalf("Unexpected replayed state: %+v", fromZero)
	}

	for _, snap := range snaps {
		fromSnap, err := rig.engine.ReplayFrom(ctx, cid, snap.ID)
		if err != nil {
			t.Fatalf("ReplayFrom %s failed: %v", snap.ID, err)
		}
		if !reflect.DeepEqual(fromZero, fromSnap) {
			t.Errorf("Replay from snapshot %s diverged:\n%+v\nvs\n%+v", snap.ID, fromZero, fromSnap)
		}
	}
}

func TestRecoverInterruptedRun(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, retrySpec)
	rig.mock.Succeed("call", map[string]any{"value": "recovered"})

	// Simulate a crashed driver: workflow.started plus a dangling
	// node.started with no outcome.
	cid := event.NewCorrelationID()
	ctx := context.Background()
	seed := []event.Event{
		event.New(cid, event.WorkflowStarted, map[string]any{"spec_id": "flaky", "bag": map[string]any{}}, ""),
		event.New(cid, event.NodeStarted, map[string]any{"node": "call", "attempt": 1}, ""),
	}
	for i := range seed {
		seed[i].Seq = int64(i + 1)
	}
	if _, err := rig.store.Append(ctx, seed); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := rig.engine.Recover(ctx, cid); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "" {
		t.Fatalf("Expected recovered run to complete, got %+v", st)
	}
	if st.Attempts["call"] != 2 {
		t.Errorf("Expected recovery to continue the attempt counter, got %d", st.Attempts["call"])
	}

	if err := rig.engine.Recover(ctx, cid); !errors.Is(err, ErrTerminated) {
		t.Errorf("Expected ErrTerminated recovering a finished run, got %v", err)
	}
}

func TestAdmissionBusy(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll, WithMaxConcurrentRuns(1))
	release, err := rig.engine.admit()
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	defer release()

	rig.mustRegister(t, linearSpec)
	if _, err := rig.engine.Start(context.Background(), "linear", nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy with a full pool, got %v", err)
	}
}

func TestLeaseExclusion(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, gatedSpec)

	ctx := context.Background()
	cid, err := rig.engine.Start(ctx, "gated", nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A competing scheduler holds the run's lease.
	held, err := rig.leases.Acquire(ctx, "run:"+cid, time.Minute)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer func() { _ = rig.leases.Release(ctx, held) }()

	if err := rig.engine.Resume(ctx, cid, "sign_off", true, nil); !errors.Is(err, ErrRunUnavailable) {
		t.Errorf("Expected ErrRunUnavailable while lease is held, got %v", err)
	}
}

func TestCancelRun(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	rig.mustRegister(t, `
id: stuck
nodes:
  - {id: call, kind: task, invoker: mock}
  - {id: done, kind: terminal}
edges:
  - {from: call, to: done}
`)
	rig.mock.Hang("call")

	ctx := context.Background()
	type result struct {
		cid string
		err error
	}
	done := make(chan result, 1)
	go func() {
		cid, err := rig.engine.Start(ctx, "stuck", nil)
		done <- result{cid, err}
	}()

	// Wait for the run to reach its invoker so the driver is registered,
	// then find its correlation id via the outbox and cancel it.
	deadline := time.Now().Add(2 * time.Second)
	for rig.mock.CallCount("call") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Run never reached the invoker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	pending, err := rig.store.ScanOutbox(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ScanOutbox failed: %v", err)
	}
	if len(pending) == 0 {
		t.Fatalf("Expected outbox rows for the running workflow")
	}
	rig.engine.Cancel(pending[0].Event.CorrelationID)

	res := <-done
	if res.err != nil {
		t.Fatalf("Start failed: %v", res.err)
	}
	st, _ := rig.engine.State(ctx, res.cid)
	if !st.Terminated || st.FailureReason != "cancelled" {
		t.Errorf("Expected cancelled run, got %+v", st)
	}
}

func TestCloseDrainsRuns(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll, WithShutdownGrace(2*time.Second))
	rig.mustRegister(t, `
id: stuck
nodes:
  - {id: call, kind: task, invoker: mock}
  - {id: done, kind: terminal}
edges:
  - {from: call, to: done}
`)
	rig.mock.Hang("call")

	ctx := context.Background()
	done := make(chan string, 1)
	go func() {
		cid, _ := rig.engine.Start(ctx, "stuck", nil)
		done <- cid
	}()

	// Wait for the run to reach its invoker before shutting down.
	deadline := time.Now().Add(2 * time.Second)
	for rig.mock.CallCount("call") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Run never reached the invoker")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := rig.engine.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cid := <-done
	st, _ := rig.engine.State(ctx, cid)
	if !st.Terminated || st.FailureReason != "shutdown" {
		t.Errorf("Expected shutdown failure, got %+v", st)
	}

	if _, err := rig.engine.Start(ctx, "stuck", nil); err == nil {
		t.Errorf("Expected Start to fail after Close")
	}
}

func TestStartUnknownGraph(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	if _, err := rig.engine.Start(context.Background(), "ghost", nil); !errors.Is(err, ErrUnknownGraph) {
		t.Errorf("Expected ErrUnknownGraph, got %v", err)
	}
}

func TestEventsUnknownRun(t *testing.T) {
	rig := newTestRig(t, oracle.AllowAll)
	if _, err := rig.engine.Events(context.Background(), "no-such-run", 0); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("Expected ErrUnknownRun, got %v", err)
	}
}

func TestAuditSinkFailureDoesNotFailRun(t *testing.T) {
	failing := audit.Func(func(context.Context, audit.Record) error {
		return fmt.Errorf("collector down")
	})
	rig := newTestRig(t, oracle.AllowAll, WithAuditSink(failing))
	rig.mustRegister(t, linearSpec)
	rig.mock.Succeed("write", map[string]any{"text": "ok"})

	cid, err := rig.engine.Start(context.Background(), "linear", map[string]any{"topic": "t"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st, _ := rig.engine.State(context.Background(), cid)
	if !st.Terminated || st.FailureReason != "" {
		t.Errorf("Expected run to complete despite sink failure, got %+v", st)
	}
}
