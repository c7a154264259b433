package aob

import (
	"github.com/aobuild/aob-go/aob/event"
)

// Apply folds one event into the run state. It is pure and total over the
// event vocabulary: no I/O, no clock, no randomness, and unknown payload
// shapes degrade to no-ops rather than panics. Live execution and replay
// use this same function, which is what makes replay exact.
//
// Graph-structural consequences (ready-set updates, AND-joins) happen
// here; anything involving the outside world (policy checks, invocations,
// backoff timing) happens in the driver and becomes further events.
func Apply(g *Graph, s RunState, e event.Event) RunState {
	out := s.Clone()
	out.Seq = e.Seq

	switch e.Type {
	case event.WorkflowStarted:
		if specID, ok := e.Payload["spec_id"].(string); ok {
			out.SpecID = specID
		}
		if bag, ok := e.Payload["bag"].(map[string]any); ok {
			out.Bag = deepCopyMap(bag)
		}
		out.insertReady(g, g.Start)

	case event.NodeStarted:
		node := e.Node()
		if node == "" {
			break
		}
		out.Attempts[node] = payloadInt(e.Payload, "attempt")
		out.InFlight[node] = true
		out.removeReady(node)

	case event.NodeCompleted:
		node := e.Node()
		if node == "" {
			break
		}
		delete(out.InFlight, node)
		out.Completed[node] = true
		if output, ok := e.Payload["output"].(map[string]any); ok {
			out.Outputs[node] = deepCopyMap(output)
		} else {
			out.Outputs[node] = map[string]any{}
		}
		out.enqueueEligibleSuccessors(g, node)

	case event.NodeFailed:
		node := e.Node()
		if node == "" {
			break
		}
		delete(out.InFlight, node)
		transient, _ := e.Payload["transient"].(bool)
		maxAttempts := 1
		if n := g.Node(node); n != nil && n.Retry.MaxAttempts > 0 {
			maxAttempts = n.Retry.MaxAttempts
		}
		if transient && out.Attempts[node] < maxAttempts {
			// Attempt budget remains: the node goes back to ready and the
			// next node.started carries the next attempt number.
			out.insertReady(g, node)
		} else {
			out.Failed[node] = true
		}

	case event.PolicyDenied:
		// The denial is durable context for audit; the run outcome is the
		// workflow.failed that follows it.

	case event.HumanAwaited:
		node := e.Node()
		if node == "" {
			break
		}
		key, _ := e.Payload["approval_key"].(string)
		out.PendingHumans[node] = key
		out.removeReady(node)

	case event.HumanApproved:
		node := e.Node()
		if node == "" {
			break
		}
		if key, ok := e.Payload["approval_key"].(string); ok && key != "" {
			out.Bag[key] = deepCopyValue(e.Payload["value"])
		}
		delete(out.PendingHumans, node)
		out.Completed[node] = true
		out.Outputs[node] = map[string]any{"approved": true, "value": deepCopyValue(e.Payload["value"])}
		out.enqueueEligibleSuccessors(g, node)

	case event.HumanRejected:
		node := e.Node()
		if node == "" {
			break
		}
		if key, ok := e.Payload["approval_key"].(string); ok && key != "" {
			out.Bag[key] = deepCopyValue(e.Payload["value"])
		}
		delete(out.PendingHumans, node)
		out.Failed[node] = true

	case event.WorkflowCompleted:
		out.Terminated = true
		if output, ok := e.Payload["output"].(map[string]any); ok {
			out.Output = deepCopyMap(output)
		}
		out.Ready = nil

	case event.WorkflowFailed:
		out.Terminated = true
		out.FailureReason, _ = e.Payload["reason"].(string)
		out.FailureDetail, _ = e.Payload["detail"].(string)
		out.Ready = nil

	case event.SnapshotCreated:
		// Bookkeeping only; the snapshot itself lives in the store.
	}

	return out
}

// enqueueEligibleSuccessors inserts each successor of node whose direct
// predecessors have all completed. This is the AND-join: a node with
// in-degree > 1 waits for every incoming execution edge.
func (s *RunState) enqueueEligibleSuccessors(g *Graph, node string) {
	for _, succ := range g.Successors(node) {
		if s.Completed[succ] || s.InFlight[succ] {
			continue
		}
		if _, pending := s.PendingHumans[succ]; pending {
			continue
		}
		eligible := true
		for _, pred := range g.Predecessors(succ) {
			if !s.Completed[pred] {
				eligible = false
				break
			}
		}
		if eligible {
			s.insertReady(g, succ)
		}
	}
}

// Reduce folds events in order onto s. Events must already be in sequence
// order; Reduce does not sort.
func Reduce(g *Graph, s RunState, events []event.Event) RunState {
	for _, e := range events {
		s = Apply(g, s, e)
	}
	return s
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
