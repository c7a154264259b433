// Package audit records node-level policy decisions on a stream separate
// from the run event logs.
//
// Every node step produces one Record: what the oracle was asked, what it
// answered, what the node saw and produced, and what the step cost. The
// stream is observability, not truth: sink failure never blocks or fails a
// run, and replay never consults it.
package audit

import (
	"context"
	"time"
)

// ExternalCall describes one outbound call made while executing a node.
type ExternalCall struct {
	// Target is the invoker name or endpoint.
	Target string `json:"target"`

	// Model is the model that served the call, when it was an LLM call.
	Model string `json:"model,omitempty"`

	// DurationMS is the call's wall-clock duration.
	DurationMS int64 `json:"duration_ms"`
}

// CostMeters totals token usage and spend for one record.
type CostMeters struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// Record is one node step as policy saw it.
type Record struct {
	// CorrelationID identifies the run; SpecID the workflow definition.
	CorrelationID string `json:"correlation_id"`
	SpecID        string `json:"spec_id"`

	// NodeID, NodeName and NodeKind identify the gated node.
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`
	NodeKind string `json:"node_kind"`

	// Allowed is the aggregate verdict over the node's incoming edges;
	// Reason explains a denial.
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	// PoliciesApplied lists the policy tags of the evaluated edges.
	PoliciesApplied []string `json:"policies_applied,omitempty"`

	// InputSnapshot is the projected context the node (and the oracle)
	// saw; OutputSnapshot the node's result, when it ran.
	InputSnapshot  map[string]any `json:"input_snapshot,omitempty"`
	OutputSnapshot map[string]any `json:"output_snapshot,omitempty"`

	// ExternalCalls lists outbound calls made during the step.
	ExternalCalls []ExternalCall `json:"external_calls,omitempty"`

	// Cost totals the step's metered spend.
	Cost CostMeters `json:"cost_meters"`

	// LatencyMS is the whole step's duration.
	LatencyMS int64 `json:"latency_ms"`

	// CreatedAt is the record time.
	CreatedAt time.Time `json:"created_at"`
}

// Sink receives decision records. Implementations must not block the
// caller for long: the engine treats a sink error as a deferred record,
// emits it as an observability event, and moves on.
type Sink interface {
	// Record accepts one decision.
	Record(ctx context.Context, rec Record) error
}

// Func adapts a function to the Sink interface.
type Func func(ctx context.Context, rec Record) error

// Record implements Sink.
func (f Func) Record(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Discard is a Sink that drops every record.
var Discard Sink = Func(func(context.Context, Record) error { return nil })
