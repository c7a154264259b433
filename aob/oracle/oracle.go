// Package oracle evaluates policy for graph edge transitions.
//
// Every edge traversal is gated: before a node is dispatched, the scheduler
// asks the oracle whether the transition from its predecessor is allowed.
// Denials are durable facts (a policy.denied event) and treated like node
// failure for join purposes.
//
// The oracle is external by design; FailClosed wraps any Oracle so outages
// degrade to denial, never to silent allowance.
package oracle

import "context"

// Query describes one edge transition under evaluation. Only real
// execution edges are queried: a node with no incoming edges (the start
// node) is admitted without consulting the oracle, so From and To always
// name declared nodes.
type Query struct {
	// From is the source node id.
	From string `json:"from"`

	// To is the destination node id.
	To string `json:"to"`

	// CorrelationID identifies the run.
	CorrelationID string `json:"correlation_id"`

	// SpecID identifies the workflow definition.
	SpecID string `json:"spec_id"`

	// Input is the context bag projection visible to the policy.
	Input map[string]any `json:"input"`
}

// Decision is the oracle's verdict on a Query.
type Decision struct {
	// Allow grants the transition.
	Allow bool `json:"allow"`

	// Reason explains a denial. Empty on allowance.
	Reason string `json:"reason,omitempty"`
}

// Oracle decides whether edge transitions may proceed.
type Oracle interface {
	// Evaluate returns the policy decision for q. An error means the oracle
	// could not produce a verdict at all; callers decide how to degrade
	// (see FailClosed).
	Evaluate(ctx context.Context, q Query) (Decision, error)
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, q Query) (Decision, error)

// Evaluate implements Oracle.
func (f Func) Evaluate(ctx context.Context, q Query) (Decision, error) { return f(ctx, q) }

// AllowAll is an Oracle that permits every transition. Development only.
var AllowAll Oracle = Func(func(context.Context, Query) (Decision, error) {
	return Decision{Allow: true}, nil
})
