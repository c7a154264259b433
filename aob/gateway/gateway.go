// Package gateway executes the side-effecting work of task and agent
// nodes: LLM calls through provider SDKs and tool calls over HTTP.
//
// The engine treats invokers as untrusted externals: every call runs under
// the node's timeout, failures are classified transient or permanent, and
// results only become real when the engine records them as events.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Request describes one node invocation.
type Request struct {
	// CorrelationID identifies the run, for tracing and provider-side
	// request tagging.
	CorrelationID string

	// Node is the node id being executed.
	Node string

	// Prompt is the rendered instruction for agent nodes; empty for task
	// nodes whose invoker works from Input alone.
	Prompt string

	// Input is the node's projected view of the run context bag.
	Input map[string]any

	// Model overrides the invoker's default model, when set.
	Model string

	// MaxTokens caps generation for agent nodes. Zero means the invoker's
	// default.
	MaxTokens int
}

// Response is a successful invocation result.
type Response struct {
	// Output is the node's result, merged into the context bag by the
	// scheduler. LLM invokers put the generated text under "text".
	Output map[string]any

	// Model is the model that actually served the request, when known.
	Model string

	// InputTokens and OutputTokens report usage for cost metering. Zero
	// when the invoker has no usage data.
	InputTokens  int64
	OutputTokens int64
}

// Error is a classified invocation failure. Transient errors are retried
// per the node's retry policy; permanent ones fail the node immediately.
type Error struct {
	// Code is a stable machine-readable failure class, e.g. "rate_limited",
	// "invalid_api_key", "timeout", "tool_status".
	Code string

	// Message is human-readable detail.
	Message string

	// Transient marks the failure as retryable.
	Transient bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("gateway error [%s]: %s", e.Code, e.Message)
}

// IsTransient reports whether err is a gateway error marked transient.
// Unknown error types count as transient: timeouts and transport failures
// from deep inside SDKs should not permanently fail a node.
func IsTransient(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Transient
	}
	return true
}

// Invoker executes node work.
type Invoker interface {
	// Invoke runs the request to completion or returns an error. The
	// context carries the node's timeout; implementations must honor it.
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke implements Invoker.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Registry routes node invocations to named invokers. Task and agent nodes
// reference invokers by name in the workflow definition.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register binds name to inv, replacing any previous binding.
func (r *Registry) Register(name string, inv Invoker) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[name] = inv
	return r
}

// Lookup returns the invoker bound to name.
func (r *Registry) Lookup(name string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[name]
	if !ok {
		return nil, &Error{Code: "unknown_invoker", Message: fmt.Sprintf("no invoker registered as %q", name)}
	}
	return inv, nil
}
