package aob

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// WorkflowSpec is the declarative workflow definition as authored, before
// compilation. The YAML schema:
//
//	id: order-pipeline
//	nodes:
//	  - id: fetch
//	    kind: task
//	    name: Fetch order
//	    invoker: orders-api
//	    expr: '{"order_id": bag.order_id}'
//	    retry: {max_attempts: 3, base_delay_ms: 200, max_delay_ms: 5000, jitter: true}
//	  - id: review
//	    kind: human
//	    approval_key: order_review
//	  - id: done
//	    kind: terminal
//	    expr: 'nodes.fetch'
//	edges:
//	  - from: fetch
//	    to: review
//	    policies: [pii]
//	  - from: review
//	    to: done
type WorkflowSpec struct {
	ID    string     `yaml:"id"`
	Nodes []NodeSpec `yaml:"nodes"`
	Edges []EdgeSpec `yaml:"edges"`
}

// NodeSpec declares one node.
type NodeSpec struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`

	// Expr is the context projection, an expression over `bag`, `nodes`,
	// `spec_id` and `correlation_id`. Empty projects the whole bag.
	Expr string `yaml:"expr"`

	// ApprovalKey names the bag key a human decision is written to.
	// Required for human nodes, forbidden elsewhere.
	ApprovalKey string `yaml:"approval_key"`

	// Invoker names the gateway invoker executing this node. Required for
	// agent nodes; optional for task nodes (a task without an invoker is a
	// pure projection).
	Invoker string `yaml:"invoker"`

	// Prompt is the instruction for agent nodes. When empty, the projected
	// input is serialized as the prompt.
	Prompt string `yaml:"prompt"`

	// Model and MaxTokens tune agent invocations; zero values defer to the
	// invoker's defaults.
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`

	// TimeoutMS bounds each attempt. Zero uses the engine default.
	TimeoutMS int `yaml:"timeout_ms"`

	Retry *RetrySpec `yaml:"retry"`
}

// RetrySpec declares a node retry policy.
type RetrySpec struct {
	MaxAttempts int  `yaml:"max_attempts"`
	BaseDelayMS int  `yaml:"base_delay_ms"`
	MaxDelayMS  int  `yaml:"max_delay_ms"`
	Jitter      bool `yaml:"jitter"`
}

// EdgeSpec declares one edge. Policies are opaque tags interpreted by the
// policy oracle; the tag "on_failure" reserves the edge for compensation
// and excludes it from gating and joins.
type EdgeSpec struct {
	From     string   `yaml:"from"`
	To       string   `yaml:"to"`
	Policies []string `yaml:"policies"`
}

// ParseSpec decodes a YAML workflow definition. Schema errors surface here;
// semantic validation happens in Compile.
func ParseSpec(src []byte) (WorkflowSpec, error) {
	var ws WorkflowSpec
	if err := yaml.Unmarshal(src, &ws); err != nil {
		return WorkflowSpec{}, fmt.Errorf("parse workflow spec: %w", err)
	}
	return ws, nil
}
