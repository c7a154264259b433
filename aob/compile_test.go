package aob

import (
	"errors"
	"testing"
)

func TestCompileLinear(t *testing.T) {
	src := []byte(`
id: pipeline
nodes:
  - id: fetch
    kind: task
  - id: summarize
    kind: agent
    invoker: llm
    prompt: Summarize the document.
  - id: done
    kind: terminal
    expr: 'nodes.summarize'
edges:
  - from: fetch
    to: summarize
  - from: summarize
    to: done
`)
	g, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if g.Start != "fetch" {
		t.Errorf("Expected start node fetch, got %s", g.Start)
	}
	if got := g.Nodes(); len(got) != 3 || got[0] != "fetch" || got[2] != "done" {
		t.Errorf("Unexpected topological order: %v", got)
	}
	if g.Node("done").Kind != KindTerminal {
		t.Errorf("Expected done to compile as terminal, got %s", g.Node("done").Kind)
	}
	if g.Node("summarize").Name != "summarize" {
		t.Errorf("Expected name to default to id, got %q", g.Node("summarize").Name)
	}
}

func TestCompileDeterministicOrder(t *testing.T) {
	// Diamond with sibling branches: order must break ties by id, every time.
	src := []byte(`
id: diamond
nodes:
  - id: start
    kind: task
  - id: zeta
    kind: task
  - id: alpha
    kind: task
  - id: join
    kind: task
  - id: done
    kind: terminal
edges:
  - {from: start, to: zeta}
  - {from: start, to: alpha}
  - {from: zeta, to: join}
  - {from: alpha, to: join}
  - {from: join, to: done}
`)
	var first []string
	for i := 0; i < 5; i++ {
		g, err := Compile(src)
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		order := g.Nodes()
		if order[1] != "alpha" || order[2] != "zeta" {
			t.Fatalf("Expected id tiebreak alpha before zeta, got %v", order)
		}
		if first == nil {
			first = order
			continue
		}
		for j := range order {
			if order[j] != first[j] {
				t.Fatalf("Order not deterministic: %v vs %v", order, first)
			}
		}
	}
}

func TestCompileOnFailureEdges(t *testing.T) {
	src := []byte(`
id: comp
nodes:
  - id: deploy
    kind: task
  - id: rollback
    kind: task
  - id: done
    kind: terminal
edges:
  - {from: deploy, to: done}
  - from: deploy
    to: rollback
    policies: [on_failure]
`)
	g, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	comp := g.CompensationEdges()
	if len(comp) != 1 || comp[0].To != "rollback" {
		t.Fatalf("Expected one compensation edge to rollback, got %v", comp)
	}
	// Reservations must not participate in scheduling.
	if len(g.Successors("deploy")) != 1 || g.Successors("deploy")[0] != "done" {
		t.Errorf("Compensation edge leaked into successors: %v", g.Successors("deploy"))
	}
	if len(g.Predecessors("rollback")) != 0 {
		t.Errorf("Compensation edge leaked into predecessors: %v", g.Predecessors("rollback"))
	}
}

func TestCompileTransitivePredecessors(t *testing.T) {
	src := []byte(`
id: deep
nodes:
  - {id: a, kind: task}
  - {id: b, kind: task}
  - {id: c, kind: task}
  - {id: d, kind: terminal}
edges:
  - {from: a, to: b}
  - {from: b, to: c}
  - {from: c, to: d}
`)
	g, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	up := g.TransitivePredecessors("d")
	for _, id := range []string{"a", "b", "c"} {
		if !up[id] {
			t.Errorf("Expected %s upstream of d, got %v", id, up)
		}
	}
	if up["d"] {
		t.Errorf("Node must not be its own transitive predecessor")
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code string
	}{
		{
			name: "empty graph",
			src:  `id: empty`,
			code: "empty_graph",
		},
		{
			name: "duplicate node id",
			src: `
id: dup
nodes:
  - {id: a, kind: task}
  - {id: a, kind: task}
`,
			code: "duplicate_node_id",
		},
		{
			name: "unknown edge endpoint",
			src: `
id: bad-edge
nodes:
  - {id: a, kind: task}
edges:
  - {from: a, to: ghost}
`,
			code: "unknown_node_reference",
		},
		{
			name: "unknown node kind",
			src: `
id: bad-kind
nodes:
  - {id: a, kind: cron}
`,
			code: "unknown_node_reference",
		},
		{
			name: "no start node",
			src: `
id: no-start
nodes:
  - {id: a, kind: task}
  - {id: b, kind: task}
edges:
  - {from: a, to: b}
  - {from: b, to: a}
`,
			code: "no_start_node",
		},
		{
			name: "multiple start nodes",
			src: `
id: two-starts
nodes:
  - {id: a, kind: task}
  - {id: b, kind: task}
  - {id: c, kind: task}
edges:
  - {from: a, to: c}
  - {from: b, to: c}
`,
			code: "multiple_start_nodes",
		},
		{
			name: "cycle",
			src: `
id: loop
nodes:
  - {id: a, kind: task}
  - {id: b, kind: task}
  - {id: c, kind: task}
edges:
  - {from: a, to: b}
  - {from: b, to: c}
  - {from: c, to: b}
`,
			code: "cycle_detected",
		},
		{
			name: "human without approval key",
			src: `
id: gate
nodes:
  - {id: review, kind: human}
`,
			code: "missing_approval_key",
		},
		{
			name: "retry attempts out of range",
			src: `
id: retry
nodes:
  - id: a
    kind: task
    retry: {max_attempts: 40}
`,
			code: "invalid_retry_policy",
		},
		{
			name: "retry base exceeds max",
			src: `
id: retry2
nodes:
  - id: a
    kind: task
    retry: {max_attempts: 3, base_delay_ms: 5000, max_delay_ms: 100}
`,
			code: "invalid_retry_policy",
		},
		{
			name: "edge out of a terminal node",
			src: `
id: leaky
nodes:
  - {id: a, kind: task}
  - {id: z, kind: terminal}
  - {id: after, kind: task}
edges:
  - {from: a, to: z}
  - {from: z, to: after}
`,
			code: "terminal_outgoing_edge",
		},
		{
			name: "projection does not compile",
			src: `
id: bad-expr
nodes:
  - id: a
    kind: task
    expr: 'bag.['
`,
			code: "invalid_expr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile([]byte(tt.src))
			if err == nil {
				t.Fatalf("Expected compile error %s, got nil", tt.code)
			}
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("Expected CompileError, got %T: %v", err, err)
			}
			if ce.Code != tt.code {
				t.Errorf("Expected code %s, got %s (%v)", tt.code, ce.Code, ce)
			}
		})
	}
}

func TestCompileCyclePath(t *testing.T) {
	src := []byte(`
id: loop
nodes:
  - {id: a, kind: task}
  - {id: b, kind: task}
  - {id: c, kind: task}
  - {id: d, kind: task}
edges:
  - {from: a, to: b}
  - {from: b, to: c}
  - {from: c, to: d}
  - {from: d, to: b}
`)
	_, err := Compile(src)
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Code != "cycle_detected" {
		t.Fatalf("Expected cycle_detected, got %v", err)
	}
	if len(ce.Path) < 3 {
		t.Fatalf("Expected cycle path, got %v", ce.Path)
	}
	if ce.Path[0] != ce.Path[len(ce.Path)-1] {
		t.Errorf("Expected cycle path to close on itself, got %v", ce.Path)
	}
}
