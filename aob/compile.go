package aob

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// CompileError is a workflow definition defect, surfaced synchronously;
// no run is ever created from an invalid definition.
type CompileError struct {
	// Code is the defect class: empty_graph, duplicate_node_id,
	// unknown_node_reference, no_start_node, multiple_start_nodes,
	// cycle_detected, missing_approval_key, invalid_retry_policy,
	// invalid_expr, terminal_outgoing_edge.
	Code string

	// NodeID locates node-level defects; empty for graph-level ones.
	NodeID string

	// Field names the offending field, when one exists.
	Field string

	// Path carries the cycle for cycle_detected, in traversal order.
	Path []string

	// Msg is human-readable detail.
	Msg string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	var sb strings.Builder
	sb.WriteString("compile error [")
	sb.WriteString(e.Code)
	sb.WriteString("]")
	if e.NodeID != "" {
		sb.WriteString(" node ")
		sb.WriteString(e.NodeID)
	}
	if e.Field != "" {
		sb.WriteString(" field ")
		sb.WriteString(e.Field)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Msg)
	if len(e.Path) > 0 {
		sb.WriteString(" (")
		sb.WriteString(strings.Join(e.Path, " -> "))
		sb.WriteString(")")
	}
	return sb.String()
}

// Compile parses and compiles a YAML workflow definition.
func Compile(src []byte) (*Graph, error) {
	ws, err := ParseSpec(src)
	if err != nil {
		return nil, err
	}
	return CompileSpec(ws)
}

// CompileSpec validates a definition and builds the executable graph:
// adjacency, deterministic topological order, transitive predecessor sets,
// and compiled projection programs.
func CompileSpec(ws WorkflowSpec) (*Graph, error) {
	if len(ws.Nodes) == 0 {
		return nil, &CompileError{Code: "empty_graph", Msg: "workflow has no nodes"}
	}

	g := &Graph{
		SpecID:     ws.ID,
		nodes:      make(map[string]*Node, len(ws.Nodes)),
		edges:      make(map[string]map[string]*Edge),
		forward:    make(map[string][]string),
		reverse:    make(map[string][]string),
		topoIndex:  make(map[string]int),
		transitive: make(map[string]map[string]bool),
	}

	for _, ns := range ws.Nodes {
		if ns.ID == "" {
			return nil, &CompileError{Code: "unknown_node_reference", Msg: "node with empty id"}
		}
		if _, dup := g.nodes[ns.ID]; dup {
			return nil, &CompileError{Code: "duplicate_node_id", NodeID: ns.ID,
				Msg: fmt.Sprintf("node id %q declared twice", ns.ID)}
		}
		n, err := compileNode(ns)
		if err != nil {
			return nil, err
		}
		g.nodes[ns.ID] = n
	}

	for _, es := range ws.Edges {
		if _, ok := g.nodes[es.From]; !ok {
			return nil, &CompileError{Code: "unknown_node_reference", Field: "from",
				Msg: fmt.Sprintf("edge references unknown node %q", es.From)}
		}
		if _, ok := g.nodes[es.To]; !ok {
			return nil, &CompileError{Code: "unknown_node_reference", Field: "to",
				Msg: fmt.Sprintf("edge references unknown node %q", es.To)}
		}
		if g.nodes[es.From].Kind == KindTerminal {
			return nil, &CompileError{Code: "terminal_outgoing_edge", NodeID: es.From, Field: "from",
				Msg: fmt.Sprintf("terminal node %q has an outgoing edge to %q", es.From, es.To)}
		}
		e := &Edge{From: es.From, To: es.To, Policies: append([]string(nil), es.Policies...)}
		for _, tag := range e.Policies {
			if tag == "on_failure" {
				e.OnFailure = true
			}
		}
		if e.OnFailure {
			g.comp = append(g.comp, e)
			continue
		}
		if g.edges[e.From] == nil {
			g.edges[e.From] = make(map[string]*Edge)
		}
		if _, dup := g.edges[e.From][e.To]; dup {
			return nil, &CompileError{Code: "unknown_node_reference", Field: "to",
				Msg: fmt.Sprintf("duplicate edge %s -> %s", e.From, e.To)}
		}
		g.edges[e.From][e.To] = e
		g.forward[e.From] = append(g.forward[e.From], e.To)
		g.reverse[e.To] = append(g.reverse[e.To], e.From)
	}
	for id := range g.forward {
		sort.Strings(g.forward[id])
	}
	for id := range g.reverse {
		sort.Strings(g.reverse[id])
	}

	if err := g.findStart(); err != nil {
		return nil, err
	}
	if err := g.topoSort(); err != nil {
		return nil, err
	}
	g.buildTransitive()
	return g, nil
}

func compileNode(ns NodeSpec) (*Node, error) {
	kind, err := parseNodeKind(ns.Kind)
	if err != nil {
		return nil, &CompileError{Code: "unknown_node_reference", NodeID: ns.ID, Field: "kind", Msg: err.Error()}
	}

	if kind == KindHuman && ns.ApprovalKey == "" {
		return nil, &CompileError{Code: "missing_approval_key", NodeID: ns.ID, Field: "approval_key",
			Msg: "human node requires a non-empty approval_key"}
	}

	retry := retryFromSpec(ns.Retry)
	if ns.Retry != nil {
		if retry.MaxAttempts < 1 || retry.MaxAttempts > 16 {
			return nil, &CompileError{Code: "invalid_retry_policy", NodeID: ns.ID, Field: "max_attempts",
				Msg: fmt.Sprintf("max_attempts %d outside 1..16", retry.MaxAttempts)}
		}
		if retry.MaxDelay > 0 && retry.BaseDelay > retry.MaxDelay {
			return nil, &CompileError{Code: "invalid_retry_policy", NodeID: ns.ID, Field: "base_delay_ms",
				Msg: "base_delay exceeds max_delay"}
		}
	}

	n := &Node{
		ID:          ns.ID,
		Name:        ns.Name,
		Kind:        kind,
		ExprSrc:     ns.Expr,
		ApprovalKey: ns.ApprovalKey,
		Invoker:     ns.Invoker,
		Prompt:      ns.Prompt,
		Model:       ns.Model,
		MaxTokens:   ns.MaxTokens,
		Timeout:     time.Duration(ns.TimeoutMS) * time.Millisecond,
		Retry:       retry,
	}
	if n.Name == "" {
		n.Name = n.ID
	}

	if ns.Expr != "" {
		program, err := expr.Compile(ns.Expr, expr.AllowUndefinedVariables())
		if err != nil {
			return nil, &CompileError{Code: "invalid_expr", NodeID: ns.ID, Field: "expr",
				Msg: fmt.Sprintf("projection does not compile: %v", err)}
		}
		n.Program = program
	}
	return n, nil
}

// findStart locates the single start node: in-degree zero among
// non-terminal nodes. Compensation targets are excluded; they are reachable
// only through their reservation, not start candidates.
func (g *Graph) findStart() error {
	compTargets := make(map[string]bool, len(g.comp))
	for _, e := range g.comp {
		compTargets[e.To] = true
	}
	var starts []string
	for id, n := range g.nodes {
		if n.Kind == KindTerminal || compTargets[id] {
			continue
		}
		if len(g.reverse[id]) == 0 {
			starts = append(starts, id)
		}
	}
	sort.Strings(starts)
	switch len(starts) {
	case 0:
		return &CompileError{Code: "no_start_node",
			Msg: "no non-terminal node with in-degree zero"}
	case 1:
		g.Start = starts[0]
		return nil
	default:
		return &CompileError{Code: "multiple_start_nodes",
			Msg: fmt.Sprintf("candidate start nodes: %s", strings.Join(starts, ", "))}
	}
}

// topoSort computes the deterministic topological order (Kahn, smallest id
// first among ready nodes). A leftover node means a cycle; the cycle path
// is reconstructed for the error.
func (g *Graph) topoSort() error {
	inDeg := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDeg[id] = len(g.reverse[id])
	}

	var frontier []string
	for id, d := range inDeg {
		if d == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.nodes))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		g.topoIndex[id] = len(order)
		order = append(order, id)

		changed := false
		for _, succ := range g.forward[id] {
			inDeg[succ]--
			if inDeg[succ] == 0 {
				frontier = append(frontier, succ)
				changed = true
			}
		}
		if changed {
			sort.Strings(frontier)
		}
	}

	if len(order) != len(g.nodes) {
		return &CompileError{Code: "cycle_detected", Path: g.findCycle(inDeg),
			Msg: "workflow graph contains a cycle"}
	}
	g.order = order
	return nil
}

// findCycle walks forward from any node left with positive in-degree until
// a repeat, then trims the walk to the cycle itself.
func (g *Graph) findCycle(inDeg map[string]int) []string {
	var stuck []string
	for id, d := range inDeg {
		if d > 0 {
			stuck = append(stuck, id)
		}
	}
	if len(stuck) == 0 {
		return nil
	}
	sort.Strings(stuck)

	inCycle := make(map[string]bool, len(stuck))
	for _, id := range stuck {
		inCycle[id] = true
	}

	seen := make(map[string]int)
	path := []string{stuck[0]}
	seen[stuck[0]] = 0
	cur := stuck[0]
	for {
		next := ""
		for _, succ := range g.forward[cur] {
			if inCycle[succ] {
				next = succ
				break
			}
		}
		if next == "" {
			return path
		}
		if at, ok := seen[next]; ok {
			return append(path[at:], next)
		}
		seen[next] = len(path)
		path = append(path, next)
		cur = next
	}
}

// buildTransitive computes per-node transitive predecessor sets by folding
// direct predecessors in topological order.
func (g *Graph) buildTransitive() {
	for _, id := range g.order {
		set := make(map[string]bool)
		for _, pred := range g.reverse[id] {
			set[pred] = true
			for up := range g.transitive[pred] {
				set[up] = true
			}
		}
		g.transitive[id] = set
	}
}
