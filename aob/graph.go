package aob

import (
	"fmt"
	"time"

	"github.com/expr-lang/expr/vm"
)

// NodeKind classifies node behavior.
type NodeKind int

const (
	// KindTask is deterministic work: a pure projection, or an invoker
	// whose result is recorded as the node output.
	KindTask NodeKind = iota

	// KindAgent invokes an external model/tool chain; results are captured
	// verbatim.
	KindAgent

	// KindHuman suspends the run until an external approval arrives.
	KindHuman

	// KindTerminal has no outgoing edges and produces the final output.
	KindTerminal
)

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindAgent:
		return "agent"
	case KindHuman:
		return "human"
	case KindTerminal:
		return "terminal"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

func parseNodeKind(s string) (NodeKind, error) {
	switch s {
	case "task":
		return KindTask, nil
	case "agent":
		return KindAgent, nil
	case "human":
		return KindHuman, nil
	case "terminal":
		return KindTerminal, nil
	}
	return 0, fmt.Errorf("unknown node kind %q", s)
}

// Node is a compiled node. The projection program is compiled once at
// graph compile time and shared by every run.
type Node struct {
	ID          string
	Name        string
	Kind        NodeKind
	ExprSrc     string
	Program     *vm.Program // nil when ExprSrc is empty
	ApprovalKey string
	Invoker     string
	Prompt      string
	Model       string
	MaxTokens   int
	Timeout     time.Duration // zero: engine default
	Retry       RetryPolicy
}

// Edge is a compiled edge.
type Edge struct {
	From     string
	To       string
	Policies []string

	// OnFailure marks a compensation reservation: the edge is parsed and
	// kept, but takes no part in gating, joins, or scheduling.
	OnFailure bool
}

// Graph is a compiled, validated workflow. Immutable after Compile; safe
// for concurrent use by any number of runs.
type Graph struct {
	SpecID string
	Start  string

	nodes map[string]*Node
	edges map[string]map[string]*Edge // from -> to, execution edges only
	comp  []*Edge                     // on_failure reservations

	forward   map[string][]string // sorted by id
	reverse   map[string][]string // sorted by id
	topoIndex map[string]int
	order     []string // topological order, id tiebreak

	transitive map[string]map[string]bool
}

// Node returns the node by id, or nil.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// Nodes returns node ids in topological order.
func (g *Graph) Nodes() []string { return append([]string(nil), g.order...) }

// Successors returns the execution successors of id, sorted by id.
func (g *Graph) Successors(id string) []string { return g.forward[id] }

// Predecessors returns the direct execution predecessors of id, sorted by id.
func (g *Graph) Predecessors(id string) []string { return g.reverse[id] }

// Edge returns the execution edge from→to, or nil.
func (g *Graph) Edge(from, to string) *Edge {
	if m, ok := g.edges[from]; ok {
		return m[to]
	}
	return nil
}

// CompensationEdges returns the on_failure reservations.
func (g *Graph) CompensationEdges() []*Edge { return append([]*Edge(nil), g.comp...) }

// TopoIndex returns the node's position in the deterministic topological
// order. Ready-set ordering is topological index, then id.
func (g *Graph) TopoIndex(id string) int { return g.topoIndex[id] }

// TransitivePredecessors reports every node upstream of id.
func (g *Graph) TransitivePredecessors(id string) map[string]bool { return g.transitive[id] }

// Terminals returns the terminal node ids, sorted topologically.
func (g *Graph) Terminals() []string {
	var out []string
	for _, id := range g.order {
		if g.nodes[id].Kind == KindTerminal {
			out = append(out, id)
		}
	}
	return out
}

// Less orders ready candidates: topological index first, id second.
func (g *Graph) Less(a, b string) bool {
	ia, ib := g.topoIndex[a], g.topoIndex[b]
	if ia != ib {
		return ia < ib
	}
	return a < b
}
