package aob

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// RunState is the full in-memory state of a run, reconstructible from the
// event sequence alone. Snapshots persist it verbatim; the reducer in
// reducer.go is its only transition function.
type RunState struct {
	// SpecID identifies the workflow definition driving the run.
	SpecID string `json:"spec_id"`

	// Bag is the user-facing context: initial input plus approval values.
	Bag map[string]any `json:"bag"`

	// Outputs holds completed node outputs by node id.
	Outputs map[string]map[string]any `json:"outputs"`

	// Ready is the ordered set of node ids eligible for execution,
	// maintained in topological-then-id order.
	Ready []string `json:"ready"`

	// PendingHumans maps awaiting human nodes to their approval keys.
	PendingHumans map[string]string `json:"pending_humans"`

	// Completed marks nodes whose work finished successfully (task/agent
	// completion and approved human checkpoints).
	Completed map[string]bool `json:"completed"`

	// Failed marks nodes with a recorded node.failed event.
	Failed map[string]bool `json:"failed"`

	// Attempts is the durable per-node attempt counter, taken from
	// node.started payloads.
	Attempts map[string]int `json:"attempts"`

	// InFlight marks nodes with a node.started not yet matched by a
	// completion or failure.
	InFlight map[string]bool `json:"in_flight"`

	// Terminated is set by a terminal event.
	Terminated bool `json:"terminated"`

	// Output is the final output from workflow.completed.
	Output map[string]any `json:"output,omitempty"`

	// FailureReason is the reason code from workflow.failed: policy_denied,
	// rejected, node_failed, projection_failed, cancelled, or shutdown.
	FailureReason string `json:"failure_reason,omitempty"`

	// FailureDetail is the human-readable detail accompanying the reason
	// code, when any.
	FailureDetail string `json:"failure_detail,omitempty"`

	// Seq is the sequence number of the last event folded in.
	Seq int64 `json:"seq"`
}

// NewRunState returns the empty pre-start state.
func NewRunState() RunState {
	return RunState{
		Bag:           map[string]any{},
		Outputs:       map[string]map[string]any{},
		PendingHumans: map[string]string{},
		Completed:     map[string]bool{},
		Failed:        map[string]bool{},
		Attempts:      map[string]int{},
		InFlight:      map[string]bool{},
	}
}

// Clone deep-copies the state so reducer applications never alias.
func (s RunState) Clone() RunState {
	out := s
	out.Bag = deepCopyMap(s.Bag)
	out.Outputs = make(map[string]map[string]any, len(s.Outputs))
	for id, o := range s.Outputs {
		out.Outputs[id] = deepCopyMap(o)
	}
	out.Ready = append([]string(nil), s.Ready...)
	out.PendingHumans = copyStringMap(s.PendingHumans)
	out.Completed = copyBoolMap(s.Completed)
	out.Failed = copyBoolMap(s.Failed)
	out.Attempts = copyIntMap(s.Attempts)
	out.InFlight = copyBoolMap(s.InFlight)
	out.Output = deepCopyMap(s.Output)
	return out
}

// Marshal serializes the state for a snapshot.
func (s RunState) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// UnmarshalRunState restores a snapshotted state.
func UnmarshalRunState(raw json.RawMessage) (RunState, error) {
	st := NewRunState()
	if err := json.Unmarshal(raw, &st); err != nil {
		return RunState{}, fmt.Errorf("unmarshal run state: %w", err)
	}
	// JSON round-trips may null out empty maps.
	if st.Bag == nil {
		st.Bag = map[string]any{}
	}
	if st.Outputs == nil {
		st.Outputs = map[string]map[string]any{}
	}
	if st.PendingHumans == nil {
		st.PendingHumans = map[string]string{}
	}
	if st.Completed == nil {
		st.Completed = map[string]bool{}
	}
	if st.Failed == nil {
		st.Failed = map[string]bool{}
	}
	if st.Attempts == nil {
		st.Attempts = map[string]int{}
	}
	if st.InFlight == nil {
		st.InFlight = map[string]bool{}
	}
	return st, nil
}

// insertReady adds id to the ready set in topological-then-id order.
// Duplicates are ignored.
func (s *RunState) insertReady(g *Graph, id string) {
	for _, existing := range s.Ready {
		if existing == id {
			return
		}
	}
	s.Ready = append(s.Ready, id)
	sort.Slice(s.Ready, func(i, j int) bool { return g.Less(s.Ready[i], s.Ready[j]) })
}

// removeReady drops id from the ready set.
func (s *RunState) removeReady(id string) {
	for i, existing := range s.Ready {
		if existing == id {
			s.Ready = append(s.Ready[:i], s.Ready[i+1:]...)
			return
		}
	}
}

// Project evaluates a node's context projection against this state.
// An empty projection yields the whole bag. Non-map results are wrapped
// under "value" so outputs always merge cleanly.
func (s RunState) Project(program *vm.Program, correlationID string) (map[string]any, error) {
	if program == nil {
		return deepCopyMap(s.Bag), nil
	}
	outputs := make(map[string]any, len(s.Outputs))
	for id, o := range s.Outputs {
		outputs[id] = deepCopyMap(o)
	}
	env := map[string]any{
		"bag":            deepCopyMap(s.Bag),
		"nodes":          outputs,
		"spec_id":        s.SpecID,
		"correlation_id": correlationID,
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	if m, ok := result.(map[string]any); ok {
		return m, nil
	}
	return map[string]any{"value": result}, nil
}

// deepCopyMap copies JSON-shaped data (maps, slices, scalars).
func deepCopyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyBoolMap(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
