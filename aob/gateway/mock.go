package gateway

import (
	"context"
	"sync"
)

// MockInvoker is a scripted Invoker for tests.
//
// Results are scripted per node id: each Invoke consumes the next scripted
// outcome for that node, and the last outcome repeats once the script is
// exhausted. Unscripted nodes succeed with an empty output.
type MockInvoker struct {
	mu      sync.Mutex
	scripts map[string][]mockOutcome
	served  map[string]int
	calls   []Request
}

type mockOutcome struct {
	resp Response
	err  error
}

// NewMockInvoker creates an empty mock.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		scripts: make(map[string][]mockOutcome),
		served:  make(map[string]int),
	}
}

// Succeed scripts a successful invocation for node with the given output.
func (m *MockInvoker) Succeed(node string, output map[string]any) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[node] = append(m.scripts[node], mockOutcome{resp: Response{Output: output}})
	return m
}

// SucceedWithUsage scripts a success that also reports token usage.
func (m *MockInvoker) SucceedWithUsage(node string, output map[string]any, model string, in, out int64) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[node] = append(m.scripts[node], mockOutcome{resp: Response{
		Output: output, Model: model, InputTokens: in, OutputTokens: out,
	}})
	return m
}

// Fail scripts a failure for node.
func (m *MockInvoker) Fail(node, code, msg string, transient bool) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[node] = append(m.scripts[node], mockOutcome{
		err: &Error{Code: code, Message: msg, Transient: transient},
	})
	return m
}

// Hang scripts an invocation that blocks until the context is cancelled,
// simulating a wedged tool. The node fails with the context's error.
func (m *MockInvoker) Hang(node string) *MockInvoker {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[node] = append(m.scripts[node], mockOutcome{
		err: &Error{Code: "hang", Transient: true},
	})
	return m
}

// Invoke implements Invoker.
func (m *MockInvoker) Invoke(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	script := m.scripts[req.Node]
	idx := m.served[req.Node]
	m.served[req.Node]++
	m.mu.Unlock()

	if len(script) == 0 {
		return Response{Output: map[string]any{}}, nil
	}
	if idx >= len(script) {
		idx = len(script) - 1
	}
	outcome := script[idx]

	var ge *Error
	if outcome.err != nil {
		if e, ok := outcome.err.(*Error); ok && e.Code == "hang" {
			<-ctx.Done()
			return Response{}, &Error{Code: "timeout", Message: ctx.Err().Error(), Transient: true}
		}
		ge = outcome.err.(*Error)
		return Response{}, ge
	}
	return outcome.resp, nil
}

// Calls returns every request seen, in order.
func (m *MockInvoker) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

// CallCount returns how many times node was invoked.
func (m *MockInvoker) CallCount(node string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.served[node]
}
