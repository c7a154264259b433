// Package aob is the workflow engine core: compiled policy-gated DAGs
// executed as durable, event-sourced runs.
package aob

import (
	"errors"
	"fmt"
)

// ErrBusy is returned at admission when the run-driver pool is full. The
// caller may retry; nothing was started.
var ErrBusy = errors.New("run driver pool is full")

// ErrUnknownRun is returned for operations on a correlation id with no
// events.
var ErrUnknownRun = errors.New("unknown run")

// ErrUnknownGraph is returned by Start when the graph id is not registered.
var ErrUnknownGraph = errors.New("unknown graph")

// ErrNotPending is returned by Resume when the run has no matching pending
// human checkpoint.
var ErrNotPending = errors.New("no pending approval")

// ErrRunUnavailable is returned when the run's lease could not be acquired
// within the configured backoff budget. Another scheduler is driving the
// run, or the lease service is unreachable.
var ErrRunUnavailable = errors.New("run unavailable")

// ErrTerminated is returned for operations requiring a live run.
var ErrTerminated = errors.New("run already terminated")

// EngineError is a coded engine failure, for callers that branch on the
// failure class rather than the message.
type EngineError struct {
	// Code is a stable machine-readable class, e.g. "lease_lost",
	// "replay_mismatch", "shutdown".
	Code string

	// Message is human-readable detail.
	Message string

	// Err is the underlying cause, when any.
	Err error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("engine error [%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the cause to errors.Is/As.
func (e *EngineError) Unwrap() error { return e.Err }
