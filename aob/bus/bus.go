// Package bus defines the outbound event transport.
//
// The outbox publisher delivers stored events here with at-least-once
// semantics: consumers must deduplicate by event id. Publish is keyed by
// correlation id, and the publisher never submits a run's next event before
// the previous one succeeded, so per-key order is preserved end to end on
// any transport that orders by key (a partitioned topic, a single channel,
// a log).
package bus

import (
	"context"

	"github.com/aobuild/aob-go/aob/event"
)

// Bus publishes run events to downstream consumers.
type Bus interface {
	// Publish delivers one event under the given partition key (the
	// correlation id). An error leaves the event unpublished; the outbox
	// publisher will retry it.
	Publish(ctx context.Context, key string, evt event.Event) error
}

// Func adapts a function to the Bus interface.
type Func func(ctx context.Context, key string, evt event.Event) error

// Publish implements Bus.
func (f Func) Publish(ctx context.Context, key string, evt event.Event) error {
	return f(ctx, key, evt)
}
