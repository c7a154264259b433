package bus

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aobuild/aob-go/aob/event"
)

// LogBus writes published events to a zerolog logger. Useful as a
// development transport and as a tap alongside a real broker.
type LogBus struct {
	logger zerolog.Logger
}

// NewLogBus creates a bus that logs each published event at info level.
func NewLogBus(logger zerolog.Logger) *LogBus {
	return &LogBus{logger: logger}
}

// Publish implements Bus.
func (b *LogBus) Publish(ctx context.Context, key string, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.logger.Info().
		Str("key", key).
		Str("event_id", evt.ID).
		Str("type", string(evt.Type)).
		Int64("seq", evt.Seq).
		Interface("payload", evt.Payload).
		Msg("event published")
	return nil
}
