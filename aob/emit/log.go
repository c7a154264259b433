package emit

import "github.com/rs/zerolog"

// LogEmitter writes events through a zerolog logger, one structured line
// per event. Events carrying an "error" meta key log at warn level,
// everything else at debug.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a LogEmitter on the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	entry := l.logger.Debug()
	if _, hasErr := event.Meta["error"]; hasErr {
		entry = l.logger.Warn()
	}
	entry = entry.Str("correlation_id", event.CorrelationID)
	if event.Seq > 0 {
		entry = entry.Int64("seq", event.Seq)
	}
	if event.NodeID != "" {
		entry = entry.Str("node", event.NodeID)
	}
	for key, value := range event.Meta {
		entry = entry.Interface(key, value)
	}
	entry.Msg(event.Msg)
}
