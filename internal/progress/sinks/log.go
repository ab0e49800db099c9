package sinks

import (
	"context"

	"github.com/JakeFAU/videre-progress/internal/progress"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogSink emits structured logs for debugging session streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Fallback
// ticks log at debug; failures at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Kind {
		case progress.KindFallbackTick, progress.KindUnrecognized:
			level = zapcore.DebugLevel
		case progress.KindDecodeError, progress.KindSessionError:
			level = zapcore.WarnLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		fields := []zap.Field{
			zap.String("session_id", evt.SessionUUID().String()),
			zap.String("kind", string(evt.Kind)),
			zap.String("topic", evt.Topic),
			zap.Int("percent", evt.Percent),
		}
		if evt.Stage != "" {
			fields = append(fields, zap.String("stage", evt.Stage))
		}
		if evt.Result != "" {
			fields = append(fields, zap.String("result", evt.Result))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		ce.Write(fields...)
	}
	return nil
}

// Close implements the Sink interface; it flushes buffered log output.
func (s *LogSink) Close(context.Context) error {
	_ = s.logger.Sync()
	return nil
}
