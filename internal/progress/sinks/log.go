package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/bulletin-crawler/internal/progress"
)

// LogSink emits structured logs for task lifecycle events. Progress ticks are
// logged at debug level to keep production logs readable.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StageTaskProgress:
			level = zapcore.DebugLevel
		case progress.StageTaskFailed, progress.StageDocumentError, progress.StageTaskRejected:
			level = zapcore.WarnLevel
		}
		if ce := s.logger.Check(level, "task event"); ce != nil {
			ce.Write(
				zap.String("task_id", evt.TaskID),
				zap.String("task_type", evt.TaskType),
				zap.String("owner_id", evt.OwnerID),
				zap.String("stage", string(evt.Stage)),
				zap.Float64("percent", evt.Percent),
				zap.Int64("bytes", evt.Bytes),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
				zap.Time("ts", evt.TS),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
