package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawlcore/internal/progress"
)

// LogSink emits structured logs for progress streams. Per-request stages are
// logged at debug level; run milestones and drops at info.
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
		level := zapcore.DebugLevel
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageIdle, progress.StageDropped:
			level = zapcore.InfoLevel
		}
		if !s.logger.Core().Enabled(level) {
			continue
		}
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int("priority", evt.Priority),
			)
		}
		if evt.Stage == progress.StageFetchDone {
			fields = append(fields,
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
			)
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", string(evt.Reason)))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(level, "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
