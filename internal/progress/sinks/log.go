package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/chapterd/internal/progress"
)

// LogSink mirrors every event into the structured log.
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

// Consume logs each event at a level derived from the event level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Uint64("seq", evt.Seq),
			zap.String("stage", string(evt.Stage)),
			zap.String("work", evt.Work),
		}
		if evt.TicketID != "" {
			fields = append(fields, zap.String("ticket_id", evt.TicketID))
		}
		if evt.Chapter > 0 {
			fields = append(fields, zap.Int("chapter", evt.Chapter))
		}
		if evt.Image > 0 {
			fields = append(fields, zap.Int("image", evt.Image))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Attempts > 0 {
			fields = append(fields, zap.Int("attempts", evt.Attempts))
		}
		if evt.State != "" {
			fields = append(fields, zap.String("state", evt.State))
		}
		if evt.ErrorClass != "" {
			fields = append(fields, zap.String("error_class", string(evt.ErrorClass)))
		}
		msg := evt.Message
		if msg == "" {
			msg = "progress event"
		}
		if ce := s.logger.Check(levelFor(evt), msg); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

func levelFor(evt progress.Event) zapcore.Level {
	switch evt.Level {
	case progress.LevelError:
		return zapcore.ErrorLevel
	case progress.LevelWarning:
		return zapcore.WarnLevel
	}
	switch evt.Stage {
	case progress.StageImageSucceeded, progress.StageImageSkipped, progress.StageSnapshotSaved, progress.StageNavigatorState:
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
