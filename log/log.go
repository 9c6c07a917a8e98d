package log

import (
	"context"
	"log/slog"

	"github.com/recomma/polycopy/pkg/tasklog"
	"github.com/recomma/polycopy/polycopy"
)

type ctxLoggerKey struct{}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	return LoggerFromContextOr(ctx, slog.Default())
}

// LoggerFromContextOr returns the logger carried by ctx, or fallback.
func LoggerFromContextOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return fallback
}

// TaskLogger scopes logger to task. Records written through it are picked up
// by the task log sink.
func TaskLogger(logger *slog.Logger, task polycopy.Task) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(
		slog.String(tasklog.TaskIDKey, task.ID),
		slog.String("kind", string(task.Kind)),
		slog.String("target", task.TargetAccount),
	)
}
