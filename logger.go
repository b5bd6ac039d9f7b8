package quiver

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/quiverdb/quiver/model"
)

// Logger wraps slog.Logger with engine-specific helpers so operations log
// with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses the default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// LogWrite logs one write operation.
func (l *Logger) LogWrite(ctx context.Context, op model.OpKind, id model.VectorID, epoch model.Epoch, err error) {
	if err != nil {
		l.ErrorContext(ctx, "write failed",
			"op", op.String(),
			"id", string(id),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "write committed",
			"op", op.String(),
			"id", string(id),
			"epoch", uint64(epoch),
		)
	}
}

// LogFlush logs a full flush with its durable outcome.
func (l *Logger) LogFlush(ctx context.Context, durableEpoch model.Epoch, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "flush completed",
			"durable_epoch", uint64(durableEpoch),
			"duration", duration,
		)
	}
}

// LogRecovery logs the startup recovery outcome.
func (l *Logger) LogRecovery(ctx context.Context, segments, entriesReplayed int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"segments", segments,
			"entries_replayed", entriesReplayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"segments", segments,
			"entries_replayed", entriesReplayed,
		)
	}
}
