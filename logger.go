package bkd

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with consistent field names for build and merge
// events. Readers never log on the query path.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{Logger: slog.New(handler)}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{Logger: slog.New(handler)}
}

// WithTempPrefix tags the logger with the temp file prefix of one build.
func (l *Logger) WithTempPrefix(prefix string) *Logger {
	return &Logger{Logger: l.Logger.With("temp_prefix", prefix)}
}

// LogSpill logs that an in-memory point buffer spilled to disk.
func (l *Logger) LogSpill(points int64, bytes int64, file string) {
	l.Debug("point buffer spilled to disk",
		"points", points,
		"bytes", bytes,
		"file", file,
	)
}

// LogFinish logs a completed tree build.
func (l *Logger) LogFinish(points int64, leaves int, dataBytes int64) {
	l.Info("tree build completed",
		"points", points,
		"leaves", leaves,
		"data_bytes", dataBytes,
	)
}

// LogMerge logs the strategy chosen for a merge.
func (l *Logger) LogMerge(strategy string, readers int) {
	l.Info("merge started",
		"strategy", strategy,
		"readers", readers,
	)
}
