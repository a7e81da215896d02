package training

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with training-specific context.
// It is passed explicitly to every component that logs.
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
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that writes JSON records to w.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger creates a Logger that writes human-readable records to w.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithSubModel tags records with a sub-model name.
func (l *Logger) WithSubModel(s SubModel) *Logger {
	return &Logger{Logger: l.Logger.With("submodel", s.String())}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

func loggerOrNoop(l *Logger) *Logger {
	if l == nil {
		return NoopLogger()
	}
	return l
}
