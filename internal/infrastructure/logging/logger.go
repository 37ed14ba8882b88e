package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/hivehub/internal/infrastructure/config"
)

const serviceName = "hivehub"

// Logger is the slog.Logger every hivehub component logs through. Each
// entry carries service and version attributes.
//
// Thread Safety:
//   - Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds a Logger from the logging config section.
//
// Output "file" appends to cfg.File.Path; when the file cannot be opened
// the logger writes to stderr and its first entry is a warning naming the
// path.
//
// Parameters:
//   - cfg: Level, format and destination
//   - version: Build version attached to every entry
func New(cfg config.LoggingConfig, version string) *Logger {
	w, openErr := destination(cfg)
	l := NewWithWriter(w, cfg, version)
	if openErr != nil {
		l.Warn("log file unavailable, using stderr", "path", cfg.File.Path, "error", openErr)
	}
	return l
}

func destination(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		return os.Stderr, nil
	case "file":
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return os.Stderr, err
		}
		return f, nil
	}
	return os.Stdout, nil
}

// NewWithWriter is New with an explicit destination; cfg.Output is ignored.
// Format "text" selects slog's key=value handler, anything else JSON.
func NewWithWriter(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
	return &Logger{Logger: slog.New(h)}
}

// parseLevel maps debug/info/warn(ing)/error, case-insensitively. Anything
// else is info.
func parseLevel(level string) slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return l
}

// With returns a child Logger carrying args on every entry, e.g.
// logger.With("component", "gateway").
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the JSON info-level stdout logger used until config is loaded.
func Default() *Logger {
	return NewWithWriter(os.Stdout, config.LoggingConfig{Level: "info"}, "unknown")
}

// Discard returns a Logger that drops every entry.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}
