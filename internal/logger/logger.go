package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output defaults to os.Stderr so stdout stays free for job results.
	Output io.Writer
	// ServiceName is attached to every record.
	ServiceName string
}

// New builds a slog.Logger for cfg.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}

	if cfg.ServiceName != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.ServiceName)})
	}
	return slog.New(handler)
}

// Install builds a logger for cfg and makes it the slog default, so packages that
// log through the slog top-level functions pick it up.
func Install(cfg Config) *slog.Logger {
	l := New(cfg)
	slog.SetDefault(l)
	return l
}

// WithJob returns l annotated with a job id.
func WithJob(l *slog.Logger, jobID string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("job_id", jobID))
}

// Writer adapts l into an io.Writer that logs each written chunk at info level.
// Progress bars render through it.
func Writer(l *slog.Logger, msg string) io.Writer {
	return &logWriter{l: l, msg: msg}
}

type logWriter struct {
	l   *slog.Logger
	msg string
}

func (w *logWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(strings.Trim(string(p), "\r"))
	if line != "" {
		w.l.Info(w.msg, "progress", line)
	}
	return len(p), nil
}

// ParseLevel converts a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
