// Package logger provides structured logging using Go 1.21's log/slog.
// It sets up a JSON handler with service-level context, an optional
// size-rotated file sink, and trace ID propagation through
// context.Context. The file sink feeds the log API routes.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	return initWriter(service, level, os.Stdout)
}

// FileConfig configures the rotating file sink.
type FileConfig struct {
	Path       string
	MaxSizeMB  int // default 10
	MaxBackups int // default 3
	MaxAgeDays int // default 14
}

// InitWithFile is Init plus a size-rotated file sink. Both the slog
// output and the stdlib log output are teed into the file, so the
// operational log.Printf lines show up in the log routes too.
func InitWithFile(service string, level slog.Level, fc FileConfig) *slog.Logger {
	if fc.MaxSizeMB <= 0 {
		fc.MaxSizeMB = 10
	}
	if fc.MaxBackups <= 0 {
		fc.MaxBackups = 3
	}
	if fc.MaxAgeDays <= 0 {
		fc.MaxAgeDays = 14
	}
	sink := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, sink))
	return initWriter(service, level, io.MultiWriter(os.Stdout, sink))
}

// ParseLevel maps a config string ("debug", "info", "warn", "error")
// to a slog level. Unknown values fall back to info.
func ParseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func initWriter(service string, level slog.Level, w io.Writer) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// tailReadLimit bounds how much of the file a single tail reads.
const tailReadLimit = 256 * 1024

// Tail returns the last n lines of the log file. A missing file yields
// an empty slice. Reads at most tailReadLimit bytes from the file end;
// a partial first line inside that window is dropped.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	readFrom := int64(0)
	if st.Size() > tailReadLimit {
		readFrom = st.Size() - tailReadLimit
	}
	if _, err := f.Seek(readFrom, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if readFrom > 0 && len(lines) > 1 {
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// Truncate empties the log file in place. A missing file is fine.
func Truncate(path string) error {
	err := os.Truncate(path, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a tag and timestamp.
// Format: "{tag}-{unixNano}". Lightweight, no UUID dependency.
func GenerateTraceID(tag string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", tag, ts.UnixNano())
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}
