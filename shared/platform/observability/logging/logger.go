package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logger used across the service.
type Logger interface {
	Debug(ctx context.Context, message string, fields ...map[string]interface{})
	Info(ctx context.Context, message string, fields ...map[string]interface{})
	Warn(ctx context.Context, message string, fields ...map[string]interface{})
	Error(ctx context.Context, message string, err error, fields ...map[string]interface{})
	With(fields map[string]interface{}) Logger
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	traceIDKey
)

// ContextWithRequestID stores the request id so every log line emitted while
// handling the request carries it.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// ContextWithTraceID overrides the trace id otherwise taken from the active span.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SlogLogger implements Logger on top of log/slog.
type SlogLogger struct {
	logger *slog.Logger
	fields map[string]interface{}
}

// ParseLevel maps a textual level onto slog; unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewLogger writes JSON lines to stdout.
func NewLogger(level string) (Logger, error) {
	return NewLoggerWithWriter(os.Stdout, level, "json")
}

// NewLoggerWithWriter builds a logger writing to w in "json" or "text" format.
func NewLoggerWithWriter(w io.Writer, level, format string) (Logger, error) {
	if w == nil {
		return nil, fmt.Errorf("log writer is nil")
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: true,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}

	return &SlogLogger{
		logger: slog.New(handler),
		fields: make(map[string]interface{}),
	}, nil
}

func (l *SlogLogger) Debug(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, slog.LevelDebug, message, nil, fields...)
}

func (l *SlogLogger) Info(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, slog.LevelInfo, message, nil, fields...)
}

func (l *SlogLogger) Warn(ctx context.Context, message string, fields ...map[string]interface{}) {
	l.log(ctx, slog.LevelWarn, message, nil, fields...)
}

func (l *SlogLogger) Error(ctx context.Context, message string, err error, fields ...map[string]interface{}) {
	l.log(ctx, slog.LevelError, message, err, fields...)
}

// With returns a child logger; the receiver is not modified.
func (l *SlogLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &SlogLogger{logger: l.logger, fields: merged}
}

func (l *SlogLogger) log(ctx context.Context, level slog.Level, message string, err error, fields ...map[string]interface{}) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !l.logger.Enabled(ctx, level) {
		return
	}

	attrs := appendSorted(nil, l.fields)
	for _, m := range fields {
		attrs = appendSorted(attrs, m)
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if traceID := TraceIDFromContext(ctx); traceID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		attrs = append(attrs, slog.String("request_id", requestID))
	}

	l.logger.LogAttrs(ctx, level, message, attrs...)
}

func appendSorted(attrs []slog.Attr, m map[string]interface{}) []slog.Attr {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, m[k]))
	}
	return attrs
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(ctx context.Context, message string, fields ...map[string]interface{}) {}
func (n *NoOpLogger) Info(ctx context.Context, message string, fields ...map[string]interface{})  {}
func (n *NoOpLogger) Warn(ctx context.Context, message string, fields ...map[string]interface{})  {}
func (n *NoOpLogger) Error(ctx context.Context, message string, err error, fields ...map[string]interface{}) {
}
func (n *NoOpLogger) With(fields map[string]interface{}) Logger { return n }

// NewServiceLogger creates a logger tagged with the service name and version.
func NewServiceLogger(serviceName, serviceVersion, logLevel, logFormat string) (Logger, error) {
	logger, err := NewLoggerWithWriter(os.Stdout, logLevel, logFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return logger.With(map[string]interface{}{
		"service":         serviceName,
		"service_version": serviceVersion,
	}), nil
}
