// Package logging provides structured key-value logging for all
// components, backed by zap. Components receive child loggers through
// dependency injection; package-level functions log through a shared
// default logger.
package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextKey is the type of keys this package places in a context.
type ContextKey string

// TraceIDKey carries the request trace id through a context.
const TraceIDKey ContextKey = "trace_id"

// Logger is a structured key-value logger.
type Logger struct {
	sugar *zap.SugaredLogger
}

// New creates a logger for the given mode. Production mode emits JSON
// with ISO8601 timestamps; any other mode uses the development console
// encoder. Level comes from LTMC_LOG_LEVEL (debug, info, warn, error).
func New(mode string) (*Logger, error) {
	var cfg zap.Config
	switch strings.ToLower(mode) {
	case "prod", "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(levelFromEnv())
	zl, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &Logger{sugar: zl.Sugar()}, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("LTMC_LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Debug logs at debug level with alternating key/value fields
func (l *Logger) Debug(msg string, fields ...any) { l.sugar.Debugw(msg, fields...) }

// Info logs at info level with alternating key/value fields
func (l *Logger) Info(msg string, fields ...any) { l.sugar.Infow(msg, fields...) }

// Warn logs at warn level with alternating key/value fields
func (l *Logger) Warn(msg string, fields ...any) { l.sugar.Warnw(msg, fields...) }

// Error logs at error level with alternating key/value fields
func (l *Logger) Error(msg string, fields ...any) { l.sugar.Errorw(msg, fields...) }

// Fatal logs at fatal level and exits
func (l *Logger) Fatal(msg string, fields ...any) { l.sugar.Fatalw(msg, fields...) }

// With returns a child logger carrying the given fields
func (l *Logger) With(fields ...any) *Logger {
	return &Logger{sugar: l.sugar.With(fields...)}
}

// WithComponent returns a child logger tagged with a component name
func (l *Logger) WithComponent(component string) *Logger {
	return l.With("component", component)
}

// WithTraceID returns a child logger tagged with a trace id
func (l *Logger) WithTraceID(traceID string) *Logger {
	return l.With("trace_id", traceID)
}

// InfoContext logs at info level, attaching the context's trace id
func (l *Logger) InfoContext(ctx context.Context, msg string, fields ...any) {
	l.withCtx(ctx).Info(msg, fields...)
}

// WarnContext logs at warn level, attaching the context's trace id
func (l *Logger) WarnContext(ctx context.Context, msg string, fields ...any) {
	l.withCtx(ctx).Warn(msg, fields...)
}

// ErrorContext logs at error level, attaching the context's trace id
func (l *Logger) ErrorContext(ctx context.Context, msg string, fields ...any) {
	l.withCtx(ctx).Error(msg, fields...)
}

// DebugContext logs at debug level, attaching the context's trace id
func (l *Logger) DebugContext(ctx context.Context, msg string, fields ...any) {
	l.withCtx(ctx).Debug(msg, fields...)
}

func (l *Logger) withCtx(ctx context.Context) *Logger {
	if id := TraceIDFromContext(ctx); id != "" {
		return l.WithTraceID(id)
	}
	return l
}

// Sync flushes buffered log entries
func (l *Logger) Sync() {
	_ = l.sugar.Sync()
}

// WithTraceIDContext stores a trace id in the context, generating one
// when absent.
func WithTraceIDContext(ctx context.Context) (context.Context, string) {
	if id := TraceIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()
	return context.WithValue(ctx, TraceIDKey, id), id
}

// TraceIDFromContext extracts the trace id from a context, if present.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(TraceIDKey).(string); ok {
		return id
	}
	return ""
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = NewNop()
)

// SetDefault installs the process-wide default logger used by the
// package-level functions.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// Default returns the process-wide default logger.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Debug logs at debug level through the default logger
func Debug(msg string, fields ...any) { Default().Debug(msg, fields...) }

// Info logs at info level through the default logger
func Info(msg string, fields ...any) { Default().Info(msg, fields...) }

// Warn logs at warn level through the default logger
func Warn(msg string, fields ...any) { Default().Warn(msg, fields...) }

// Error logs at error level through the default logger
func Error(msg string, fields ...any) { Default().Error(msg, fields...) }
