// Package zap adapts go.uber.org/zap to the eventflow log.Logger contract.
package zap

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logpkg "github.com/nexolith/eventflow/log"
)

// Field is a typed structured logging field (zap alias kept for convenience methods).
type Field = zap.Field

// Logger is a strict structured logger that implements log.Logger.
//
// It intentionally does not expose printf/line/fatal helpers.
type Logger struct {
	logger      *zap.Logger
	atomicLevel zap.AtomicLevel
}

var _ logpkg.Logger = (*Logger)(nil)

// New creates a production JSON logger at the given level.
func New(level logpkg.Level) *Logger {
	atomicLevel := zap.NewAtomicLevelAt(logLevelToZap(level))

	cfg := zap.NewProductionConfig()
	cfg.Level = atomicLevel

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{logger: logger, atomicLevel: atomicLevel}
}

// FromZap wraps an existing zap logger.
func FromZap(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Logger{logger: logger, atomicLevel: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log implements log.Logger. If ctx carries an active OpenTelemetry span,
// trace_id and span_id are appended so logs correlate with traces.
func (l *Logger) Log(ctx context.Context, level logpkg.Level, msg string, fields ...logpkg.Field) {
	zapFields := logFieldsToZap(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zapFields = append(zapFields,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	switch level {
	case logpkg.LevelDebug:
		l.must().Debug(msg, zapFields...)
	case logpkg.LevelInfo:
		l.must().Info(msg, zapFields...)
	case logpkg.LevelWarn:
		l.must().Warn(msg, zapFields...)
	case logpkg.LevelError:
		l.must().Error(msg, zapFields...)
	default:
		l.must().Info(msg, zapFields...)
	}
}

// With returns a child logger with additional structured fields.
//
//nolint:ireturn
func (l *Logger) With(fields ...logpkg.Field) logpkg.Logger {
	return &Logger{
		logger:      l.must().With(logFieldsToZap(fields)...),
		atomicLevel: l.atomicLevel,
	}
}

// Enabled reports whether the logger would emit a log at the given level.
func (l *Logger) Enabled(level logpkg.Level) bool {
	return l.must().Core().Enabled(logLevelToZap(level))
}

// Sync flushes buffered logs, respecting context cancellation.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() {
		done <- l.must().Sync()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Raw returns the underlying zap logger.
func (l *Logger) Raw() *zap.Logger {
	return l.must()
}

func logLevelToZap(level logpkg.Level) zapcore.Level {
	switch level {
	case logpkg.LevelDebug:
		return zapcore.DebugLevel
	case logpkg.LevelInfo:
		return zapcore.InfoLevel
	case logpkg.LevelWarn:
		return zapcore.WarnLevel
	case logpkg.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logFieldsToZap(fields []logpkg.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}

	zapFields := make([]zap.Field, 0, len(fields))

	for _, field := range fields {
		switch value := field.Value.(type) {
		case string:
			zapFields = append(zapFields, zap.String(field.Key, value))
		case int:
			zapFields = append(zapFields, zap.Int(field.Key, value))
		case bool:
			zapFields = append(zapFields, zap.Bool(field.Key, value))
		case error:
			zapFields = append(zapFields, zap.String(field.Key, errString(value)))
		default:
			zapFields = append(zapFields, zap.Any(field.Key, value))
		}
	}

	return zapFields
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return fmt.Sprintf("%v", err)
}
