package logging

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

// Context keys for request-scoped log fields. Handlers stash these once
// and every log line in the call chain picks them up.
const (
	CorrelationIDKey contextKey = "correlation_id"
	SessionIDKey     contextKey = "session_id"
	RoomIDKey        contextKey = "room_id"
)

const serviceName = "stateroom"

// Initialize builds the process-wide logger. Development mode gets the
// colored console encoder; production gets JSON with ISO8601 timestamps.
// Safe to call more than once, only the first call configures anything.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if development {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}

		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}

		// Callers go through the package-level helpers, so skip one frame
		// to report their call site.
		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the process logger, or a throwaway development logger
// when Initialize has not run (tests, early startup).
func GetLogger() *zap.Logger {
	if logger == nil {
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// Debug logs a message at DebugLevel. Dropped events and ignored
// messages log here so production stays quiet by default.
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel with context fields attached.
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel with context fields attached.
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel with context fields attached.
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel and exits.
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

var contextFieldKeys = []struct {
	key  contextKey
	name string
}{
	{CorrelationIDKey, "correlation_id"},
	{SessionIDKey, "session_id"},
	{RoomIDKey, "room_id"},
}

// appendContextFields copies the known context values into log fields and
// stamps the service name on every entry.
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	for _, k := range contextFieldKeys {
		if v, ok := ctx.Value(k.key).(string); ok {
			fields = append(fields, zap.String(k.name, v))
		}
	}
	return append(fields, zap.String("service", serviceName))
}

// RedactEmail masks the local part of an email address so player
// identities stay out of the logs.
func RedactEmail(email string) string {
	if email == "" {
		return ""
	}
	if idx := strings.IndexByte(email, '@'); idx > 0 {
		return "***" + email[idx:]
	}
	return "***"
}
