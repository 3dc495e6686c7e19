// Package logger provides the process-wide ZAP logger, context carriage and
// the redaction helpers RedactTokens and RedactTarget. The loggers do not
// redact anything themselves: text is scrubbed only where a caller passes it
// through one of the helpers before logging or auditing it.
package logger

import (
	"context"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// contextKey is a custom type for context keys to avoid collisions
type contextKey string

const loggerKey contextKey = "logger"

// PrepareLogger creates a new ZAP logger and stores it in the context.
// It returns a new context with the logger and the logger itself.
func PrepareLogger(ctx context.Context) (context.Context, *zap.Logger) {
	logger := NewLoggerFromEnv()
	return context.WithValue(ctx, loggerKey, logger), logger
}

// GetLogger retrieves the logger from the context.
// If no logger is found, it creates a new production logger and returns it.
// This ensures GetLogger never returns nil.
func GetLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return NewProductionLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return NewProductionLogger()
}

// WithLogger stores an existing logger in the context.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithFields creates a sub-logger with additional fields from the parent
// logger in context. The sub-logger is stored back in the context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	logger := GetLogger(ctx)
	return context.WithValue(ctx, loggerKey, logger.With(fields...))
}

// WithComponent creates a sub-logger with a "component" field.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithFields(ctx, zap.String("component", component))
}

// NewProductionLogger creates a new production-ready ZAP logger.
// It logs at INFO level and above to stderr in JSON format.
func NewProductionLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewDevelopmentLogger creates a new development-friendly ZAP logger.
func NewDevelopmentLogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewLoggerFromEnv creates a logger based on the PODUP_PROFILE environment
// variable. dev gets the console logger, everything else JSON.
func NewLoggerFromEnv() *zap.Logger {
	profile := os.Getenv("PODUP_PROFILE")
	if profile == "dev" || profile == "development" {
		return NewDevelopmentLogger()
	}
	return NewProductionLogger()
}

// Sync flushes any buffered log entries from the logger in the context.
func Sync(ctx context.Context) error {
	return GetLogger(ctx).Sync()
}

var tokenPattern = regexp.MustCompile(`(?i)(token=)[^&\s"']+`)

// RedactTokens replaces the value of any token= pair in s. Applied to query
// strings and free-form text before they reach a log line or an audit row.
func RedactTokens(s string) string {
	return tokenPattern.ReplaceAllString(s, "${1}***REDACTED***")
}

// RedactTarget blanks every occurrence of an SSH target in s when the target
// is not a plain alias. Alias targets (host names from ssh_config) are safe
// to keep; anything with user@, ports or option-looking content is not.
func RedactTarget(s, target string) string {
	if target == "" || TargetIsAlias(target) {
		return s
	}
	return strings.ReplaceAll(s, target, "<redacted>")
}

// TargetIsAlias reports whether an SSH target is a bare alias:
// only [A-Za-z0-9_-].
func TargetIsAlias(target string) bool {
	if target == "" {
		return false
	}
	for _, r := range target {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
