// Package logger wraps zap to give every component a consistently
// configured, component-scoped logger.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig configures logger construction.
type LoggingConfig struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

// Logger wraps a zap.Logger so call sites can use zap.Field helpers
// directly while this package controls construction.
type Logger struct {
	*zap.Logger
}

// NewLogger builds a Logger from the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zapcore.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = orDefault(cfg.Format, "json")
	if zapCfg.Encoding == "console" {
		zapCfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	l, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{Logger: l}, nil
}

// WithFields returns a child logger with the given structured fields
// attached to every subsequent entry, used to scope a logger to a
// component ("task-registry", "waitlist-scheduler", ...).
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

var defaultLogger *Logger

// SetDefault installs l as the process-wide default, used by code paths
// that run before per-component loggers are wired (e.g. early config
// failures).
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the process-wide default logger, falling back to a bare
// zap.NewNop logger if none has been installed.
func Default() *Logger {
	if defaultLogger == nil {
		return &Logger{Logger: zap.NewNop()}
	}
	return defaultLogger
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
