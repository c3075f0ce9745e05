// Package logging provides the zap-backed core.ILogger implementation
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"perp_backtester/internal/core"
)

// Logger wraps a zap sugared logger behind core.ILogger
type Logger struct {
	s *zap.SugaredLogger
}

// NewLogger creates a logger at the given level ("DEBUG", "INFO",
// "WARN", "ERROR"). Unknown levels default to INFO.
func NewLogger(level string) *Logger {
	zl := zapcore.InfoLevel
	switch strings.ToUpper(level) {
	case "DEBUG":
		zl = zapcore.DebugLevel
	case "WARN":
		zl = zapcore.WarnLevel
	case "ERROR":
		zl = zapcore.ErrorLevel
	case "FATAL":
		zl = zapcore.FatalLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		// Config above is static; Build only fails on bad output paths.
		logger = zap.NewNop()
	}
	return &Logger{s: logger.Sugar()}
}

// NewNop returns a logger that discards everything (for tests)
func NewNop() *Logger {
	return &Logger{s: zap.NewNop().Sugar()}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.s.Debugw(msg, fields...) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.s.Infow(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.s.Warnw(msg, fields...) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.s.Errorw(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...interface{}) { l.s.Fatalw(msg, fields...) }

// WithField returns a logger with an additional field
func (l *Logger) WithField(key string, value interface{}) core.ILogger {
	return &Logger{s: l.s.With(key, value)}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) core.ILogger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{s: l.s.With(args...)}
}

// Sync flushes buffered log entries. Errors from syncing stdout are
// ignored, they are expected on some platforms.
func (l *Logger) Sync() {
	_ = l.s.Sync()
}
