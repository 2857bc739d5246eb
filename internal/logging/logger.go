// Package logging owns the process-wide zap logger. Subsystems take a
// Named child at construction time; package funcs cover the bootstrap
// path before any subsystem exists.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

func init() {
	// Stand-in until main calls SetGlobal with the configured logger.
	globalLogger, _ = zap.NewProduction()
}

// New builds the gateway logger. Unknown level strings fall back to
// info so a typo in the config never silences a node.
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	// Callers reach zap through the package funcs below.
	return cfg.Build(zap.AddCallerSkip(1))
}

// Global returns the current process logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal swaps the process logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Named returns a child logger scoped to a subsystem (router, gate,
// proxy, ...).
func Named(name string) *zap.Logger {
	return Global().Named(name)
}

// Info logs at info level through the process logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level through the process logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level through the process logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}

// Debug logs at debug level through the process logger.
func Debug(msg string, fields ...zap.Field) {
	Global().Debug(msg, fields...)
}

// Sync flushes buffered entries on shutdown.
func Sync() {
	Global().Sync()
}
