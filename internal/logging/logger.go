// Package logging configures the global zap logger for the daemon.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init installs a production JSON logger at the given level ("debug",
// "info", "warn", "error"). Unknown levels fall back to info. Components
// log through zap.S().
func Init(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// InitForTests installs a no-op logger so test output stays readable.
func InitForTests() {
	zap.ReplaceGlobals(zap.NewNop())
}

// Sync flushes buffered log entries, called on shutdown.
func Sync() {
	zap.S().Sync()
}
