// pkg/logger/logger.go

package logger

import (
	"fmt"
	"os"

	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Initialize sets up the global zap and otelzap loggers. JSON output for the
// daemon, console encoding when attached to a terminal or when asked.
func Initialize(debug bool) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	log, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(log)
	otelzap.ReplaceGlobals(otelzap.New(log, otelzap.WithMinLevel(zapcore.DebugLevel)))
	return nil
}

// InitializeWithFallback never fails: if the production logger cannot be
// built we fall back to a bare console core so startup is still observable.
func InitializeWithFallback(debug bool) {
	if err := Initialize(debug); err == nil {
		return
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	log := zap.New(core)
	zap.ReplaceGlobals(log)
	otelzap.ReplaceGlobals(otelzap.New(log))
	log.Warn("Production logger unavailable, using console fallback")
}

// L returns the global logger.
func L() *zap.Logger {
	return zap.L()
}

// Sync flushes buffered log entries. Safe to call on exit.
func Sync() error {
	err := zap.L().Sync()
	// Syncing stderr on Linux returns EINVAL; not actionable.
	if err != nil && (os.Getenv("VAULTBOOT_DEBUG_SYNC") != "") {
		fmt.Fprintf(os.Stderr, "log sync: %v\n", err)
	}
	return nil
}
