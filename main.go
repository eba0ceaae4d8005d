// main.go

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/cmd"
	"github.com/cloudya/vaultboot/pkg/config"
	"github.com/cloudya/vaultboot/pkg/crederr"
	"github.com/cloudya/vaultboot/pkg/logger"
	"github.com/cloudya/vaultboot/pkg/shared"
	"github.com/cloudya/vaultboot/pkg/telemetry"
)

func main() {
	cfg, cfgErr := config.Load()

	debug := os.Getenv(shared.EnvPrefix+"_DEBUG") != ""
	if cfg != nil && cfg.Debug {
		debug = true
	}
	logger.InitializeWithFallback(debug)
	defer func() { _ = logger.Sync() }()

	if cfgErr != nil {
		logger.L().Warn("Configuration load failed, using defaults", zap.Error(cfgErr))
	}

	telemetryFile := shared.TelemetryFile
	if cfg != nil {
		telemetryFile = cfg.TelemetryFile
	}
	if err := telemetry.Init("vaultboot", telemetryFile); err != nil {
		logger.L().Warn("Telemetry disabled", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		logger.L().Error("Command failed", zap.Error(err))
		_ = logger.Sync()
		stop()
		os.Exit(crederr.ExitCode(err))
	}
}
