// Parashield - Cross-chain parametric insurance
package main

import (
	"context"
	"os"

	"github.com/parashield-protocol/parashield/internal/config"
	"github.com/parashield-protocol/parashield/internal/logging"
	"github.com/parashield-protocol/parashield/internal/server"
	"github.com/parashield-protocol/parashield/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting parashield",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chains", len(cfg.Chains),
		"cooldown", cfg.CooldownPeriod,
	)

	ctx := context.Background()

	// Trace export (no-op when OTLP_ENDPOINT is unset)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
