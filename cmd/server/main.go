// Flight escrow - delay insurance escrow service for individual flights
package main

import (
	"context"
	"os"

	"github.com/parv3213/flight-escrow/internal/config"
	"github.com/parv3213/flight-escrow/internal/logging"
	"github.com/parv3213/flight-escrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting flight escrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"factory", cfg.Factory().Hex(),
		"authority", cfg.Authority().Hex(),
		"bond_bps", cfg.BondBps,
		"dispute_fee_bps", cfg.DisputeFeeBps,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
