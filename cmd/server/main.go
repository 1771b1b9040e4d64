// Command server runs the mulehunter risk API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/mulehunter/mulehunter/internal/config"
	"github.com/mulehunter/mulehunter/internal/logging"
	"github.com/mulehunter/mulehunter/internal/server"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mulehunter exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting mulehunter",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"kafka_brokers", len(cfg.KafkaBrokers),
		"scorer", cfg.ScorerURL != "",
		"fingerprint_header", cfg.FingerprintHeader,
		"fingerprint_window", cfg.FingerprintWindow,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return srv.Run(context.Background())
}
