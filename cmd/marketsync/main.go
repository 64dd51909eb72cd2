// Command marketsync is the market-data sync daemon. It loads configuration,
// validates it, sets up signal handling, and runs the configured mode until
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/marketsync/internal/app"
	"github.com/alanyoungcy/marketsync/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty for defaults)")
	flag.Parse()

	logger := app.NewLogger(os.Stdout, "info")
	slog.SetDefault(logger)

	path := *configPath
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			logger.Warn("config file not found, using defaults", slog.String("path", path))
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("marketsync starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", path),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("marketsync stopped")
}
