// Command crashbot trades 15-minute UP/DOWN binary markets with a two-leg
// crash-then-hedge strategy. It loads configuration, wires dependencies, and
// runs either the trading loop or a deterministic backtest over recorded
// snapshots.
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

	"github.com/crashhedge/crashbot/internal/app"
	"github.com/crashhedge/crashbot/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	backtestPath := flag.String("backtest", "", "replay a JSONL snapshot file instead of trading")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *backtestPath != "" {
		if err := application.Backtest(ctx, *backtestPath); err != nil {
			logger.Error("backtest failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	logger.Info("crashbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logger.Info("crashbot stopped")
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
