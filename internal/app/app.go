// Package app wires the bot together: configuration in, stores, adapters,
// strategy engine, and lifecycle manager out, with one goroutine per
// long-running component and clean reverse-order teardown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/crashhedge/crashbot/internal/backtest"
	"github.com/crashhedge/crashbot/internal/config"
)

// App owns the configuration, logger, and cleanup stack.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run starts trading (paper or live per config) and blocks until the context
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", a.cfg.Mode),
		slog.Int("markets", len(a.cfg.Markets)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return a.trade(ctx, deps)
}

// Backtest replays a JSONL snapshot file through the strategy and prints the
// result summary. It needs no external services.
func (a *App) Backtest(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("app: open snapshot file: %w", err)
	}
	defer f.Close()

	snaps, err := backtest.ReadSnapshots(f)
	if err != nil {
		return err
	}

	runner := backtest.NewRunner(
		a.cfg.StrategyParams(),
		a.cfg.Strategy.Bankroll,
		a.cfg.Execution.SlippageBps,
		a.logger,
	)
	res, err := runner.Run(ctx, snaps)
	if err != nil {
		return err
	}

	a.logger.Info("backtest complete",
		slog.Int("snapshots", res.Snapshots),
		slog.Int("rounds_hedged", res.RoundsHedged),
		slog.Int("rounds_aborted", res.RoundsAborted),
		slog.Int("rounds_expired", res.RoundsExpired),
		slog.Int("orders_filled", res.OrdersFilled),
		slog.Float64("start_bankroll", res.StartBankroll),
		slog.Float64("final_bankroll", res.FinalBankroll),
		slog.Float64("net_profit", res.NetProfit),
	)
	return nil
}

// Close tears down resources in reverse registration order. Safe to call
// more than once.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
