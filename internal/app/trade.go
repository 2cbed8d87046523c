package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crashhedge/crashbot/internal/domain"
)

// snapshotFlushInterval batches market snapshot rows before persisting.
const snapshotFlushInterval = 2 * time.Second

// trade runs the live/paper trading loop until ctx is cancelled, then makes
// a best-effort pass to cancel any order still open.
func (a *App) trade(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)

	// Feed fan-out. The paper venue sees the book before the strategy so
	// fills and decisions line up on the same prices.
	if deps.Paper != nil {
		deps.Feed.OnSnapshot(deps.Paper.ObserveSnapshot)
	}
	deps.Feed.OnSnapshot(func(snap domain.MarketSnapshot) {
		_ = deps.Engine.HandleSnapshot(gctx, snap)
	})

	var snapCh chan domain.MarketSnapshot
	if deps.Snaps != nil {
		snapCh = make(chan domain.MarketSnapshot, 1024)
		deps.Feed.OnSnapshot(func(snap domain.MarketSnapshot) {
			select {
			case snapCh <- snap:
			default:
				// Persistence lag must not slow trading down.
			}
		})
		g.Go(func() error { return a.recordSnapshots(gctx, deps, snapCh) })
	}

	g.Go(func() error { return deps.Engine.Run(gctx) })
	g.Go(func() error { return deps.Manager.Run(gctx, deps.Engine.Decisions(), deps.Engine) })
	g.Go(func() error { return deps.Feed.Run(gctx) })
	if deps.Live != nil {
		g.Go(func() error { return deps.Live.Run(gctx) })
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(gctx, a.cfg.S3.ArchiveInterval.Duration, a.cfg.S3.ArchiveRetention.Duration)
		})
	}

	err := g.Wait()
	a.shutdownOrders(deps)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recordSnapshots batches snapshot rows into the store on a fixed cadence.
func (a *App) recordSnapshots(ctx context.Context, deps *Dependencies, in <-chan domain.MarketSnapshot) error {
	ticker := time.NewTicker(snapshotFlushInterval)
	defer ticker.Stop()

	var batch []domain.MarketSnapshot
	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := deps.Snaps.InsertBatch(flushCtx, batch); err != nil {
			a.logger.Warn("snapshot batch insert failed",
				slog.Int("batch", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			flush(flushCtx)
			cancel()
			return ctx.Err()
		case snap := <-in:
			batch = append(batch, snap)
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// shutdownOrders cancels open orders and releases leases with a short grace
// window after the run context ended.
func (a *App) shutdownOrders(deps *Dependencies) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	decisions := deps.Engine.OpenCancelDecisions(ctx)
	if len(decisions) == 0 {
		return
	}
	a.logger.Info("cancelling open orders", slog.Int("count", len(decisions)))

	var wg sync.WaitGroup
	for _, d := range decisions {
		wg.Add(1)
		go func(d domain.Decision) {
			defer wg.Done()
			if _, err := deps.Manager.Execute(ctx, d); err != nil {
				a.logger.Warn("shutdown cancel failed",
					slog.String("client_order_id", d.ClientOrderID),
					slog.String("error", err.Error()),
				)
			}
		}(d)
	}
	wg.Wait()
}
