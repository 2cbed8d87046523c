package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crashhedge/crashbot/internal/backtest"
	s3blob "github.com/crashhedge/crashbot/internal/blob/s3"
	"github.com/crashhedge/crashbot/internal/cache/redis"
	"github.com/crashhedge/crashbot/internal/clob"
	"github.com/crashhedge/crashbot/internal/config"
	"github.com/crashhedge/crashbot/internal/crypto"
	"github.com/crashhedge/crashbot/internal/domain"
	"github.com/crashhedge/crashbot/internal/execution"
	"github.com/crashhedge/crashbot/internal/feed"
	"github.com/crashhedge/crashbot/internal/notify"
	"github.com/crashhedge/crashbot/internal/store/postgres"
	"github.com/crashhedge/crashbot/internal/strategy"
)

// Dependencies bundles everything the trade loop needs. Wire constructs it
// and the returned cleanup closes connections in reverse order.
type Dependencies struct {
	Engine   *strategy.Engine
	Manager  *execution.Manager
	Adapter  domain.ExecutionAdapter
	Paper    *execution.Paper // nil in live mode
	Live     *execution.Live  // nil in paper mode
	Feed     *feed.Feed
	Events   domain.TradeEventStore
	Snaps    domain.SnapshotStore // nil when postgres is disabled
	Archiver *s3blob.Archiver     // nil when s3 is disabled
	Notifier *notify.Notifier
}

// Wire builds the dependency graph for trading mode.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{}

	// Alerting first so later failures can already notify.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// Persistence. Without Postgres, trade events stay in memory; that is
	// the normal shape for short paper sessions.
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(err)
			}
		}
		deps.Events = postgres.NewTradeEventStore(pg.Pool())
		deps.Snaps = postgres.NewSnapshotStore(pg.Pool())
	} else {
		deps.Events = backtest.NewMemoryEventStore()
	}

	// Strategy engine, optionally with distributed round locking.
	deps.Engine = strategy.NewEngine(cfg.StrategyParams(), cfg.Strategy.Bankroll, logger)
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Engine.SetRoundLocker(redis.NewRoundLocker(rc), cfg.Redis.LockTTL.Duration)
	}

	// Execution adapter.
	if cfg.Mode == "live" {
		key, err := crypto.ResolveKey(crypto.KeySource{
			PrivateKeyHex:   cfg.Wallet.PrivateKey,
			KeyfilePath:     cfg.Wallet.EncryptedKeyPath,
			KeyfilePassword: cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return fail(err)
		}
		signer, err := crypto.NewSigner(key, cfg.Exchange.ChainID)
		if err != nil {
			return fail(err)
		}
		client := clob.NewClient(cfg.Exchange.ClobHost, signer, nil)
		if err := client.DeriveAPIKey(ctx); err != nil {
			return fail(fmt.Errorf("app: derive api key: %w", err))
		}
		deps.Live = execution.NewLive(client, cfg, execution.LiveConfig{
			PollInterval: cfg.Execution.PollInterval.Duration,
		}, logger)
		deps.Adapter = deps.Live
	} else {
		deps.Paper = execution.NewPaper(execution.PaperConfig{
			SlippageBps: cfg.Execution.SlippageBps,
			Latency:     cfg.Execution.PaperLatency.Duration,
		}, logger)
		deps.Adapter = deps.Paper
	}

	deps.Manager = execution.NewManager(deps.Adapter, deps.Events, execution.Config{
		MaxRetries:   cfg.Execution.MaxRetries,
		RetryBackoff: cfg.Execution.RetryBackoff.Duration,
		MaxParallel:  cfg.Execution.MaxParallel,
	}, logger)
	deps.Manager.SetAlerter(deps.Notifier)

	// Market data.
	markets := make([]feed.MarketTokens, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		markets = append(markets, feed.MarketTokens{
			Slug:      m.Slug,
			UpToken:   m.UpToken,
			DownToken: m.DownToken,
		})
	}
	f, err := feed.New(cfg.Exchange.WsHost, markets, logger)
	if err != nil {
		return fail(err)
	}
	deps.Feed = f

	// Cold archival.
	if cfg.S3.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3c), deps.Events, logger)
	}

	return deps, cleanup, nil
}
