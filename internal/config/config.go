// Package config defines the bot's configuration: a TOML file merged over
// built-in defaults, then overridden by CRASHBOT_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/crashhedge/crashbot/internal/domain"
	"github.com/crashhedge/crashbot/internal/risk"
	"github.com/crashhedge/crashbot/internal/strategy"
)

// Config is the root configuration structure.
type Config struct {
	Wallet    WalletConfig    `toml:"wallet"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Markets   []MarketConfig  `toml:"markets"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Strategy  StrategyConfig  `toml:"strategy"`
	Execution ExecutionConfig `toml:"execution"`
	Notify    NotifyConfig    `toml:"notify"`

	// Mode selects "paper" or "live" execution.
	Mode     string `toml:"mode"`
	LogLevel string `toml:"log_level"`
	// LogFormat is "json" or "text".
	LogFormat string `toml:"log_format"`
}

// WalletConfig holds the trading wallet key material.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// ExchangeConfig holds API endpoints and chain parameters.
type ExchangeConfig struct {
	ClobHost string `toml:"clob_host"`
	WsHost   string `toml:"ws_host"`
	ChainID  int    `toml:"chain_id"`
}

// MarketConfig binds one 15-minute market to its outcome token ids.
type MarketConfig struct {
	Slug      string `toml:"slug"`
	UpToken   string `toml:"up_token"`
	DownToken string `toml:"down_token"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for round locking.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds object storage parameters for cold archival.
type S3Config struct {
	Enabled          bool     `toml:"enabled"`
	Endpoint         string   `toml:"endpoint"`
	Region           string   `toml:"region"`
	Bucket           string   `toml:"bucket"`
	AccessKey        string   `toml:"access_key"`
	SecretKey        string   `toml:"secret_key"`
	UseSSL           bool     `toml:"use_ssl"`
	ForcePathStyle   bool     `toml:"force_path_style"`
	ArchiveInterval  duration `toml:"archive_interval"`
	ArchiveRetention duration `toml:"archive_retention"`
}

// StrategyConfig holds the crash/hedge decision parameters.
type StrategyConfig struct {
	MovePct           float64 `toml:"move_pct"`
	SumTarget         float64 `toml:"sum_target"`
	WindowMin         int     `toml:"window_min"`
	MinSecondsToHedge int     `toml:"min_seconds_to_hedge"`

	Bankroll        float64 `toml:"bankroll"`
	KellyFraction   float64 `toml:"kelly_fraction"`
	BaseShares      float64 `toml:"base_shares"`
	RiskPerTradePct float64 `toml:"risk_per_trade_pct"`
	FeeRate         float64 `toml:"fee_rate"`
	MinProfitUSD    float64 `toml:"min_profit_usd"`
	MaxInFlight     int     `toml:"max_in_flight"`
}

// ExecutionConfig holds order lifecycle settings.
type ExecutionConfig struct {
	MaxRetries   int      `toml:"max_retries"`
	RetryBackoff duration `toml:"retry_backoff"`
	MaxParallel  int      `toml:"max_parallel"`
	SlippageBps  float64  `toml:"slippage_bps"`
	PaperLatency duration `toml:"paper_latency"`
	PollInterval duration `toml:"poll_interval"`
}

// NotifyConfig holds alerting parameters.
type NotifyConfig struct {
	TelegramToken  string   `toml:"telegram_token"`
	TelegramChatID string   `toml:"telegram_chat_id"`
	Events         []string `toml:"events"`
}

// duration lets TOML carry values like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Defaults returns the built-in configuration, matching paper trading on
// Polygon mainnet with the documented strategy parameters.
func Defaults() Config {
	p := strategy.DefaultParams()
	return Config{
		Mode:      "paper",
		LogLevel:  "info",
		LogFormat: "json",
		Exchange: ExchangeConfig{
			ClobHost: "https://clob.polymarket.com",
			WsHost:   "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:  137,
		},
		Postgres: PostgresConfig{
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			LockTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			ArchiveInterval:  duration{6 * time.Hour},
			ArchiveRetention: duration{30 * 24 * time.Hour},
		},
		Strategy: StrategyConfig{
			MovePct:           p.MovePct,
			SumTarget:         p.SumTarget,
			WindowMin:         p.WindowMin,
			MinSecondsToHedge: int(p.MinSecondsToHedge),
			Bankroll:          1000,
			KellyFraction:     p.Risk.KellyFraction,
			BaseShares:        p.Risk.BaseShares,
			RiskPerTradePct:   p.Risk.RiskPerTradePct,
			FeeRate:           p.Risk.FeeRate,
			MinProfitUSD:      p.Risk.MinProfitUSD,
			MaxInFlight:       p.Risk.MaxInFlight,
		},
		Execution: ExecutionConfig{
			MaxRetries:   3,
			RetryBackoff: duration{250 * time.Millisecond},
			MaxParallel:  32,
			PollInterval: duration{time.Second},
		},
	}
}

// Validate checks cross-field consistency. Mode-dependent requirements (a
// wallet key in live mode, markets for trading) are enforced here.
func (c *Config) Validate() error {
	switch c.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("config: mode must be \"paper\" or \"live\", got %q", c.Mode)
	}

	if len(c.Markets) == 0 {
		return fmt.Errorf("config: at least one market is required")
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if m.Slug == "" {
			return fmt.Errorf("config: markets[%d]: empty slug", i)
		}
		if seen[m.Slug] {
			return fmt.Errorf("config: duplicate market slug %q", m.Slug)
		}
		seen[m.Slug] = true
		if m.UpToken == "" || m.DownToken == "" {
			return fmt.Errorf("config: market %s: both token ids are required", m.Slug)
		}
	}

	if c.Mode == "live" {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			return fmt.Errorf("config: live mode requires a wallet key")
		}
		if c.Exchange.ClobHost == "" {
			return fmt.Errorf("config: live mode requires exchange.clob_host")
		}
	}

	s := c.Strategy
	if s.MovePct <= 0 || s.MovePct >= 1 {
		return fmt.Errorf("config: strategy.move_pct must be in (0, 1)")
	}
	if s.SumTarget <= 0 || s.SumTarget >= 1 {
		return fmt.Errorf("config: strategy.sum_target must be in (0, 1)")
	}
	if s.WindowMin <= 0 || s.WindowMin >= 15 {
		return fmt.Errorf("config: strategy.window_min must be in (0, 15)")
	}
	if s.Bankroll <= 0 {
		return fmt.Errorf("config: strategy.bankroll must be positive")
	}
	if s.KellyFraction < 0 || s.KellyFraction > 1 {
		return fmt.Errorf("config: strategy.kelly_fraction must be in [0, 1]")
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		return fmt.Errorf("config: postgres enabled but no dsn or host")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("config: redis enabled but no addr")
	}
	if c.S3.Enabled {
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("config: s3 enabled but bucket or region missing")
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// StrategyParams converts the config section into strategy parameters.
func (c *Config) StrategyParams() strategy.Params {
	return strategy.Params{
		MovePct:           c.Strategy.MovePct,
		SumTarget:         c.Strategy.SumTarget,
		WindowMin:         c.Strategy.WindowMin,
		MinSecondsToHedge: int64(c.Strategy.MinSecondsToHedge),
		Risk: risk.Config{
			KellyFraction:   c.Strategy.KellyFraction,
			BaseShares:      c.Strategy.BaseShares,
			RiskPerTradePct: c.Strategy.RiskPerTradePct,
			FeeRate:         c.Strategy.FeeRate,
			MinProfitUSD:    c.Strategy.MinProfitUSD,
			MaxInFlight:     c.Strategy.MaxInFlight,
		},
	}
}

// TokenID implements the execution token resolver over the configured
// market list.
func (c *Config) TokenID(marketSlug string, side domain.LegSide) (string, error) {
	for _, m := range c.Markets {
		if m.Slug != marketSlug {
			continue
		}
		if side == domain.LegSideUp {
			return m.UpToken, nil
		}
		return m.DownToken, nil
	}
	return "", fmt.Errorf("config: unknown market %q", marketSlug)
}
