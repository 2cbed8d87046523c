package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults and applies
// CRASHBOT_* environment overrides. The result is not validated; call
// Config.Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// A .env file is optional.
	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides maps well-known CRASHBOT_* variables onto Config fields,
// so operators inject secrets at deploy time without editing the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Wallet.PrivateKey, "CRASHBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "CRASHBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CRASHBOT_WALLET_KEY_PASSWORD")

	setStr(&cfg.Exchange.ClobHost, "CRASHBOT_EXCHANGE_CLOB_HOST")
	setStr(&cfg.Exchange.WsHost, "CRASHBOT_EXCHANGE_WS_HOST")
	setInt(&cfg.Exchange.ChainID, "CRASHBOT_EXCHANGE_CHAIN_ID")

	setBool(&cfg.Postgres.Enabled, "CRASHBOT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "CRASHBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CRASHBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CRASHBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CRASHBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CRASHBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CRASHBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CRASHBOT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CRASHBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CRASHBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CRASHBOT_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "CRASHBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CRASHBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CRASHBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CRASHBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CRASHBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CRASHBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CRASHBOT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "CRASHBOT_REDIS_LOCK_TTL")

	setBool(&cfg.S3.Enabled, "CRASHBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CRASHBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CRASHBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CRASHBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CRASHBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CRASHBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CRASHBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CRASHBOT_S3_FORCE_PATH_STYLE")
	setDuration(&cfg.S3.ArchiveInterval, "CRASHBOT_S3_ARCHIVE_INTERVAL")
	setDuration(&cfg.S3.ArchiveRetention, "CRASHBOT_S3_ARCHIVE_RETENTION")

	setFloat64(&cfg.Strategy.MovePct, "CRASHBOT_STRATEGY_MOVE_PCT")
	setFloat64(&cfg.Strategy.SumTarget, "CRASHBOT_STRATEGY_SUM_TARGET")
	setInt(&cfg.Strategy.WindowMin, "CRASHBOT_STRATEGY_WINDOW_MIN")
	setInt(&cfg.Strategy.MinSecondsToHedge, "CRASHBOT_STRATEGY_MIN_SECONDS_TO_HEDGE")
	setFloat64(&cfg.Strategy.Bankroll, "CRASHBOT_STRATEGY_BANKROLL")
	setFloat64(&cfg.Strategy.KellyFraction, "CRASHBOT_STRATEGY_KELLY_FRACTION")
	setFloat64(&cfg.Strategy.BaseShares, "CRASHBOT_STRATEGY_BASE_SHARES")
	setFloat64(&cfg.Strategy.RiskPerTradePct, "CRASHBOT_STRATEGY_RISK_PER_TRADE_PCT")
	setFloat64(&cfg.Strategy.FeeRate, "CRASHBOT_STRATEGY_FEE_RATE")
	setFloat64(&cfg.Strategy.MinProfitUSD, "CRASHBOT_STRATEGY_MIN_PROFIT_USD")
	setInt(&cfg.Strategy.MaxInFlight, "CRASHBOT_STRATEGY_MAX_IN_FLIGHT")

	setInt(&cfg.Execution.MaxRetries, "CRASHBOT_EXECUTION_MAX_RETRIES")
	setDuration(&cfg.Execution.RetryBackoff, "CRASHBOT_EXECUTION_RETRY_BACKOFF")
	setInt(&cfg.Execution.MaxParallel, "CRASHBOT_EXECUTION_MAX_PARALLEL")
	setFloat64(&cfg.Execution.SlippageBps, "CRASHBOT_EXECUTION_SLIPPAGE_BPS")
	setDuration(&cfg.Execution.PaperLatency, "CRASHBOT_EXECUTION_PAPER_LATENCY")
	setDuration(&cfg.Execution.PollInterval, "CRASHBOT_EXECUTION_POLL_INTERVAL")

	setStr(&cfg.Notify.TelegramToken, "CRASHBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CRASHBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStringSlice(&cfg.Notify.Events, "CRASHBOT_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "CRASHBOT_MODE")
	setStr(&cfg.LogLevel, "CRASHBOT_LOG_LEVEL")
	setStr(&cfg.LogFormat, "CRASHBOT_LOG_FORMAT")
}

// Typed helpers; each mutates the target only when the variable is set and
// parses cleanly.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
