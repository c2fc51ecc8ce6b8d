package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies PARIFLOW_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known PARIFLOW_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "PARIFLOW_CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "PARIFLOW_CHAIN_ID")
	setStr(&cfg.Chain.PrivateKey, "PARIFLOW_CHAIN_PRIVATE_KEY")
	setStr(&cfg.Chain.EncryptedKeyPath, "PARIFLOW_CHAIN_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Chain.KeyPassword, "PARIFLOW_CHAIN_KEY_PASSWORD")

	// ── Market ──
	setStr(&cfg.Market.MinBetWei, "PARIFLOW_MARKET_MIN_BET_WEI")
	setInt64(&cfg.Market.PlatformFeeBps, "PARIFLOW_MARKET_PLATFORM_FEE_BPS")
	setInt64(&cfg.Market.FacilitatorFeeBps, "PARIFLOW_MARKET_FACILITATOR_FEE_BPS")
	setInt64(&cfg.Market.MinCreateReputation, "PARIFLOW_MARKET_MIN_CREATE_REPUTATION")

	// ── Relay ──
	setDuration(&cfg.Relay.ReservationTTL, "PARIFLOW_RELAY_RESERVATION_TTL")
	setDuration(&cfg.Relay.LockTTL, "PARIFLOW_RELAY_LOCK_TTL")
	setInt(&cfg.Relay.RateLimit, "PARIFLOW_RELAY_RATE_LIMIT")
	setDuration(&cfg.Relay.RateWindow, "PARIFLOW_RELAY_RATE_WINDOW")
	setStr(&cfg.Relay.MinBalanceWei, "PARIFLOW_RELAY_MIN_BALANCE_WEI")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PARIFLOW_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "PARIFLOW_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "PARIFLOW_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "PARIFLOW_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "PARIFLOW_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "PARIFLOW_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "PARIFLOW_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "PARIFLOW_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "PARIFLOW_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PARIFLOW_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "PARIFLOW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PARIFLOW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PARIFLOW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PARIFLOW_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PARIFLOW_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PARIFLOW_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "PARIFLOW_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PARIFLOW_S3_REGION")
	setStr(&cfg.S3.Bucket, "PARIFLOW_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PARIFLOW_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PARIFLOW_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "PARIFLOW_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "PARIFLOW_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "PARIFLOW_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Retention, "PARIFLOW_ARCHIVE_RETENTION")
	setDuration(&cfg.Archive.Interval, "PARIFLOW_ARCHIVE_INTERVAL")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "PARIFLOW_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "PARIFLOW_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "PARIFLOW_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "PARIFLOW_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "PARIFLOW_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "PARIFLOW_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "PARIFLOW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "PARIFLOW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "PARIFLOW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "PARIFLOW_NOTIFY_EVENTS")
	setStr(&cfg.Notify.LargeBetWei, "PARIFLOW_NOTIFY_LARGE_BET_WEI")

	// ── Top-level ──
	setStr(&cfg.Mode, "PARIFLOW_MODE")
	setStr(&cfg.LogLevel, "PARIFLOW_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
