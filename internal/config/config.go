// Package config defines the top-level configuration for the pariflow
// settlement service and provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by PARIFLOW_* environment variables.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Market   MarketConfig   `toml:"market"`
	Relay    RelayConfig    `toml:"relay"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig holds chain connectivity and the facilitator key.
type ChainConfig struct {
	RPCURL           string `toml:"rpc_url"`
	ChainID          int64  `toml:"chain_id"`
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// MarketConfig holds the settlement engine's fixed parameters. Wei amounts
// are decimal strings because they exceed int64.
type MarketConfig struct {
	MinBetWei           string `toml:"min_bet_wei"`
	PlatformFeeBps      int64  `toml:"platform_fee_bps"`
	FacilitatorFeeBps   int64  `toml:"facilitator_fee_bps"`
	MinCreateReputation int64  `toml:"min_create_reputation"`
}

// RelayConfig holds gasless relay guard parameters.
type RelayConfig struct {
	ReservationTTL duration `toml:"reservation_ttl"`
	LockTTL        duration `toml:"lock_ttl"`
	RateLimit      int      `toml:"rate_limit"`
	RateWindow     duration `toml:"rate_window"`
	MinBalanceWei  string   `toml:"min_balance_wei"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig holds settled-history archival parameters.
type ArchiveConfig struct {
	Enabled   bool     `toml:"enabled"`
	Retention duration `toml:"retention"`
	Interval  duration `toml:"interval"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	LargeBetWei       string   `toml:"large_bet_wei"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Chain: ChainConfig{
			RPCURL:  "http://localhost:8545",
			ChainID: 31337,
		},
		Market: MarketConfig{
			MinBetWei:           "1000000000000000", // 0.001 ether
			PlatformFeeBps:      200,
			FacilitatorFeeBps:   50,
			MinCreateReputation: 0,
		},
		Relay: RelayConfig{
			ReservationTTL: duration{2 * time.Minute},
			LockTTL:        duration{30 * time.Second},
			RateLimit:      30,
			RateWindow:     duration{time.Minute},
			MinBalanceWei:  "0",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "pariflow",
			User:          "pariflow",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "pariflow-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			Enabled:   false,
			Retention: duration{30 * 24 * time.Hour},
			Interval:  duration{time.Hour},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events:      []string{"market.resolved", "bet.placed"},
			LargeBetWei: "0",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":    true,
	"worker": true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, worker, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}
	if c.Chain.ChainID <= 0 {
		errs = append(errs, "chain: chain_id must be positive")
	}
	if c.Chain.PrivateKey == "" && c.Chain.EncryptedKeyPath == "" {
		errs = append(errs, "chain: either private_key or encrypted_key_path must be set")
	}
	if c.Chain.EncryptedKeyPath != "" && c.Chain.KeyPassword == "" {
		errs = append(errs, "chain: key_password is required when encrypted_key_path is set")
	}

	// Market
	if _, ok := parseWei(c.Market.MinBetWei); !ok {
		errs = append(errs, fmt.Sprintf("market: min_bet_wei %q is not a valid non-negative integer", c.Market.MinBetWei))
	}
	if c.Market.PlatformFeeBps < 0 || c.Market.PlatformFeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("market: platform_fee_bps must be in [0, 10000), got %d", c.Market.PlatformFeeBps))
	}
	if c.Market.FacilitatorFeeBps < 0 || c.Market.FacilitatorFeeBps >= 10_000 {
		errs = append(errs, fmt.Sprintf("market: facilitator_fee_bps must be in [0, 10000), got %d", c.Market.FacilitatorFeeBps))
	}
	if c.Market.MinCreateReputation < 0 {
		errs = append(errs, "market: min_create_reputation must be >= 0")
	}

	// Relay
	if c.Relay.ReservationTTL.Duration <= 0 {
		errs = append(errs, "relay: reservation_ttl must be > 0")
	}
	if c.Relay.LockTTL.Duration <= 0 {
		errs = append(errs, "relay: lock_ttl must be > 0")
	}
	if c.Relay.RateLimit < 0 {
		errs = append(errs, "relay: rate_limit must be >= 0")
	}
	if _, ok := parseWei(c.Relay.MinBalanceWei); !ok {
		errs = append(errs, fmt.Sprintf("relay: min_balance_wei %q is not a valid non-negative integer", c.Relay.MinBalanceWei))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 is only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Retention.Duration <= 0 {
			errs = append(errs, "archive: retention must be > 0")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	// Notify
	if _, ok := parseWei(c.Notify.LargeBetWei); !ok {
		errs = append(errs, fmt.Sprintf("notify: large_bet_wei %q is not a valid non-negative integer", c.Notify.LargeBetWei))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// parseWei parses a non-negative decimal wei string. Empty strings count as
// zero.
func parseWei(s string) (*big.Int, bool) {
	if strings.TrimSpace(s) == "" {
		return new(big.Int), true
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// MinBet returns the parsed stake floor. Call only after Validate.
func (c *MarketConfig) MinBet() *big.Int {
	n, _ := parseWei(c.MinBetWei)
	return n
}

// MinBalance returns the parsed facilitator solvency floor. Call only after
// Validate.
func (c *RelayConfig) MinBalance() *big.Int {
	n, _ := parseWei(c.MinBalanceWei)
	return n
}

// LargeBet returns the parsed large-bet notification threshold. Call only
// after Validate.
func (c *NotifyConfig) LargeBet() *big.Int {
	n, _ := parseWei(c.LargeBetWei)
	return n
}
