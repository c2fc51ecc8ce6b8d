package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Defaults()
	cfg.Chain.PrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with key should validate: %v", err)
	}
}

func TestValidateRequiresKeySource(t *testing.T) {
	cfg := Defaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("config without key source validated")
	}
	if !strings.Contains(err.Error(), "private_key or encrypted_key_path") {
		t.Errorf("error = %v, want key source complaint", err)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "daemon"
	cfg.LogLevel = "loud"
	cfg.Market.PlatformFeeBps = 10_000
	cfg.Market.MinBetWei = "lots"
	cfg.Relay.ReservationTTL.Duration = 0
	cfg.Redis.Addr = ""
	cfg.Postgres.PoolMinConns = 50 // exceeds max of 10

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config validated")
	}
	for _, want := range []string{
		`unknown mode "daemon"`,
		`unknown log_level "loud"`,
		"platform_fee_bps",
		"min_bet_wei",
		"reservation_ttl",
		"redis: addr",
		"pool_min_conns must not exceed",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateS3OnlyWhenArchiveEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.S3.Endpoint = ""
	cfg.S3.Bucket = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("archive disabled, s3 should be optional: %v", err)
	}

	cfg.Archive.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("archive enabled without s3 endpoint/bucket validated")
	}
}

func TestParseWei(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
		ok   bool
	}{
		{"", "0", true},
		{"0", "0", true},
		{"  42  ", "42", true},
		{"1000000000000000000000", "1000000000000000000000", true}, // > int64
		{"-1", "", false},
		{"1.5", "", false},
		{"0x10", "", false},
	} {
		got, ok := parseWei(tc.in)
		if ok != tc.ok {
			t.Errorf("parseWei(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && got.String() != tc.want {
			t.Errorf("parseWei(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestWeiAccessors(t *testing.T) {
	cfg := Defaults()
	if got := cfg.Market.MinBet(); got.Cmp(big.NewInt(1_000_000_000_000_000)) != 0 {
		t.Errorf("MinBet = %s, want 1000000000000000", got)
	}
	if got := cfg.Relay.MinBalance(); got.Sign() != 0 {
		t.Errorf("MinBalance = %s, want 0", got)
	}
	if got := cfg.Notify.LargeBet(); got.Sign() != 0 {
		t.Errorf("LargeBet = %s, want 0", got)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "api"

[market]
platform_fee_bps = 100

[relay]
reservation_ttl = "5m"

[server]
port = 9100
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "api" {
		t.Errorf("mode = %s, want api", cfg.Mode)
	}
	if cfg.Market.PlatformFeeBps != 100 {
		t.Errorf("platform_fee_bps = %d, want 100", cfg.Market.PlatformFeeBps)
	}
	if cfg.Relay.ReservationTTL.Duration != 5*time.Minute {
		t.Errorf("reservation_ttl = %s, want 5m", cfg.Relay.ReservationTTL.Duration)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want 9100", cfg.Server.Port)
	}

	// Untouched fields keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %s, want default", cfg.Redis.Addr)
	}
	if cfg.Market.FacilitatorFeeBps != 50 {
		t.Errorf("facilitator_fee_bps = %d, want default 50", cfg.Market.FacilitatorFeeBps)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("mode = [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed TOML accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARIFLOW_MODE", "worker")
	t.Setenv("PARIFLOW_CHAIN_ID", "8453")
	t.Setenv("PARIFLOW_RELAY_RATE_LIMIT", "5")
	t.Setenv("PARIFLOW_RELAY_LOCK_TTL", "45s")
	t.Setenv("PARIFLOW_ARCHIVE_ENABLED", "true")
	t.Setenv("PARIFLOW_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DATABASE_URL", "postgres://app:pw@db:5432/pariflow")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Mode != "worker" {
		t.Errorf("mode = %s, want worker", cfg.Mode)
	}
	if cfg.Chain.ChainID != 8453 {
		t.Errorf("chain_id = %d, want 8453", cfg.Chain.ChainID)
	}
	if cfg.Relay.RateLimit != 5 {
		t.Errorf("rate_limit = %d, want 5", cfg.Relay.RateLimit)
	}
	if cfg.Relay.LockTTL.Duration != 45*time.Second {
		t.Errorf("lock_ttl = %s, want 45s", cfg.Relay.LockTTL.Duration)
	}
	if !cfg.Archive.Enabled {
		t.Error("archive not enabled via env")
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors_origins = %v, want two trimmed entries", cfg.Server.CORSOrigins)
	}
	if cfg.Postgres.DSN != "postgres://app:pw@db:5432/pariflow" {
		t.Errorf("dsn = %s, want DATABASE_URL value", cfg.Postgres.DSN)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Postgres.Password = "dbpw"
	cfg.Redis.Password = "redispw"
	cfg.S3.SecretKey = "s3secret"
	cfg.Server.APIKey = "apikey"
	cfg.Notify.TelegramToken = "tgtoken"

	red := RedactedConfig(&cfg)

	for name, got := range map[string]string{
		"chain private key": red.Chain.PrivateKey,
		"postgres password": red.Postgres.Password,
		"redis password":    red.Redis.Password,
		"s3 secret":         red.S3.SecretKey,
		"api key":           red.Server.APIKey,
		"telegram token":    red.Notify.TelegramToken,
	} {
		if got != "***" {
			t.Errorf("%s not redacted: %q", name, got)
		}
	}

	// The original is untouched and non-secret fields survive.
	if cfg.Postgres.Password != "dbpw" {
		t.Error("redaction mutated the source config")
	}
	if red.Postgres.Host != cfg.Postgres.Host {
		t.Error("non-secret field altered by redaction")
	}
}
