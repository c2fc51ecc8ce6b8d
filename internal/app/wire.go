package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/pariflow/pariflow/internal/blob/s3"
	"github.com/pariflow/pariflow/internal/cache/redis"
	"github.com/pariflow/pariflow/internal/chain"
	"github.com/pariflow/pariflow/internal/config"
	"github.com/pariflow/pariflow/internal/crypto"
	"github.com/pariflow/pariflow/internal/domain"
	"github.com/pariflow/pariflow/internal/engine"
	"github.com/pariflow/pariflow/internal/notify"
	"github.com/pariflow/pariflow/internal/relay"
	"github.com/pariflow/pariflow/internal/store/postgres"
)

// marketCacheTTL bounds staleness of the read-through market cache.
const marketCacheTTL = 5 * time.Minute

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Clients, kept for health checks.
	PG    *postgres.Client
	Redis *redis.Client

	// Stores
	Ledger     domain.Ledger
	Credits    domain.CreditStore
	Nonces     domain.NonceStore
	Resolvers  domain.ResolverStore
	Reputation domain.ReputationStore
	Audit      domain.AuditStore

	// Redis-backed primitives
	MarketCache domain.MarketCache
	Reserver    domain.NonceReserver
	Locks       domain.LockManager
	Limiter     domain.RateLimiter
	Bus         domain.SignalBus

	// Chain access
	Chain domain.ChainClient

	// Settlement core
	Engine   *engine.Engine
	Oracle   *engine.OracleGateway
	Pool     *relay.CreditPool
	Relay    *relay.Relay
	Verifier *crypto.Verifier

	// Archival, nil when disabled.
	Archiver *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier
	Watcher  *notify.Watcher
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PG = pgClient
	deps.Ledger = postgres.NewLedgerStore(pool)
	deps.Credits = postgres.NewCreditStore(pool)
	deps.Nonces = postgres.NewNonceStore(pool)
	deps.Resolvers = postgres.NewResolverStore(pool)
	deps.Reputation = postgres.NewReputationStore(pool)
	deps.Audit = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Redis = redisClient
	deps.MarketCache = redis.NewMarketCache(redisClient, marketCacheTTL)
	deps.Reserver = redis.NewNonceReserver(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient, 0)

	// --- Chain client ---
	keyHex, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Chain.PrivateKey,
		EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
		KeyPassword:      cfg.Chain.KeyPassword,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: facilitator key: %w", err)
	}
	signer, err := crypto.NewSigner(keyHex, cfg.Chain.ChainID)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: signer: %w", err)
	}
	chainClient, err := chain.New(ctx, chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		ChainID: cfg.Chain.ChainID,
	}, signer.PrivateKey())
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	deps.Chain = chainClient

	// --- Settlement core ---
	deps.Engine = engine.New(
		deps.Ledger,
		deps.Credits,
		deps.MarketCache,
		deps.Bus,
		deps.Audit,
		deps.Reputation,
		engine.Config{
			MinBet:              cfg.Market.MinBet(),
			PlatformFeeBps:      cfg.Market.PlatformFeeBps,
			MinCreateReputation: cfg.Market.MinCreateReputation,
		},
		logger,
	)
	deps.Oracle = engine.NewOracleGateway(deps.Engine, deps.Resolvers, logger)

	verifier := crypto.NewVerifier(cfg.Chain.ChainID)
	deps.Verifier = verifier
	deps.Pool = relay.NewCreditPool(
		deps.Engine,
		deps.Ledger,
		deps.Credits,
		deps.Nonces,
		deps.Chain,
		cfg.Market.FacilitatorFeeBps,
		logger,
	)
	deps.Relay = relay.New(
		verifier,
		deps.Pool,
		deps.Engine,
		deps.Nonces,
		deps.Reserver,
		deps.Locks,
		deps.Limiter,
		deps.Chain,
		relay.Config{
			ReservationTTL:    cfg.Relay.ReservationTTL.Duration,
			LockTTL:           cfg.Relay.LockTTL.Duration,
			RateLimit:         cfg.Relay.RateLimit,
			RateWindow:        cfg.Relay.RateWindow.Duration,
			MinBalance:        cfg.Relay.MinBalance(),
			FacilitatorFeeBps: cfg.Market.FacilitatorFeeBps,
		},
		logger,
	)

	// --- S3 archival ---
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(
			s3Client,
			deps.Ledger,
			deps.Audit,
			cfg.Archive.Retention.Duration,
			cfg.Archive.Interval.Duration,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)
	if len(senders) > 0 {
		deps.Watcher = notify.NewWatcher(deps.Bus, deps.Notifier, cfg.Notify.LargeBet(), logger)
	}

	return deps, cleanup, nil
}
