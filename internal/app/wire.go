package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/ledgermarket/internal/blob/s3"
	"github.com/alanyoungcy/ledgermarket/internal/cache/redis"
	"github.com/alanyoungcy/ledgermarket/internal/chain"
	"github.com/alanyoungcy/ledgermarket/internal/clearnode"
	"github.com/alanyoungcy/ledgermarket/internal/config"
	"github.com/alanyoungcy/ledgermarket/internal/crypto"
	"github.com/alanyoungcy/ledgermarket/internal/domain"
	"github.com/alanyoungcy/ledgermarket/internal/metrics"
	"github.com/alanyoungcy/ledgermarket/internal/notify"
	"github.com/alanyoungcy/ledgermarket/internal/service"
	"github.com/alanyoungcy/ledgermarket/internal/store/memory"
	"github.com/alanyoungcy/ledgermarket/internal/store/postgres"
)

// streamBlock is how long one stream read waits for new entries.
const streamBlock = 2 * time.Second

// Dependencies bundles every dependency the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Metrics *metrics.Recorder

	// Sessions
	Wallet   *crypto.Wallet
	Client   *clearnode.Client
	Treasury *clearnode.Client // nil without market.treasury_key

	// On-chain; nil without chain.rpc_url
	Chain   *chain.Client
	Custody *chain.Custody

	// Stores
	Stores service.SettlementStores

	// Redis; nil when disabled
	ChannelCache domain.ChannelCache
	LockManager  domain.LockManager
	RateLimiter  domain.RateLimiter
	SignalBus    domain.SignalBus

	// Blob storage; nil when disabled
	Archiver domain.ResolutionArchiver

	// Notifications
	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Metrics: metrics.New()}

	// --- Wallet ---
	wallet, err := crypto.LoadWallet(crypto.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return fail("wallet", err)
	}
	deps.Wallet = wallet

	// --- PostgreSQL, or in-memory books ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		s := pgClient.Stores()
		deps.Stores = service.SettlementStores{
			Markets: s.Markets, Positions: s.Positions, Receipts: s.Receipts,
			Settlement: s.Settlement, Audit: s.Audit,
		}
	} else {
		logger.WarnContext(ctx, "supabase disabled; market books are kept in memory")
		db := memory.New()
		deps.Stores = service.SettlementStores{
			Markets: db.Markets(), Positions: db.Positions(), Receipts: db.Receipts(),
			Settlement: db.Settlement(), Audit: db.Audit(),
		}
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.ChannelCache = redis.NewChannelCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, streamBlock)
	}

	// --- S3 resolution archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })
		if err := s3Client.Health(ctx); err != nil {
			logger.WarnContext(ctx, "s3 bucket not reachable; archiving may fail", slog.String("error", err.Error()))
		}
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewObjects(s3Client),
			deps.Stores.Receipts,
			deps.Stores.Audit,
			logger,
		)
	}

	// --- Chain ---
	if cfg.Chain.RPCURL != "" {
		chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID, wallet.PrivateKey(), logger)
		if err != nil {
			return fail("chain", err)
		}
		deps.Chain = chainClient
		if cfg.Chain.Custody != "" {
			custody, err := chain.NewCustody(chainClient, cfg.Chain.Custody, wallet.PrivateKey(), logger)
			if err != nil {
				return fail("custody", err)
			}
			deps.Custody = custody
		}
	}

	// --- Clearnode sessions ---
	ncfg, err := clearnodeConfig(cfg)
	if err != nil {
		return fail("clearnode config", err)
	}
	opts := []clearnode.Option{clearnode.WithLogger(logger), clearnode.WithMetrics(deps.Metrics)}
	if deps.ChannelCache != nil {
		opts = append(opts, clearnode.WithChannelCache(deps.ChannelCache))
	}
	if deps.Custody != nil {
		opts = append(opts, clearnode.WithOnChain(deps.Custody))
	}
	deps.Client = clearnode.New(ncfg, wallet, opts...)
	closers = append(closers, func() { _ = deps.Client.Disconnect() })

	if cfg.Market.TreasuryKey != "" {
		tw, err := crypto.NewWallet(cfg.Market.TreasuryKey)
		if err != nil {
			return fail("treasury wallet", err)
		}
		deps.Treasury = clearnode.New(ncfg, tw,
			clearnode.WithLogger(logger.With(slog.String("session", "treasury"))),
			clearnode.WithMetrics(deps.Metrics),
		)
		closers = append(closers, func() { _ = deps.Treasury.Disconnect() })
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

	return deps, cleanup, nil
}

func clearnodeConfig(cfg *config.Config) (clearnode.Config, error) {
	allowances, err := cfg.AllowancesRaw()
	if err != nil {
		return clearnode.Config{}, err
	}
	deposit, err := cfg.Chain.DepositRaw()
	if err != nil {
		return clearnode.Config{}, err
	}
	return clearnode.Config{
		URL:            cfg.Clearnode.WSURL,
		Application:    cfg.Clearnode.Application,
		Scope:          cfg.Clearnode.Scope,
		SessionTTL:     cfg.Clearnode.SessionTTL.Duration,
		Allowances:     allowances,
		QueryTimeout:   cfg.Clearnode.QueryTimeout.Duration,
		RequestTimeout: cfg.Clearnode.RequestTimeout.Duration,
		ChainTimeout:   cfg.Clearnode.ChainTimeout.Duration,
		ChainID:        cfg.Chain.ChainID,
		Token:          cfg.Chain.Token,
		DepositAmount:  deposit,
	}, nil
}
