package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	s3blob "github.com/calebriley/optexec/internal/blob/s3"
	"github.com/calebriley/optexec/internal/broker"
	"github.com/calebriley/optexec/internal/cache/redis"
	"github.com/calebriley/optexec/internal/config"
	"github.com/calebriley/optexec/internal/domain"
	"github.com/calebriley/optexec/internal/notify"
	"github.com/calebriley/optexec/internal/store/postgres"
	"github.com/calebriley/optexec/internal/store/sqlite"
)

// simStartingCash seeds the paper-trading account.
var simStartingCash = decimal.NewFromInt(100_000)

// Dependencies bundles the infrastructure the trading loops operate on.
// Optional fields (LockManager, RateLimiter, BlobWriter) are nil when their
// backing service is disabled in configuration.
type Dependencies struct {
	Ledger  domain.OrderLedger
	Audit   domain.AuditStore
	Gateway broker.Gateway

	// SimFills carries the simulator's execution reports in paper mode and
	// is nil in live mode, where fills arrive over the trade-update stream.
	SimFills <-chan domain.FillEvent

	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	BlobWriter  domain.BlobWriter

	Notifier *notify.Notifier
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function to be
// called on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	live := strings.ToLower(cfg.Mode) == "live"

	// --- Ledger and broker gateway ---
	if live {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		deps.Ledger = postgres.NewLedger(pgClient.Pool())
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
		deps.Gateway = broker.NewAlpacaGateway(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.BaseURL)
	} else {
		sq, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = sq.Close() })

		sim := broker.NewSimGateway(simStartingCash, true, 150*time.Millisecond)
		deps.Ledger = sq
		deps.Audit = sq
		deps.Gateway = sim
		deps.SimFills = sim.Fills()
	}

	// --- Redis (account lock + submit rate limiting) ---
	if cfg.Redis.Enabled {
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

		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, cfg.Redis.SubmitLimit, cfg.Redis.SubmitWindow.Duration)
	}

	// --- S3 (ledger archive) ---
	if cfg.S3.Enabled {
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
		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.New(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
