package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/epochlabs/ledgerd/internal/blob/s3"
	"github.com/epochlabs/ledgerd/internal/cache/redis"
	"github.com/epochlabs/ledgerd/internal/chain"
	"github.com/epochlabs/ledgerd/internal/config"
	"github.com/epochlabs/ledgerd/internal/domain"
	"github.com/epochlabs/ledgerd/internal/pipeline"
	"github.com/epochlabs/ledgerd/internal/reconcile"
	"github.com/epochlabs/ledgerd/internal/store/postgres"
)

// Dependencies bundles everything the operating modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Groups       domain.MarketGroupStore
	Markets      domain.MarketStore
	Positions    domain.PositionStore
	Transactions domain.TransactionStore
	Transfers    domain.CollateralTransferStore
	Prices       domain.MarketPriceStore
	Indexed      domain.IndexedBlockStore

	// Redis
	BlockCache domain.BlockCache
	Locks      domain.LockManager
	Bus        domain.SignalBus

	// Blob storage (nil in modes that never touch the archive)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.EventArchiver

	// Chain (nil in server mode when no RPC endpoint is configured)
	Chain   chain.Client
	Locator *chain.Locator

	// Core
	Engine   *reconcile.Engine
	Detector *reconcile.GapDetector

	// Pipeline
	Indexer    *pipeline.Indexer
	Backfiller *pipeline.Backfiller
	Replayer   *pipeline.Replayer
}

// needsChain returns true for modes that require an RPC endpoint. A pure
// read-only server can run without one; the gaps endpoint is then disabled.
func needsChain(mode string) bool {
	return mode != "server"
}

// needsBlob returns true for modes that touch the raw-event archive.
func needsBlob(mode string) bool {
	switch mode {
	case "index", "server", "replay", "full":
		return true
	default:
		return false
	}
}

// noChain stands in for the chain client when no RPC endpoint is wired.
// The sender-backfill path treats its error as a miss and falls back to the
// zero address.
type noChain struct{}

func (noChain) TransactionSender(ctx context.Context, txHash string) (string, error) {
	return "", fmt.Errorf("chain: no rpc endpoint configured")
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
	deps.Groups = postgres.NewMarketGroupStore(pool)
	deps.Markets = postgres.NewMarketStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Transactions = postgres.NewTransactionStore(pool)
	deps.Transfers = postgres.NewCollateralTransferStore(pool)
	deps.Prices = postgres.NewMarketPriceStore(pool)
	deps.Indexed = postgres.NewIndexedBlockStore(pool)

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

	deps.BlockCache = redis.NewBlockCache(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	// --- Chain ---
	var txReader chain.TxReader = noChain{}
	if needsChain(cfg.Mode) || cfg.Chain.RPCURL != "" {
		ethClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, ethClient.Close)

		deps.Chain = ethClient
		txReader = ethClient

		// Block lookups go through Redis so repeated locator probes of the
		// same heights stay off the RPC endpoint.
		cached := chain.NewCachingReader(ethClient, deps.BlockCache, cfg.Chain.ChainID, logger)
		deps.Locator = chain.NewLocator(cached)
		deps.Detector = reconcile.NewGapDetector(deps.Groups, deps.Markets, deps.Indexed, deps.Locator)
	}

	// --- S3 blob storage ---
	if needsBlob(cfg.Mode) {
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
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewEventArchiver(deps.BlobWriter, deps.BlobReader)
	}

	// --- Core engine and pipeline ---
	deps.Engine = reconcile.NewEngine(
		deps.Groups, deps.Markets, deps.Positions,
		deps.Transactions, deps.Transfers, deps.Prices,
		txReader, logger,
	)

	lockTTL := cfg.Indexer.LockTTL.Duration
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	deps.Indexer = pipeline.NewIndexer(
		deps.Engine, deps.Indexed, deps.Locks, deps.Bus, deps.Archiver,
		lockTTL, cfg.Indexer.QueueSize, logger,
	)

	if deps.Detector != nil {
		deps.Backfiller = pipeline.NewBackfiller(
			deps.Groups, deps.Markets, deps.Detector, deps.Bus,
			cfg.Indexer.BackfillWorkers, logger,
		)
	}

	if deps.Archiver != nil {
		deps.Replayer = pipeline.NewReplayer(deps.Archiver, deps.BlobReader, deps.Indexer, logger)
	}

	return deps, cleanup, nil
}
