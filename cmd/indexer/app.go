package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tokenledger/internal/chain"
	"tokenledger/internal/config"
	"tokenledger/internal/decoder"
	"tokenledger/internal/gaps"
	"tokenledger/internal/indexer"
	"tokenledger/internal/ratelimit"
	"tokenledger/internal/reconcile"
	"tokenledger/internal/storage"
	"tokenledger/internal/storage/memory"
	"tokenledger/internal/storage/postgres"
	"tokenledger/internal/validate"
)

// app wires the components a command needs. Chain-backed parts are nil when
// the command runs without a provider.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	store      storage.Store
	chain      *chain.Client
	decoder    *decoder.Decoder
	syncer     *indexer.Syncer
	detector   *gaps.Detector
	validator  *validate.Validator
	reconciler *reconcile.Reconciler

	closers []func()
}

// setup loads configuration and the logger, and returns a context cancelled
// on SIGINT or SIGTERM.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, config.Config{}, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, config.Config{}, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, stop, cfg, logger, nil
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, withChain bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	dec, err := decoder.New()
	if err != nil {
		return nil, fmt.Errorf("init decoder: %w", err)
	}
	a.decoder = dec

	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.registerContracts(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if withChain {
		if err := a.openChain(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	gapOpts := gaps.Options{MinGapSize: cfg.MinGapSize, MaxGapSize: cfg.MaxGapSize}
	a.reconciler = reconcile.NewReconciler(a.store, logger)
	if a.syncer != nil {
		a.detector = gaps.NewDetector(a.store, a.syncer.Fetcher(), a.chain, dec, gapOpts, logger)
		a.validator = validate.NewValidator(a.store, a.chain, a.detector, logger)
	} else {
		a.detector = gaps.NewDetector(a.store, nil, nil, dec, gapOpts, logger)
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.PGDSN == "" {
		a.logger.Warn("pg-dsn not set, using in-memory store")
		a.store = memory.NewStore()
		return nil
	}

	pg, err := postgres.NewStore(ctx, a.cfg.PGDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	a.store = pg
	return nil
}

func (a *app) registerContracts(ctx context.Context) error {
	for _, c := range a.cfg.Contracts {
		if err := a.store.UpsertContract(ctx, c); err != nil {
			return fmt.Errorf("register contract %s: %w", c.Address, err)
		}
	}
	return nil
}

func (a *app) openChain(ctx context.Context) error {
	if a.cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}

	var redisClient *redis.Client
	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		redisClient = redis.NewClient(opts)
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Strategy: a.cfg.RateStrategy,
		Limit:    a.cfg.RateLimit,
		Window:   a.cfg.RateWindow,
		Redis:    redisClient,
		Prefix:   "tokenledger:rate",
	})
	if err != nil {
		return err
	}
	if cleaner, ok := limiter.(ratelimit.Cleaner); ok {
		ratelimit.StartCleanup(ctx, cleaner, a.cfg.RateWindow*10, a.logger)
	}

	queue := ratelimit.NewQueue(limiter, ratelimit.QueueConfig{
		MaxAttempts: a.cfg.QueueAttempts,
		RetryDelay:  a.cfg.QueueDelay,
		Retryable:   chain.IsTransient,
	}, a.logger)
	queue.Start(ctx)

	client, err := chain.NewClient(ctx, a.cfg.RPCURL, chain.WithExecutor(queue))
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	a.chain = client
	a.closers = append(a.closers, client.Close)

	var opts []indexer.SyncOption
	if a.cfg.RawArchiveDir != "" {
		opts = append(opts, indexer.WithRawSink(storage.NewArchive(a.cfg.RawArchiveDir)))
	}
	a.syncer = indexer.NewSyncer(client, a.store, a.decoder, a.cfg.SyncConfig(), a.logger, opts...)

	a.logger.Info("rpc connected",
		zap.String("rate_strategy", a.cfg.RateStrategy),
		zap.Int("rate_limit", a.cfg.RateLimit),
		zap.Duration("rate_window", a.cfg.RateWindow),
	)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func requireContract(cmd *cobra.Command) (string, error) {
	contract, _ := cmd.Flags().GetString("contract")
	address, err := indexer.ParseContractAddress(contract)
	if err != nil {
		return "", err
	}
	return address.Hex(), nil
}

// blockFlag returns nil unless the flag was set explicitly.
func blockFlag(cmd *cobra.Command, name string) *uint64 {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetUint64(name)
	return &v
}
