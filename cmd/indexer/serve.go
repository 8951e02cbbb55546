package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tokenledger/internal/api"
	"tokenledger/internal/scheduler"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync scheduler and the control API",
		RunE:  runServe,
	}

	addStoreFlags(cmd.Flags())
	addChainFlags(cmd.Flags())
	addSyncFlags(cmd.Flags())
	addGapFlags(cmd.Flags())
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().StringSlice("cors-origins", nil, "allowed CORS origins (comma-separated)")
	cmd.Flags().Int("queue-size", 100, "maximum queued sync jobs")
	cmd.Flags().Duration("job-cooldown", 10*time.Minute, "how long finished jobs stay queryable")
	cmd.Flags().Bool("dedup-after-sync", false, "remove duplicate events after every completed job")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer logger.Sync()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := scheduler.New(a.syncer, a.reconciler, a.store, scheduler.Config{
		QueueSize:      cfg.QueueSize,
		Cooldown:       cfg.JobCooldown,
		DedupAfterSync: cfg.DedupAfterSync,
	}, logger)

	server := api.NewServer(api.Deps{
		Store:     a.store,
		Scheduler: sched,
		Gaps:      a.detector,
		Verifier:  a.validator,
		Rebuilder: a.reconciler,
		Logger:    logger,
	}, api.Options{
		Listen:         cfg.Listen,
		AllowedOrigins: cfg.CORSOrigins,
	})

	logger.Info("indexer serve start",
		zap.String("listen", cfg.Listen),
		zap.Int("contracts", len(cfg.Contracts)),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Duration("job_cooldown", cfg.JobCooldown),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(runCtx)
	}()

	serveErr := server.Start(runCtx)
	cancel()
	if err := <-schedDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return serveErr
}
