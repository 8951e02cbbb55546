package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tokenledger/internal/indexer"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one contract in the foreground, then rebuild its balances",
		RunE:  runSync,
	}

	addStoreFlags(cmd.Flags())
	addChainFlags(cmd.Flags())
	addSyncFlags(cmd.Flags())
	cmd.Flags().String("contract", "", "contract address")
	cmd.Flags().Uint64("from", 0, "start block (inclusive), default resumes from checkpoint")
	cmd.Flags().Uint64("to", 0, "end block (inclusive), default is latest")
	cmd.Flags().Bool("skip-rebuild", false, "do not rebuild balances after the sync")
	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx, stop, cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()
	defer logger.Sync()

	contract, err := requireContract(cmd)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	req := indexer.SyncRequest{
		Contract:  contract,
		FromBlock: blockFlag(cmd, "from"),
		ToBlock:   blockFlag(cmd, "to"),
	}
	hooks := indexer.SyncHooks{
		Progress: func(p indexer.ProgressUpdate) {
			logger.Info("sync progress",
				zap.String("contract", p.Contract),
				zap.Uint64("current_block", p.CurrentBlock),
				zap.Uint64("to_block", p.ToBlock),
				zap.String("progress", fmt.Sprintf("%.2f%%", p.Percent())),
				zap.Int64("events", p.EventsProcessed),
				zap.Duration("eta", p.ETA),
			)
		},
	}

	result, err := a.syncer.Sync(ctx, req, hooks)
	if err != nil {
		return err
	}
	logger.Info("sync done",
		zap.String("contract", result.Contract),
		zap.Uint64("from", result.FromBlock),
		zap.Uint64("to", result.ToBlock),
		zap.Int64("events_inserted", result.EventsInserted),
		zap.Duration("duration", result.Duration),
	)

	if skip, _ := cmd.Flags().GetBool("skip-rebuild"); skip {
		return printJSON(cmd.OutOrStdout(), result)
	}
	summary, err := a.reconciler.Rebuild(ctx, contract)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]interface{}{
		"sync":     result,
		"balances": summary,
	})
}
