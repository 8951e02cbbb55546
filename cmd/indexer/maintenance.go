package main

import (
	"github.com/spf13/cobra"

	"tokenledger/internal/gaps"
)

func newGapsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gaps",
		Short: "Report holes in a contract's stored block sequence",
		RunE:  runGaps,
	}

	addStoreFlags(cmd.Flags())
	addChainFlags(cmd.Flags())
	addSyncFlags(cmd.Flags())
	addGapFlags(cmd.Flags())
	cmd.Flags().String("contract", "", "contract address")
	cmd.Flags().Bool("missing", false, "compare on-chain and stored log counts per chunk (uses RPC)")
	cmd.Flags().Uint64("missing-chunk-size", 10000, "chunk size of the on-chain comparison")
	cmd.Flags().Uint64("from", 0, "start block of the on-chain comparison")
	cmd.Flags().Uint64("to", 0, "end block of the on-chain comparison")
	return cmd
}

func runGaps(cmd *cobra.Command, _ []string) error {
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
	missing, _ := cmd.Flags().GetBool("missing")

	a, err := newApp(ctx, cfg, logger, missing)
	if err != nil {
		return err
	}
	defer a.Close()

	if !missing {
		report, err := a.detector.FindGaps(ctx, contract)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	}

	mismatches, err := a.detector.FindMissingChunks(ctx, gaps.ChunkRequest{
		Contract:  contract,
		FromBlock: blockFlag(cmd, "from"),
		ToBlock:   blockFlag(cmd, "to"),
		ChunkSize: cfg.MissingChunkSize,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), mismatches)
}

func newRebuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild a contract's balances from its event log",
		RunE:  runRebuild,
	}

	addStoreFlags(cmd.Flags())
	cmd.Flags().String("contract", "", "contract address")
	return cmd
}

func runRebuild(cmd *cobra.Command, _ []string) error {
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

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.reconciler.Rebuild(ctx, contract)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), summary)
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Cross-check stored supply against the chain and score data health",
		RunE:  runVerify,
	}

	addStoreFlags(cmd.Flags())
	addChainFlags(cmd.Flags())
	addGapFlags(cmd.Flags())
	cmd.Flags().String("contract", "", "contract address")
	return cmd
}

func runVerify(cmd *cobra.Command, _ []string) error {
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

	report, err := a.validator.Verify(ctx, contract)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func newDedupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Find and remove duplicate event rows",
		RunE:  runDedup,
	}

	addStoreFlags(cmd.Flags())
	cmd.Flags().String("contract", "", "contract address")
	cmd.Flags().Bool("dry-run", false, "only list duplicate groups")
	return cmd
}

func runDedup(cmd *cobra.Command, _ []string) error {
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

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	groups, err := a.store.FindDuplicates(ctx, contract)
	if err != nil {
		return err
	}
	if dryRun, _ := cmd.Flags().GetBool("dry-run"); dryRun {
		return printJSON(cmd.OutOrStdout(), groups)
	}

	removed, err := a.store.RemoveDuplicates(ctx, contract)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]interface{}{
		"groups":  len(groups),
		"removed": removed,
	})
}
