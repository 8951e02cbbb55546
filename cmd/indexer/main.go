package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "indexer",
		Short:        "ERC-721/ERC-1155 transfer indexer",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	root.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newGapsCmd(),
		newRebuildCmd(),
		newVerifyCmd(),
		newDedupCmd(),
		newMigrateCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// addStoreFlags registers the flags every command needs.
func addStoreFlags(fs *pflag.FlagSet) {
	fs.String("pg-dsn", "", "Postgres DSN (empty uses an in-memory store)")
	fs.StringSlice("contracts", nil, "tracked contracts as address:standard:deployBlock (comma-separated)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}

// addChainFlags registers provider and rate governor flags.
func addChainFlags(fs *pflag.FlagSet) {
	fs.String("rpc", "", "JSON-RPC URL")
	fs.String("redis-url", "", "Redis URL for the redis rate strategy")
	fs.String("rate-strategy", "sliding", "rate strategy (sliding, fixed, token, redis)")
	fs.Int("rate-limit", 25, "RPC calls allowed per rate window")
	fs.Duration("rate-window", time.Second, "rate window")
	fs.Int("queue-attempts", 3, "attempts per RPC call in the rate queue")
	fs.Duration("queue-delay", 500*time.Millisecond, "linear retry delay of the rate queue")
}

// addSyncFlags registers fetcher and syncer flags.
func addSyncFlags(fs *pflag.FlagSet) {
	fs.Uint64("chunk-size", 2000, "blocks per eth_getLogs chunk")
	fs.Uint64("min-chunk-size", 1000, "smallest span bisected on range errors")
	fs.Duration("chunk-delay", 200*time.Millisecond, "pause between chunks")
	fs.Duration("retry-backoff", 10*time.Second, "fixed backoff on transient provider errors")
	fs.Int("max-retries", 5, "maximum retries per chunk")
	fs.Int("timestamp-workers", 5, "concurrent block timestamp lookups")
	fs.Uint64("default-start-block", 0, "start block when nothing else is known")
	fs.String("raw-archive-dir", "", "directory for raw log archives (empty disables)")
}

// addGapFlags registers gap detector thresholds.
func addGapFlags(fs *pflag.FlagSet) {
	fs.Uint64("min-gap-size", 1, "smallest hole reported as a gap")
	fs.Uint64("max-gap-size", 10000, "largest hole reported as a gap; larger ones need a full re-sync")
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
