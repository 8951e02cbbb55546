package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"tokenledger/internal/indexer"
	"tokenledger/internal/model"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL   string
	PGDSN    string
	RedisURL string
	Listen   string

	ChunkSize         uint64
	MinChunkSize      uint64
	ChunkDelay        time.Duration
	RetryBackoff      time.Duration
	MaxRetries        int
	TimestampWorkers  int
	DefaultStartBlock uint64
	RawArchiveDir     string

	RateStrategy  string
	RateLimit     int
	RateWindow    time.Duration
	QueueAttempts int
	QueueDelay    time.Duration

	MinGapSize       uint64
	MaxGapSize       uint64
	MissingChunkSize uint64

	JobCooldown    time.Duration
	QueueSize      int
	DedupAfterSync bool

	Contracts   []model.Contract
	CORSOrigins []string
	LogLevel    string
}

// FetcherConfig returns the log fetcher settings.
func (c Config) FetcherConfig() indexer.FetcherConfig {
	return indexer.FetcherConfig{
		ChunkSize:    c.ChunkSize,
		MinChunkSize: c.MinChunkSize,
		ChunkDelay:   c.ChunkDelay,
		RetryBackoff: c.RetryBackoff,
		MaxRetries:   c.MaxRetries,
	}
}

// SyncConfig returns the syncer settings.
func (c Config) SyncConfig() indexer.SyncConfig {
	return indexer.SyncConfig{
		Fetcher:           c.FetcherConfig(),
		TimestampWorkers:  c.TimestampWorkers,
		DefaultStartBlock: c.DefaultStartBlock,
	}
}

// Load merges .env, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("chunk-size", uint64(2000))
	v.SetDefault("min-chunk-size", uint64(1000))
	v.SetDefault("chunk-delay", 200*time.Millisecond)
	v.SetDefault("retry-backoff", 10*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("timestamp-workers", 5)
	v.SetDefault("default-start-block", uint64(0))
	v.SetDefault("rate-strategy", "sliding")
	v.SetDefault("rate-limit", 25)
	v.SetDefault("rate-window", time.Second)
	v.SetDefault("queue-attempts", 3)
	v.SetDefault("queue-delay", 500*time.Millisecond)
	v.SetDefault("min-gap-size", uint64(1))
	v.SetDefault("max-gap-size", uint64(10000))
	v.SetDefault("missing-chunk-size", uint64(10000))
	v.SetDefault("job-cooldown", 10*time.Minute)
	v.SetDefault("queue-size", 100)
	v.SetDefault("dedup-after-sync", false)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	contracts, err := ParseContracts(getStringSlice(v, "contracts"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		PGDSN:             v.GetString("pg-dsn"),
		RedisURL:          v.GetString("redis-url"),
		Listen:            v.GetString("listen"),
		ChunkSize:         v.GetUint64("chunk-size"),
		MinChunkSize:      v.GetUint64("min-chunk-size"),
		ChunkDelay:        v.GetDuration("chunk-delay"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		MaxRetries:        v.GetInt("max-retries"),
		TimestampWorkers:  v.GetInt("timestamp-workers"),
		DefaultStartBlock: v.GetUint64("default-start-block"),
		RawArchiveDir:     v.GetString("raw-archive-dir"),
		RateStrategy:      v.GetString("rate-strategy"),
		RateLimit:         v.GetInt("rate-limit"),
		RateWindow:        v.GetDuration("rate-window"),
		QueueAttempts:     v.GetInt("queue-attempts"),
		QueueDelay:        v.GetDuration("queue-delay"),
		MinGapSize:        v.GetUint64("min-gap-size"),
		MaxGapSize:        v.GetUint64("max-gap-size"),
		MissingChunkSize:  v.GetUint64("missing-chunk-size"),
		JobCooldown:       v.GetDuration("job-cooldown"),
		QueueSize:         v.GetInt("queue-size"),
		DedupAfterSync:    v.GetBool("dedup-after-sync"),
		Contracts:         contracts,
		CORSOrigins:       getStringSlice(v, "cors-origins"),
		LogLevel:          v.GetString("log-level"),
	}

	if cfg.MinChunkSize > cfg.ChunkSize {
		return Config{}, fmt.Errorf("min-chunk-size %d exceeds chunk-size %d", cfg.MinChunkSize, cfg.ChunkSize)
	}
	return cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// ParseContracts parses entries of the form address[:standard[:deployBlock]].
func ParseContracts(entries []string) ([]model.Contract, error) {
	out := make([]model.Contract, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) > 3 {
			return nil, fmt.Errorf("invalid contract entry %q", entry)
		}

		address, err := indexer.ParseContractAddress(parts[0])
		if err != nil {
			return nil, err
		}
		c := model.Contract{Address: model.NormalizeAddress(address.Hex())}

		if len(parts) > 1 {
			standard, ok := model.ParseStandard(parts[1])
			if !ok {
				return nil, fmt.Errorf("invalid standard in contract entry %q", entry)
			}
			c.Standard = standard
		}
		if len(parts) > 2 && strings.TrimSpace(parts[2]) != "" {
			block, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid deployment block in contract entry %q", entry)
			}
			c.DeploymentBlock = block
		}
		out = append(out, c)
	}
	return out, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
