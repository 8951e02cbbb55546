package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"tokenledger/internal/model"
)

func TestParseContracts(t *testing.T) {
	got, err := ParseContracts([]string{
		"0xAbCdEf0000000000000000000000000000000001:erc721:12345",
		"0x00000000000000000000000000000000000000b2:1155",
		"0x00000000000000000000000000000000000000c3",
	})
	if err != nil {
		t.Fatalf("parse contracts: %v", err)
	}

	want := []model.Contract{
		{Address: "0xabcdef0000000000000000000000000000000001", Standard: model.StandardERC721, DeploymentBlock: 12345},
		{Address: "0x00000000000000000000000000000000000000b2", Standard: model.StandardERC1155},
		{Address: "0x00000000000000000000000000000000000000c3"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("contracts = %+v, want %+v", got, want)
	}
}

func TestParseContractsRejectsBadEntries(t *testing.T) {
	for _, entry := range []string{
		"0x123:erc721",
		"0x00000000000000000000000000000000000000c3:erc20",
		"0x00000000000000000000000000000000000000c3:erc721:abc",
		"0x00000000000000000000000000000000000000c3:erc721:1:extra",
	} {
		if _, err := ParseContracts([]string{entry}); err == nil {
			t.Fatalf("expected error for %q", entry)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChunkSize != 2000 || cfg.MinChunkSize != 1000 {
		t.Fatalf("unexpected chunk sizes: %d/%d", cfg.ChunkSize, cfg.MinChunkSize)
	}
	if cfg.RetryBackoff != 10*time.Second || cfg.MaxRetries != 5 {
		t.Fatalf("unexpected retry settings: %s/%d", cfg.RetryBackoff, cfg.MaxRetries)
	}
	if cfg.RateStrategy != "sliding" || cfg.RateLimit != 25 || cfg.RateWindow != time.Second {
		t.Fatalf("unexpected rate settings: %s/%d/%s", cfg.RateStrategy, cfg.RateLimit, cfg.RateWindow)
	}
	if cfg.MaxGapSize != 10000 || cfg.JobCooldown != 10*time.Minute || cfg.QueueSize != 100 {
		t.Fatalf("unexpected scheduler settings: %+v", cfg)
	}
	if cfg.Listen != ":8080" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected listen/log level: %s/%s", cfg.Listen, cfg.LogLevel)
	}
}

func TestLoadFlagsEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	file := filepath.Join(dir, "indexer.yaml")
	content := []byte("rpc: http://file-rpc\nchunk-size: 5000\ncontracts:\n  - 0x00000000000000000000000000000000000000c3:erc1155:7\n")
	if err := os.WriteFile(file, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INDEXER_PG_DSN", "postgres://env")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.Uint64("max-gap-size", 10000, "")
	if err := flags.Parse([]string{"--rpc", "http://flag-rpc", "--max-gap-size", "50"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(file, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCURL != "http://flag-rpc" {
		t.Fatalf("rpc = %q, want flag value", cfg.RPCURL)
	}
	if cfg.PGDSN != "postgres://env" {
		t.Fatalf("pg dsn = %q, want env value", cfg.PGDSN)
	}
	if cfg.ChunkSize != 5000 || cfg.MaxGapSize != 50 {
		t.Fatalf("unexpected sizes: chunk=%d gap=%d", cfg.ChunkSize, cfg.MaxGapSize)
	}
	want := []model.Contract{{Address: "0x00000000000000000000000000000000000000c3", Standard: model.StandardERC1155, DeploymentBlock: 7}}
	if !reflect.DeepEqual(cfg.Contracts, want) {
		t.Fatalf("contracts = %+v, want %+v", cfg.Contracts, want)
	}
	if got := cfg.SyncConfig().Fetcher.ChunkSize; got != 5000 {
		t.Fatalf("sync config chunk size = %d", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("INDEXER_REDIS_URL=redis://dotenv:6379/0\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("INDEXER_REDIS_URL") })

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisURL != "redis://dotenv:6379/0" {
		t.Fatalf("redis url = %q", cfg.RedisURL)
	}
}

func TestLoadRejectsInvertedChunkSizes(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("INDEXER_MIN_CHUNK_SIZE", "5000")

	if _, err := Load("", nil); err == nil {
		t.Fatalf("expected error when min chunk size exceeds chunk size")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it changes
// the working directory for the rest of the test and restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
