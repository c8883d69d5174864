package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ChunkSize != 2000 || cfg.ChunkRetries != 3 || cfg.QueueSize != 256 {
		t.Fatalf("unexpected ingestion defaults: %+v", cfg)
	}
	if cfg.ReconcileInterval != time.Hour || cfg.ReconcileMode != "store" || cfg.ReconcileOnStart {
		t.Fatalf("unexpected reconcile defaults: %+v", cfg)
	}
	if cfg.DeadLetterCeiling != 5 || cfg.DeadLetterQuiet != time.Minute || cfg.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected dead letter defaults: %+v", cfg)
	}
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("store driver = %q", cfg.StoreDriver)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	cfgFile := filepath.Join(dir, "mirror.yaml")
	content := "rpc: ws://file:8546\nchunk-size: 500\nreconcile-mode: index\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("INDEXER_CHUNK_SIZE", "750")
	t.Setenv("INDEXER_STORE_DSN", "/tmp/mirror.db")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("rpc", "", "")
	flags.Uint64("chunk-size", 2000, "")
	if err := flags.Parse([]string{"--rpc", "ws://flag:8546"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(cfgFile, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCURL != "ws://flag:8546" {
		t.Fatalf("flag should win, got %q", cfg.RPCURL)
	}
	if cfg.ChunkSize != 750 {
		t.Fatalf("env should beat file, got %d", cfg.ChunkSize)
	}
	if cfg.ReconcileMode != "index" {
		t.Fatalf("file value lost, got %q", cfg.ReconcileMode)
	}
	if cfg.StoreDSN != "/tmp/mirror.db" {
		t.Fatalf("store dsn = %q", cfg.StoreDSN)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		RPCURL:            "ws://localhost:8546",
		Contract:          "0x52908400098527886E0F7030069857D2E4169EE7",
		StoreDriver:       DriverSQLite,
		StoreDSN:          "mirror.db",
		ChunkSize:         2000,
		QueueSize:         256,
		ReconcileMode:     "store",
		ReconcileInterval: time.Hour,
		SweepInterval:     time.Minute,
		DeadLetterCeiling: 5,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"missing rpc":      func(c *Config) { c.RPCURL = "" },
		"bad contract":     func(c *Config) { c.Contract = "0x123" },
		"missing dsn":      func(c *Config) { c.StoreDSN = "" },
		"unknown driver":   func(c *Config) { c.StoreDriver = "mysql" },
		"zero chunk":       func(c *Config) { c.ChunkSize = 0 },
		"unknown mode":     func(c *Config) { c.ReconcileMode = "sample" },
		"zero ceiling":     func(c *Config) { c.DeadLetterCeiling = 0 },
		"no sweep cadence": func(c *Config) { c.SweepInterval = 0 },
	}
	for name, mutate := range cases {
		cfg := valid
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore wd: %v", err)
		}
	})
}
