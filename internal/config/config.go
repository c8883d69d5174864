package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL   string
	Contract string

	StoreDriver  string
	StoreDSN     string
	StoreTimeout time.Duration
	RPCTimeout   time.Duration

	StartBlock   uint64
	ChunkSize    uint64
	ChunkRetries int
	RetryBackoff time.Duration

	ApplyRetries int
	QueueSize    int

	ReconcileInterval time.Duration
	ReconcileMode     string
	ReconcileOnStart  bool

	SweepInterval     time.Duration
	DeadLetterCeiling int
	DeadLetterQuiet   time.Duration
	TerminalLog       string

	ConnectRetryInterval time.Duration
	RestartDelay         time.Duration

	HTTPAddr string
	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("store-driver", DriverPostgres)
	v.SetDefault("store-timeout", 10*time.Second)
	v.SetDefault("rpc-timeout", 30*time.Second)
	v.SetDefault("chunk-size", uint64(2000))
	v.SetDefault("chunk-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("apply-retries", 3)
	v.SetDefault("queue-size", 256)
	v.SetDefault("reconcile-interval", time.Hour)
	v.SetDefault("reconcile-mode", "store")
	v.SetDefault("sweep-interval", 5*time.Minute)
	v.SetDefault("dead-letter-ceiling", 5)
	v.SetDefault("dead-letter-quiet", time.Minute)
	v.SetDefault("terminal-log", "./data/dead_letters_terminal.jsonl")
	v.SetDefault("connect-retry-interval", 5*time.Second)
	v.SetDefault("restart-delay", 2*time.Second)
	v.SetDefault("http-addr", ":8080")
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

	cfg := Config{
		RPCURL:               strings.TrimSpace(v.GetString("rpc")),
		Contract:             strings.TrimSpace(v.GetString("contract")),
		StoreDriver:          strings.ToLower(strings.TrimSpace(v.GetString("store-driver"))),
		StoreDSN:             strings.TrimSpace(v.GetString("store-dsn")),
		StoreTimeout:         v.GetDuration("store-timeout"),
		RPCTimeout:           v.GetDuration("rpc-timeout"),
		StartBlock:           v.GetUint64("start-block"),
		ChunkSize:            v.GetUint64("chunk-size"),
		ChunkRetries:         v.GetInt("chunk-retries"),
		RetryBackoff:         v.GetDuration("retry-backoff"),
		ApplyRetries:         v.GetInt("apply-retries"),
		QueueSize:            v.GetInt("queue-size"),
		ReconcileInterval:    v.GetDuration("reconcile-interval"),
		ReconcileMode:        strings.ToLower(strings.TrimSpace(v.GetString("reconcile-mode"))),
		ReconcileOnStart:     v.GetBool("reconcile-on-start"),
		SweepInterval:        v.GetDuration("sweep-interval"),
		DeadLetterCeiling:    v.GetInt("dead-letter-ceiling"),
		DeadLetterQuiet:      v.GetDuration("dead-letter-quiet"),
		TerminalLog:          v.GetString("terminal-log"),
		ConnectRetryInterval: v.GetDuration("connect-retry-interval"),
		RestartDelay:         v.GetDuration("restart-delay"),
		HTTPAddr:             v.GetString("http-addr"),
		LogLevel:             v.GetString("log-level"),
	}

	return cfg, nil
}

// ValidateStore checks the settings every command needs to reach the store.
func (c Config) ValidateStore() error {
	switch c.StoreDriver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported store driver: %q", c.StoreDriver)
	}
	if c.StoreDSN == "" {
		return errors.New("store dsn is required")
	}
	if c.DeadLetterCeiling <= 0 {
		return errors.New("dead-letter-ceiling must be greater than zero")
	}
	return nil
}

// Validate checks the settings needed to run the mirror.
func (c Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if c.RPCURL == "" {
		return errors.New("rpc url is required")
	}
	if !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("contract must be a hex address, got %q", c.Contract)
	}
	if c.ChunkSize == 0 {
		return errors.New("chunk-size must be greater than zero")
	}
	if c.QueueSize <= 0 {
		return errors.New("queue-size must be greater than zero")
	}
	switch c.ReconcileMode {
	case "store", "index":
	default:
		return fmt.Errorf("unsupported reconcile mode: %q", c.ReconcileMode)
	}
	if c.ReconcileInterval <= 0 || c.SweepInterval <= 0 {
		return errors.New("reconcile-interval and sweep-interval must be positive")
	}
	return nil
}
