// Package config loads the service configuration: built-in defaults, an
// optional TOML file, a .env file and LEDGER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"PredictLedger/internal/core"
	"PredictLedger/internal/crypto"
	"PredictLedger/internal/observability"
)

// Snapshot backends.
const (
	SnapshotBackendPostgres = "postgres"
	SnapshotBackendSQLite   = "sqlite"
	SnapshotBackendNone     = "none"
)

// S3Config locates the snapshot archive bucket. An empty bucket disables
// archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// SeedAccount is a test account registered at boot.
type SeedAccount struct {
	PublicKey    string `toml:"public_key"`
	DisplayName  string `toml:"display_name"`
	BalanceCents int64  `toml:"balance_cents"`
}

// Config is the full service configuration.
type Config struct {
	LogLevel string `toml:"log_level"`

	// Listeners
	Port        int `toml:"port"`
	GRPCPort    int `toml:"grpc_port"`
	MetricsPort int `toml:"metrics_port"`

	// Engine
	ExpiryWindowSecs          int64  `toml:"expiry_window_secs"`
	ClockSkewSecs             int64  `toml:"clock_skew_secs"`
	InitialWalletBalanceCents int64  `toml:"initial_wallet_balance_cents"`
	LeaderboardThreshold      int    `toml:"leaderboard_threshold"`
	AdminPubkey               string `toml:"admin_pubkey"`
	ReplayCacheSize           int    `toml:"replay_cache_size"`
	DiagnosticDumpDir         string `toml:"diagnostic_dump_dir"`

	// Infrastructure. An empty address disables the component.
	PostgresDSN   string `toml:"postgres_dsn"`
	NATSURL       string `toml:"nats_url"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	S3            S3Config `toml:"s3"`

	// Snapshots
	SnapshotBackend      string `toml:"snapshot_backend"`
	SQLitePath           string `toml:"sqlite_path"`
	SnapshotIntervalSecs int64  `toml:"snapshot_interval_secs"`

	// Admission
	RateLimitPerSender float64 `toml:"rate_limit_per_sender"`
	RateLimitBurst     int     `toml:"rate_limit_burst"`

	// Persistence worker and channels
	PersistBatchSize   int `toml:"persist_batch_size"`
	PersistFlushMs     int `toml:"persist_flush_ms"`
	PersistChanSize    int `toml:"persist_chan_size"`
	ProjectionChanSize int `toml:"projection_chan_size"`
	PublishChanSize    int `toml:"publish_chan_size"`

	// Leader lock
	LeaderKey     string `toml:"leader_key"`
	LeaderTTLSecs int64  `toml:"leader_ttl_secs"`

	SeedAccounts []SeedAccount `toml:"seed_accounts"`
}

// Defaults returns a Config populated with the documented defaults.
func Defaults() Config {
	return Config{
		LogLevel:                  "info",
		Port:                      8080,
		GRPCPort:                  9090,
		MetricsPort:               9091,
		ExpiryWindowSecs:          300,
		ClockSkewSecs:             60,
		InitialWalletBalanceCents: core.DefaultInitialWalletBalance,
		LeaderboardThreshold:      10,
		ReplayCacheSize:           core.DefaultReplayCacheSize,
		S3:                        S3Config{Region: "us-east-1", Prefix: "snapshots/"},
		SnapshotBackend:           SnapshotBackendNone,
		SQLitePath:                "predictledger.db",
		SnapshotIntervalSecs:      300,
		RateLimitPerSender:        20,
		RateLimitBurst:            40,
		PersistBatchSize:          50,
		PersistFlushMs:            10,
		PersistChanSize:           1024,
		ProjectionChanSize:        2048,
		PublishChanSize:           2048,
		LeaderKey:                 "predictledger:leader",
		LeaderTTLSecs:             15,
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks every field and returns all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	for name, port := range map[string]int{"port": c.Port, "grpc_port": c.GRPCPort, "metrics_port": c.MetricsPort} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Sprintf("%s must be in 1..65535, got %d", name, port))
		}
	}
	if c.ExpiryWindowSecs <= 0 {
		errs = append(errs, "expiry_window_secs must be positive")
	}
	if c.ClockSkewSecs < 0 {
		errs = append(errs, "clock_skew_secs must not be negative")
	}
	if c.InitialWalletBalanceCents < 0 {
		errs = append(errs, "initial_wallet_balance_cents must not be negative")
	}
	if c.LeaderboardThreshold <= 0 {
		errs = append(errs, "leaderboard_threshold must be positive")
	}
	if c.AdminPubkey != "" {
		if _, err := crypto.ParsePublicKey(c.AdminPubkey); err != nil {
			errs = append(errs, fmt.Sprintf("admin_pubkey: %v", err))
		}
	}
	if c.ReplayCacheSize <= 0 {
		errs = append(errs, "replay_cache_size must be positive")
	}

	switch c.SnapshotBackend {
	case SnapshotBackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, "snapshot_backend=postgres requires postgres_dsn")
		}
	case SnapshotBackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, "snapshot_backend=sqlite requires sqlite_path")
		}
	case SnapshotBackendNone:
		if c.PostgresDSN != "" {
			errs = append(errs, "postgres_dsn requires a snapshot_backend to checkpoint the audit log")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown snapshot_backend %q (valid: postgres, sqlite, none)", c.SnapshotBackend))
	}
	if c.SnapshotBackend != SnapshotBackendNone && c.SnapshotIntervalSecs <= 0 {
		errs = append(errs, "snapshot_interval_secs must be positive when a snapshot_backend is set")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}

	if c.RateLimitPerSender < 0 {
		errs = append(errs, "rate_limit_per_sender must not be negative")
	}
	if c.RateLimitPerSender > 0 && c.RateLimitBurst <= 0 {
		errs = append(errs, "rate_limit_burst must be positive when rate limiting is on")
	}
	if c.PersistBatchSize <= 0 {
		errs = append(errs, "persist_batch_size must be positive")
	}
	if c.PersistFlushMs <= 0 {
		errs = append(errs, "persist_flush_ms must be positive")
	}
	if c.PersistChanSize <= 0 || c.ProjectionChanSize <= 0 || c.PublishChanSize <= 0 {
		errs = append(errs, "channel sizes must be positive")
	}
	if c.RedisAddr != "" && c.LeaderTTLSecs <= 0 {
		errs = append(errs, "leader_ttl_secs must be positive when redis_addr is set")
	}

	for i, s := range c.SeedAccounts {
		if _, err := crypto.ParsePublicKey(s.PublicKey); err != nil {
			errs = append(errs, fmt.Sprintf("seed_accounts[%d]: %v", i, err))
		}
		if s.BalanceCents < 0 {
			errs = append(errs, fmt.Sprintf("seed_accounts[%d]: balance_cents must not be negative", i))
		}
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// EngineConfig converts to the engine's tunables.
func (c *Config) EngineConfig() core.Config {
	return core.Config{
		ExpiryWindow:         time.Duration(c.ExpiryWindowSecs) * time.Second,
		ClockSkew:            time.Duration(c.ClockSkewSecs) * time.Second,
		InitialWalletBalance: c.InitialWalletBalanceCents,
		LeaderboardThreshold: c.LeaderboardThreshold,
		AdminPubkey:          c.AdminPubkey,
		ReplayCacheSize:      c.ReplayCacheSize,
		DiagnosticDumpDir:    c.DiagnosticDumpDir,
	}
}

func (c *Config) PersistFlushTimeout() time.Duration {
	return time.Duration(c.PersistFlushMs) * time.Millisecond
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSecs) * time.Second
}

func (c *Config) LeaderTTL() time.Duration {
	return time.Duration(c.LeaderTTLSecs) * time.Second
}

// Level is the parsed log level.
func (c *Config) Level() zerolog.Level {
	return observability.ParseLogLevel(strings.ToLower(c.LogLevel))
}
