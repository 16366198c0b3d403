package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "LEDGER_"

// Load builds the configuration: defaults, then the TOML file at path (if
// path is non-empty), then .env (ignored when missing), then LEDGER_*
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes TOML text over the defaults without touching the
// environment. Used by tests and `ledgerctl`.
func Parse(text string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose LEDGER_* variable is set and
// non-empty.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	// ── Listeners ──
	setInt(&cfg.Port, "PORT")
	setInt(&cfg.GRPCPort, "GRPC_PORT")
	setInt(&cfg.MetricsPort, "METRICS_PORT")

	// ── Engine ──
	setInt64(&cfg.ExpiryWindowSecs, "EXPIRY_WINDOW_SECS")
	setInt64(&cfg.ClockSkewSecs, "CLOCK_SKEW_SECS")
	setInt64(&cfg.InitialWalletBalanceCents, "INITIAL_WALLET_BALANCE_CENTS")
	setInt(&cfg.LeaderboardThreshold, "LEADERBOARD_THRESHOLD")
	setStr(&cfg.AdminPubkey, "ADMIN_PUBKEY")
	setInt(&cfg.ReplayCacheSize, "REPLAY_CACHE_SIZE")
	setStr(&cfg.DiagnosticDumpDir, "DIAGNOSTIC_DUMP_DIR")

	// ── Infrastructure ──
	setStr(&cfg.PostgresDSN, "POSTGRES_DSN")
	setStr(&cfg.NATSURL, "NATS_URL")
	setStr(&cfg.RedisAddr, "REDIS_ADDR")
	setStr(&cfg.RedisPassword, "REDIS_PASSWORD")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.Prefix, "S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// ── Snapshots ──
	setStr(&cfg.SnapshotBackend, "SNAPSHOT_BACKEND")
	setStr(&cfg.SQLitePath, "SQLITE_PATH")
	setInt64(&cfg.SnapshotIntervalSecs, "SNAPSHOT_INTERVAL_SECS")

	// ── Admission ──
	setFloat64(&cfg.RateLimitPerSender, "RATE_LIMIT_PER_SENDER")
	setInt(&cfg.RateLimitBurst, "RATE_LIMIT_BURST")

	// ── Persistence ──
	setInt(&cfg.PersistBatchSize, "PERSIST_BATCH_SIZE")
	setInt(&cfg.PersistFlushMs, "PERSIST_FLUSH_MS")
	setInt(&cfg.PersistChanSize, "PERSIST_CHAN_SIZE")
	setInt(&cfg.ProjectionChanSize, "PROJECTION_CHAN_SIZE")
	setInt(&cfg.PublishChanSize, "PUBLISH_CHAN_SIZE")

	// ── Leader lock ──
	setStr(&cfg.LeaderKey, "LEADER_KEY")
	setInt64(&cfg.LeaderTTLSecs, "LEADER_TTL_SECS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty; unparsable values are ignored.
// ---------------------------------------------------------------------------

func lookup(key string) string {
	return strings.TrimSpace(os.Getenv(EnvPrefix + key))
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
