package config_test

import (
	"PredictLedger/internal/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminPub = "d75a980182b10ab7d54bfed3c964073a0ee172f3daa62325af021a68f707511a"

func TestDefaults_AreValid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 9090, cfg.GRPCPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, int64(3_000_000), cfg.InitialWalletBalanceCents)

	ec := cfg.EngineConfig()
	assert.Equal(t, 300*time.Second, ec.ExpiryWindow)
	assert.Equal(t, 60*time.Second, ec.ClockSkew)
	assert.Equal(t, 10, ec.LeaderboardThreshold)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
port = 8181
admin_pubkey = "`+adminPub+`"
snapshot_backend = "sqlite"
sqlite_path = "/tmp/ledger.db"

[s3]
bucket = "snaps"

[[seed_accounts]]
public_key = "`+adminPub+`"
display_name = "tester"
balance_cents = 500
`), 0o644))

	t.Setenv("LEDGER_PORT", "8282")
	t.Setenv("LEDGER_LOG_LEVEL", "debug")
	t.Setenv("LEDGER_RATE_LIMIT_PER_SENDER", "2.5")
	t.Setenv("LEDGER_GRPC_PORT", "not-a-number")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8282, cfg.Port, "env overrides the file")
	assert.Equal(t, 9090, cfg.GRPCPort, "unparsable overrides are ignored")
	assert.Equal(t, adminPub, cfg.AdminPubkey)
	assert.Equal(t, config.SnapshotBackendSQLite, cfg.SnapshotBackend)
	assert.Equal(t, "snaps", cfg.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.S3.Region, "defaults survive partial tables")
	assert.Equal(t, 2.5, cfg.RateLimitPerSender)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	require.Len(t, cfg.SeedAccounts, 1)
	assert.Equal(t, int64(500), cfg.SeedAccounts[0].BalanceCents)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cases := map[string]string{
		"log level":       `log_level = "loud"`,
		"port":            `port = 0`,
		"expiry":          `expiry_window_secs = 0`,
		"admin key":       `admin_pubkey = "abc"`,
		"backend":         `snapshot_backend = "mysql"`,
		"postgres dsn":    `snapshot_backend = "postgres"`,
		"burst":           "rate_limit_per_sender = 5\nrate_limit_burst = 0",
		"seed account":    "[[seed_accounts]]\npublic_key = \"zz\"",
		"leaderboard":     `leaderboard_threshold = -1`,
		"persist batches": `persist_batch_size = 0`,
		"zero interval":   "snapshot_backend = \"sqlite\"\nsqlite_path = \"/tmp/l.db\"\nsnapshot_interval_secs = 0",
		"audit no snaps":  `postgres_dsn = "postgres://localhost/ledger"`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := config.Parse(text)
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg, err := config.Parse("port = 0\nexpiry_window_secs = 0")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "expiry_window_secs")
}

func TestValidate_SnapshotInterval(t *testing.T) {
	cfg, err := config.Parse("snapshot_backend = \"sqlite\"\nsqlite_path = \"/tmp/l.db\"\nsnapshot_interval_secs = 0")
	require.NoError(t, err)
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snapshot_interval_secs")

	cfg.SnapshotIntervalSecs = 30
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval())

	// Without a backend nothing ticks, so the interval is irrelevant.
	defaults := config.Defaults()
	cfg = &defaults
	cfg.SnapshotIntervalSecs = 0
	require.NoError(t, cfg.Validate())
}

func TestValidate_AuditLogNeedsSnapshots(t *testing.T) {
	cfg := config.Defaults()
	cfg.PostgresDSN = "postgres://localhost/ledger"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn requires a snapshot_backend")

	cfg.SnapshotBackend = config.SnapshotBackendPostgres
	require.NoError(t, cfg.Validate())
}
