package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BloomsoftTeam/etherless/pkg/config"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "ETHERLESS_RPC_URL", "ETHERLESS_PRIVATE_KEY",
		"ETHERLESS_PUBLISH_CONTRACT", "ETHERLESS_INVOKE_CONTRACT", "ETHERLESS_REMOVE_CONTRACT",
		"ETHERLESS_REGISTRY_CONTRACT", "ETHERLESS_CONFIRMATIONS", "DATABASE_DRIVER", "DATABASE_URL",
		"REDIS_ADDR", "ARTIFACT_STORE", "ARTIFACT_DIR", "PENDING_TTL", "SWEEP_INTERVAL",
		"RECONCILE_GRACE", "PRICING_WEI_PER_SECOND", "PRICING_MARKUP_PERCENT", "RATE_LIMIT_RPS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, 10*time.Minute, cfg.PendingTTL)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileGrace)
	assert.Equal(t, uint64(1), cfg.Confirmations)
	assert.Empty(t, cfg.RedisAddr)

	sched, err := cfg.Schedule()
	require.NoError(t, err)
	assert.Equal(t, int64(260375000), sched.WeiPerSecond.Int64())
	assert.Equal(t, 5*time.Second, sched.Overhead)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("PENDING_TTL", "90s")
	t.Setenv("ETHERLESS_CONFIRMATIONS", "3")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PRICING_MARKUP_PERCENT", "25")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 90*time.Second, cfg.PendingTTL)
	assert.Equal(t, uint64(3), cfg.Confirmations)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, int64(25), cfg.Pricing.MarkupPercent)
}

func TestLoad_RejectsMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("PENDING_TTL", "ten minutes")
	t.Setenv("RATE_LIMIT_RPS", "fast")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PENDING_TTL")
	assert.Contains(t, err.Error(), "RATE_LIMIT_RPS")
}

func TestLoadFile_EnvironmentWins(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "etherless.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "7070"
database_driver: postgres
database_url: postgres://etherless@db/etherless
pending_ttl: 2m
contracts:
  publish: "0x00000000000000000000000000000000000000a1"
  invoke: "0x00000000000000000000000000000000000000a2"
  remove: "0x00000000000000000000000000000000000000a3"
  registry: "0x00000000000000000000000000000000000000a4"
artifacts:
  type: s3
  s3_bucket: functions
`), 0o600))
	t.Setenv("PORT", "6060")

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "6060", cfg.Port)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, 2*time.Minute, cfg.PendingTTL)
	assert.Equal(t, "s3", cfg.Artifacts.Type)
	assert.Equal(t, "functions", cfg.Artifacts.S3Bucket)
	// Untouched keys keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)

	addrs, err := cfg.Addresses()
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000a3"), addrs.Remove)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := config.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestAddresses_RejectsGarbage(t *testing.T) {
	cfg := config.Default()
	cfg.Contracts.Publish = "not-an-address"
	_, err := cfg.Addresses()
	assert.ErrorContains(t, err, "publish")
}

func TestSchedule_RejectsZeroRate(t *testing.T) {
	cfg := config.Default()
	cfg.Pricing.WeiPerSecond = "0"
	_, err := cfg.Schedule()
	assert.Error(t, err)
}

func TestPrivateKeyHex(t *testing.T) {
	cfg := config.Default()
	cfg.PrivateKey = " 0xabc123\n"
	assert.Equal(t, "abc123", cfg.PrivateKeyHex())
}
