package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/config"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"COMMIT_ADMIN", "COMMIT_LOG_LEVEL", "COMMIT_STORE", "COMMIT_SQLITE_PATH",
		"COMMIT_POSTGRES_URL", "COMMIT_REDIS_ADDR", "COMMIT_OTLP_ENDPOINT", "COMMIT_JWT_SECRET"} {
		t.Setenv(k, "")
	}
}

// TestLoad_RequiresAdmin verifies the protocol refuses to boot without an
// administrator.
func TestLoad_RequiresAdmin(t *testing.T) {
	clearEnv(t)
	_, err := config.Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "protocol.admin is required")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMMIT_ADMIN", "GADMIN")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "GADMIN", cfg.Protocol.Admin)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, config.StoreMemory, cfg.Storage.Backend)
	assert.Equal(t, uint32(1), cfg.Validation.MinDurationDays)
	assert.Equal(t, 24*time.Hour, cfg.Attestation.DecayWindow)
	assert.Equal(t, 50, cfg.Attestation.MaxBatchSize)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "commit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: DEBUG
protocol:
  admin: GFILEADMIN
  custody_account: vault
  value_updaters: [oracle]
allocation:
  max_single_allocation_bps: 5000
attestation:
  verifiers: [GVERIFIER]
  decay_window: 1h
  decay_step: 5
  rules:
    drawdown: 'int(payload["drawdown_percent"]) <= max_loss_percent'
rate_limits:
  backend: token_bucket
  limits:
    create:
      window: 1m
      max_calls: 3
storage:
  backend: sqlite
  sqlite_path: /tmp/c.db
`), 0o600))
	t.Setenv("COMMIT_ADMIN", "GENVADMIN")
	t.Setenv("COMMIT_OTLP_ENDPOINT", "collector:4317")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "GENVADMIN", cfg.Protocol.Admin)
	assert.Equal(t, "vault", cfg.Protocol.CustodyAccount)
	assert.Equal(t, []string{"oracle"}, cfg.Protocol.ValueUpdaters)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, uint32(5000), cfg.Allocation.MaxSingleAllocationBps)
	assert.Equal(t, time.Hour, cfg.Attestation.DecayWindow)
	assert.Equal(t, 5, cfg.Attestation.DecayStep)
	assert.Contains(t, cfg.Attestation.Rules["drawdown"], "max_loss_percent")
	assert.Equal(t, time.Minute, cfg.RateLimits.Limits["create"].Window)
	assert.Equal(t, 3, cfg.RateLimits.Limits["create"].MaxCalls)
	assert.Equal(t, config.StoreSQLite, cfg.Storage.Backend)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	// Unset sections keep their defaults.
	assert.Equal(t, uint32(3650), cfg.Validation.MaxDurationDays)
}

func TestValidate_RejectsNonsense(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol.Admin = "GADMIN"
	require.NoError(t, cfg.Validate())

	cfg.Allocation.MaxSingleAllocationBps = 10001
	cfg.Attestation.DecayWindow = 0
	cfg.Attestation.MaxBatchSize = 0
	cfg.Storage.Backend = "mongo"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_single_allocation_bps")
	assert.Contains(t, err.Error(), "decay_window")
	assert.Contains(t, err.Error(), "max_batch_size")
	assert.Contains(t, err.Error(), "storage.backend")
}
