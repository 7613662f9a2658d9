package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/sync?sslmode=disable")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultServerHost, cfg.Server.Host)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultWorkerPoolSize, cfg.Worker.PoolSize)
	assert.Equal(t, DefaultBackoffBase, cfg.Worker.BackoffBase)
	assert.Equal(t, DefaultConflictPolicy, cfg.Worker.ConflictPolicy)
	assert.Equal(t, DefaultAuditRetention, cfg.Maintenance.AuditRetention)
	assert.Equal(t, DefaultDedupWindow, cfg.Maintenance.EnqueueDedupWindow)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/sync?sslmode=disable")
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("SYNC_BACKOFF_BASE", "10s")
	t.Setenv("SYNC_CONFLICT_POLICY", "remote_wins")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.PoolSize)
	assert.Equal(t, 10*time.Second, cfg.Worker.BackoffBase)
	assert.Equal(t, "remote_wins", cfg.Worker.ConflictPolicy)
}

func TestValidate_InvalidConflictPolicy(t *testing.T) {
	cfg := TestConfig()
	cfg.Worker.ConflictPolicy = "coin_flip"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_CONFLICT_POLICY")
}

func TestValidate_LockTTLShorterThanLease(t *testing.T) {
	cfg := TestConfig()
	cfg.Worker.LockTTL = 30 * time.Second
	cfg.Worker.LeaseTimeout = time.Minute

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNC_LOCK_TTL")
}

func TestValidate_APIKeyRequiredInProduction(t *testing.T) {
	cfg := TestConfig()
	cfg.Logger.Environment = "production"
	cfg.External.APIKey = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestValidate_PoolSizeBounds(t *testing.T) {
	cfg := TestConfig()
	cfg.Worker.PoolSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_POOL_SIZE")
}

func TestTestConfig_IsValid(t *testing.T) {
	assert.NoError(t, TestConfig().Validate())
}
