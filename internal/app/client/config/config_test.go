package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, EnvLocal, cfg.Env)
	assert.Equal(t, defaultServerAddress, cfg.ServerAddress)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL())
	assert.Equal(t, filepath.Join(cfg.ConfigDir, "possync.db"), cfg.DataPath)
	assert.Equal(t, filepath.Join(cfg.ConfigDir, "token"), cfg.TokenPath)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 10, cfg.Sync.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 300*time.Second, cfg.Sync.BackoffMax)
	assert.Equal(t, 60*time.Second, cfg.Sync.BatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.Sync.ProbeInterval)
	assert.Empty(t, cfg.DeviceID)
}

func TestLoad_FromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("APP_ENV", EnvProd)
	t.Setenv("SERVER_ADDRESS", "pos.example.com")
	t.Setenv("ENABLE_TLS", "true")
	t.Setenv("CONFIG_DIR", dir)
	t.Setenv("DATA_PATH", filepath.Join(dir, "queue.db"))
	t.Setenv("SYNC_INTERVAL_SECONDS", "15")
	t.Setenv("SYNC_BATCH_SIZE", "25")
	t.Setenv("MAX_RETRIES", "3")
	t.Setenv("BACKOFF_BASE", "2s")
	t.Setenv("BACKOFF_MAX", "1m")
	t.Setenv("BATCH_TIMEOUT", "20s")
	t.Setenv("LOG_FILE", filepath.Join(dir, "client.log"))
	t.Setenv("DEVICE_ID", "till-1")
	t.Setenv("USER_ID", "u1")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, "https://pos.example.com", cfg.BaseURL())
	assert.Equal(t, filepath.Join(dir, "queue.db"), cfg.DataPath)
	assert.Equal(t, 15*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, 20*time.Second, cfg.Sync.BatchTimeout)
	assert.Equal(t, "till-1", cfg.DeviceID)
	assert.Equal(t, "u1", cfg.UserID)
	assert.NotEmpty(t, cfg.LogFile)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		err  error
	}{
		{name: "batch size", env: map[string]string{"SYNC_BATCH_SIZE": "0"}, err: ErrInvalidBatchSize},
		{name: "batch size too large", env: map[string]string{"SYNC_BATCH_SIZE": "5000"}, err: ErrInvalidBatchSize},
		{name: "backoff", env: map[string]string{"BACKOFF_BASE": "10m", "BACKOFF_MAX": "1m"}, err: ErrInvalidBackoff},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CONFIG_DIR", t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(viper.New())
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
