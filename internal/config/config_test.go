package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, time.Minute, cfg.Queue.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orderhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  port: 9090
database:
  driver: sqlite
  dsn: file:orderhub.db
queue:
  poll_interval: 30s
dispatch:
  retries: 4
  retry_delay: 500ms
channels:
  marketplace_b:
    enabled: true
    base_url: https://b.example
    client_id: id
    client_secret: secret
    webhook_secret: wh
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "file:orderhub.db", cfg.Database.DSN)
	assert.Equal(t, 30*time.Second, cfg.Queue.PollInterval)
	assert.Equal(t, 50, cfg.Queue.BatchSize, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Dispatch.Retries)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.RetryDelay)
	assert.Equal(t, "wh", cfg.Channels.MarketplaceB.WebhookSecret)
	assert.Equal(t, 10*time.Second, cfg.Channels.MarketplaceB.Timeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/orderhub")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PORT", "7000")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://u:p@localhost/orderhub", cfg.Database.DSN)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestBadPortEnv(t *testing.T) {
	t.Setenv("PORT", "http")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	cfg.Database.Driver = "mysql"
	cfg.Dispatch.Retries = -1
	cfg.Auth.Mode = "hmac"
	cfg.Channels.Native.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"database.driver", "dispatch.retries", "auth.hmac_secret", "channels.native.base_url"} {
		assert.Contains(t, err.Error(), want)
	}
}
