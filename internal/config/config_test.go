package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithViper_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, BrokerPostgres, cfg.Broker.Kind)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Queue.Backoff)
	assert.Equal(t, 1000, cfg.Queue.KeepCompleted)
	assert.Equal(t, 5000, cfg.Queue.KeepFailed)
	assert.Equal(t, 10000, cfg.Fanout.Limit)
	assert.Equal(t, 7*24*time.Hour, cfg.Fanout.TokenRefreshBuffer)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRENDLINE_WORKER_CONCURRENCY", "64")
	t.Setenv("TRENDLINE_BROKER_KIND", "memory")
	t.Setenv("TRENDLINE_FANOUT_ENQUEUE_TIMEOUT", "2s")

	cfg, err := Load("")
	require.NoError(t, err)

	// Ограничение сверху применяет worker pool, не конфиг
	assert.Equal(t, 64, cfg.Worker.Concurrency)
	assert.Equal(t, BrokerMemory, cfg.Broker.Kind)
	assert.Equal(t, 2*time.Second, cfg.Fanout.EnqueueTimeout)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trendline.toml")
	content := `
[broker]
kind = "memory"

[scheduler.triggers]
keyword-trend = "0 4 * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0 4 * * *", cfg.Scheduler.Triggers["keyword-trend"])
}

func TestValidate(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	v.Set("broker.kind", "kafka")
	_, err := LoadWithViper(v)
	assert.ErrorContains(t, err, "unknown broker.kind")

	v.Set("broker.kind", BrokerRedis)
	v.Set("broker.redis_url", "")
	_, err = LoadWithViper(v)
	assert.ErrorContains(t, err, "redis_url")

	v.Set("broker.kind", BrokerMemory)
	v.Set("queue.max_attempts", 0)
	_, err = LoadWithViper(v)
	assert.ErrorContains(t, err, "max_attempts")
}

func TestResolveFile(t *testing.T) {
	t.Setenv(FileEnv, "/etc/trendline/env.toml")

	assert.Equal(t, "/tmp/flag.toml", ResolveFile("/tmp/flag.toml"))
	assert.Equal(t, "/etc/trendline/env.toml", ResolveFile(""))
}
