package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("REDIS_URI", "")
	t.Setenv("JMS_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultRedisURI, cfg.RedisURI)
	assert.Equal(t, 10*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 30*time.Second, cfg.BackoffCap)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_uri: redis://file:6379\nlog_level: debug\n"), 0o600))

	t.Setenv("JMS_CONFIG", path)
	t.Setenv("REDIS_URI", "redis://env:6379")
	t.Setenv("JMS_LOG", "")
	t.Setenv("JMS_RPC_TIMEOUT", "2500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://env:6379", cfg.RedisURI)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2500*time.Millisecond, cfg.RPCTimeout)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("JMS_CONFIG", "")
	t.Setenv("JMS_STORE_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
}
