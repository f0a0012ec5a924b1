package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	l, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	c := l.Current()
	assert.Equal(t, 8080, c.Server.Port)
	assert.Equal(t, 256, c.WS.SendBuffer)
	assert.Equal(t, 90*time.Second, c.WS.SessionTTL)
	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, 10, c.Push.RatePerMinute)
	assert.Equal(t, time.Hour, c.Cleanup.Every)
	assert.Equal(t, 24*time.Hour, c.Cleanup.MaxAge)
}

func TestLoadFileEnvAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
ws:
  sessionTTL: 45s
push:
  driver: nats
  natsServers: ["nats://a:4222", "nats://b:4222"]
`), 0o600))
	t.Setenv("CHATCORE_LOG_LEVEL", "debug")

	l, err := Load(path)
	require.NoError(t, err)
	c := l.Current()
	assert.Equal(t, 9000, c.Server.Port)
	assert.Equal(t, 45*time.Second, c.WS.SessionTTL)
	assert.Equal(t, "nats", c.Push.Driver)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, c.Push.NatsServers)
	assert.Equal(t, "debug", c.Log.Level)

	c, err = l.Merge("push:\n  ratePerMinute: 30\n")
	require.NoError(t, err)
	assert.Equal(t, 30, c.Push.RatePerMinute)
	assert.Equal(t, 9000, c.Server.Port)
	assert.Same(t, c, l.Current())

	_, err = l.Merge("push: [broken")
	assert.Error(t, err)
}
