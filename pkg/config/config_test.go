package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAndPopulateDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
persistence:
  dsn: bolt:///tmp/relay.db
connection:
  ping_interval: 5s
callback:
  url: http://localhost:9000/hook
  debounce_wait: 1s
log:
  level: debug
`), 0o600))

	cfg, err := Read(path)
	require.NoError(t, err)
	cfg.PopulateDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "bolt:///tmp/relay.db", cfg.Persistence.DSN)
	assert.Equal(t, 500, cfg.Persistence.CompactionThreshold)
	assert.Equal(t, 5*time.Second, cfg.Connection.PingInterval)
	assert.Equal(t, 256, cfg.Connection.SendBuffer)
	assert.Equal(t, time.Second, cfg.Callback.Wait)
	assert.Equal(t, 10*time.Second, cfg.Callback.MaxWait)
	assert.Equal(t, 30*time.Second, cfg.Awareness.OutdatedTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		err    error
	}{
		"port":         {func(c *Config) { c.Server.Port = 70000 }, ErrInvalidPort},
		"threshold":    {func(c *Config) { c.Persistence.CompactionThreshold = -1 }, ErrInvalidThreshold},
		"ping":         {func(c *Config) { c.Connection.PingInterval = -time.Second }, ErrInvalidPingInterval},
		"callback url": {func(c *Config) { c.Callback.URL = "ftp://x" }, ErrInvalidCallbackURL},
		"debounce":     {func(c *Config) { c.Callback.URL = "http://x"; c.Callback.MaxWait = time.Millisecond }, ErrInvalidDebounce},
		"log level":    {func(c *Config) { c.Log.Level = "loud" }, ErrUnknownLogLevel},
		"log format":   {func(c *Config) { c.Log.Format = "xml" }, ErrUnknownLogFormat},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tc.err)
		})
	}

	var nilCfg *Config
	assert.ErrorIs(t, nilCfg.Validate(), ErrConfigIsNil)
}
