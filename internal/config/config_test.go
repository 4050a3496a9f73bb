package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
channel: game.events
transport: redis
codec: cbor
redis:
  addr: redis:6379
  db: 2
  read_timeout: 3s
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "game.events", cfg.Channel)
	assert.Equal(t, CodecCBOR, cfg.Codec)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 3*time.Second, cfg.Redis.ReadTimeout)
	assert.Equal(t, 10, cfg.Redis.PoolSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Encoding)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Channel = ""
	cfg.Transport = "carrier-pigeon"
	cfg.Codec = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel is required")
	assert.Contains(t, err.Error(), `unknown transport "carrier-pigeon"`)
	assert.Contains(t, err.Error(), `unknown codec "xml"`)

	cfg = Default()
	cfg.Redis.Addr = ""
	assert.Error(t, cfg.Validate())
	cfg.Transport = TransportMemory
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
