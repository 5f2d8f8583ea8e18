package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Validates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.FetchIntervalDuration())
	assert.Equal(t, 5*time.Second, cfg.CoordinationWindowDuration())
	assert.Equal(t, 300*time.Second, cfg.DedupTTLDuration())
	assert.Equal(t, time.Hour, cfg.StaleThresholdDuration())
	assert.Equal(t, 600*time.Second, cfg.ExtendedOfflineDuration())
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoffDuration())
	assert.Equal(t, 10000, cfg.Gossip.DedupCapacity)
	assert.Equal(t, 10, cfg.Gossip.InitialTTL)
}

func TestValidate_Rejects(t *testing.T) {
	cfg := Default()
	cfg.Gossip.InitialTTL = 300
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Gossip.DedupCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Provider.Symbols = nil
	assert.Error(t, cfg.Validate())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9001},
		"gossip": {"initial_ttl": 6},
		"provider": {"symbols": ["BTC"]}
	}`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("SEED_NODES", "ws://a:8080/mesh, ws://b:8080/mesh")
	t.Setenv("REDIS_ENABLED", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port, "env wins over file")
	assert.Equal(t, 6, cfg.Gossip.InitialTTL)
	assert.Equal(t, []string{"BTC"}, cfg.Provider.Symbols)
	assert.Equal(t, []string{"ws://a:8080/mesh", "ws://b:8080/mesh"}, cfg.Server.SeedNodes)
	assert.False(t, cfg.Redis.Enabled)
	// untouched defaults survive a partial file
	assert.Equal(t, 300, cfg.Gossip.DedupTTL)
}
