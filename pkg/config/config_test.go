package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DBHost)
	assert.Equal(t, 16, cfg.SessionShards)
	assert.Equal(t, 120, cfg.SessionTimeoutSeconds)
	assert.Equal(t, 10, cfg.NbiInactiveTimeoutSeconds)
	assert.Equal(t, 30, cfg.OpDefaultTimeoutSeconds)
	assert.Equal(t, 300, cfg.OpDownloadTimeoutSeconds)
	assert.Equal(t, "postgres", cfg.ExternalQueueBackend)
	assert.NotEmpty(t, cfg.NodeName)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := "DB_HOST: db.internal\nSESSION_SHARDS: 4\nCWMP_DEFAULT_ORG: acme\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(yaml), 0o600))

	t.Setenv("SESSION_SHARDS", "8")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, "acme", cfg.DefaultOrgID)
	assert.Equal(t, 8, cfg.SessionShards, "environment wins over app.yaml")
}

func TestDurationHelpers(t *testing.T) {
	assert.Equal(t, 3*time.Second, Seconds(3))
	assert.Equal(t, 250*time.Millisecond, Millis(250))
}
