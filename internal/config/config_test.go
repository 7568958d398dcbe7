package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediasync/statesync/internal/config"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, int64(10), cfg.Export.AllowedTimeDiffSecs)
	assert.False(t, cfg.Mapper.DisableAutocommit)
	assert.False(t, cfg.Export.DryRun)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := `
[storage]
driver = "sqlite3"
path = "/data/state.db"

[export]
allowed_time_diff_seconds = 30
dry_run = true

[[backends]]
name = "plex-main"
kind = "plex"
url = "http://plex:32400"
token = "abc"
enabled = true
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, int64(30), cfg.Export.AllowedTimeDiffSecs)
	assert.True(t, cfg.Export.DryRun)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "plex-main", cfg.Backends[0].Name)

	known := cfg.KnownBackends()
	assert.True(t, known["plex-main"])
	assert.NotNil(t, cfg.BackendByName("plex-main"))
	assert.Nil(t, cfg.BackendByName("missing"))
}
