package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pheme.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
longitudinal:
  database_user: pheme
  database_password: secret
  warehouse_host: wh.internal
  workers: 8
general:
  tmp_dir: /var/run/pheme
  in_production: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pheme", cfg.DatabaseUser)
	assert.Equal(t, "secret", cfg.DatabasePassword)
	assert.Equal(t, "wh.internal", cfg.WarehouseHost)
	assert.Equal(t, "localhost", cfg.MartHost)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "/var/run/pheme", cfg.TmpDir)
	assert.True(t, cfg.InProduction)
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "longitudinal:\n  database_user: pheme\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, os.TempDir(), cfg.TmpDir)
	assert.False(t, cfg.InProduction)
}

func TestLoadMissingUserFails(t *testing.T) {
	path := writeConfig(t, "longitudinal:\n  database_password: secret\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PHEME_LONGITUDINAL_DATABASE_PASSWORD", "from-env")
	path := writeConfig(t, "longitudinal:\n  database_user: pheme\n  database_password: from-file\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DatabasePassword)
}
