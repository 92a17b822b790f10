package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowidx/knowidx/internal/extract"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.DBPath, cfg.DBPath)
	assert.Equal(t, def.MaxFileSizeMB, cfg.MaxFileSizeMB)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverlaysFile(t *testing.T) {
	// Given a partial config file
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
base_path: /data/kb
allowed_roots:
  - /data
ignore_globs:
  - "**/node_modules/**"
max_file_size_mb: 16
logging:
  level: debug
`), 0o644))

	// When loading
	cfg, err := Load(path)

	// Then set fields override, unset fields keep their defaults
	require.NoError(t, err)
	assert.Equal(t, "/data/kb", cfg.BasePath)
	assert.Equal(t, []string{"/data"}, cfg.AllowedRoots)
	assert.Equal(t, []string{"**/node_modules/**"}, cfg.IgnoreGlobs)
	assert.Equal(t, 16.0, cfg.MaxFileSizeMB)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, Default().DBPath, cfg.DBPath)
}

func TestLoadClampsSizeCeiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_file_size_mb: 99999\n"), 0o644))

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, extract.MaxMaxFileSizeMB, cfg.MaxFileSizeMB)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))

	_, err := Load(path)

	assert.ErrorContains(t, err, "parse config")
}

func TestSaveRoundTrip(t *testing.T) {
	// Given a config with every field set
	cfg := Config{
		BasePath:      "/data/kb",
		DBPath:        "/data/index.db",
		AllowedRoots:  []string{"/data"},
		ExcludedPaths: []string{"/data/private"},
		IgnoreGlobs:   []string{"**/.git/**"},
		MaxFileSizeMB: 4,
		Logging:       LoggingConfig{Level: "warn", FilePath: "/data/knowidx.log"},
	}
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	// When saving and reloading
	require.NoError(t, cfg.Save(path))
	loaded, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
