package logging

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("info"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestSetupWritesJSONToFile(t *testing.T) {
	// Given logging configured to a file
	path := filepath.Join(t.TempDir(), "logs", "knowidx.log")
	cleanup, err := Setup(Options{Level: "info", FilePath: path})
	require.NoError(t, err)

	// When logging an event
	slog.Info("index.rebuild_start", slog.String("base", "/kb"))
	cleanup()

	// Then the file holds a JSON line with the event fields
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "index.rebuild_start", entry["msg"])
	assert.Equal(t, "/kb", entry["base"])
}

func TestSetupLevelFiltersBelowThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowidx.log")
	cleanup, err := Setup(Options{Level: "warn", FilePath: path})
	require.NoError(t, err)

	slog.Info("index.search")
	slog.Warn("watcher.error")
	cleanup()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "index.search")
	assert.Contains(t, string(data), "watcher.error")
}
