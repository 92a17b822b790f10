// Package config loads and persists the knowidx configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/knowidx/knowidx/internal/extract"
)

// Config is the complete knowidx configuration.
type Config struct {
	// BasePath is the directory tree to index.
	BasePath string `yaml:"base_path"`

	// DBPath is where the index database lives.
	DBPath string `yaml:"db_path"`

	// AllowedRoots are the user-approved directory trees. Empty falls
	// back to home + current working directory.
	AllowedRoots []string `yaml:"allowed_roots"`

	// ExcludedPaths are user exclusions added on top of the immutable
	// system defaults.
	ExcludedPaths []string `yaml:"excluded_paths"`

	// IgnoreGlobs are doublestar patterns skipped during crawling,
	// matched against paths relative to the base.
	IgnoreGlobs []string `yaml:"ignore_globs"`

	// MaxFileSizeMB is the content-extraction ceiling, clamped 1-2048.
	MaxFileSizeMB float64 `yaml:"max_file_size_mb"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// FilePath is the log file. Empty logs to stderr only.
	FilePath string `yaml:"file_path"`
}

// DataDir returns the default knowidx data directory (~/.knowidx).
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".knowidx")
	}
	return filepath.Join(home, ".knowidx")
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return Config{
		BasePath:      cwd,
		DBPath:        filepath.Join(DataDir(), "knowledge_index.db"),
		MaxFileSizeMB: extract.DefaultMaxFileSizeMB,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration at path, overlaying the defaults. A
// missing file yields the defaults without error. The size ceiling is
// clamped into the supported range.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.normalize()
	return cfg, nil
}

// Save writes the configuration atomically: temp file plus rename.
func (c Config) Save(path string) error {
	c.normalize()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// normalize applies clamps and fills blank fields from defaults.
func (c *Config) normalize() {
	def := Default()
	if c.BasePath == "" {
		c.BasePath = def.BasePath
	}
	if c.DBPath == "" {
		c.DBPath = def.DBPath
	}
	if c.MaxFileSizeMB <= 0 {
		c.MaxFileSizeMB = extract.DefaultMaxFileSizeMB
	}
	c.MaxFileSizeMB = extract.ClampMaxFileSizeMB(c.MaxFileSizeMB)
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
