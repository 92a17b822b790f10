// Package cmd provides the CLI commands for knowidx.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/knowidx/knowidx/internal/config"
	"github.com/knowidx/knowidx/internal/index"
	"github.com/knowidx/knowidx/internal/logging"
	"github.com/knowidx/knowidx/internal/store"
)

var (
	cfgPath   string
	debugMode bool

	cfg            config.Config
	loggingCleanup func()
)

// NewRootCmd creates the root command for the knowidx CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowidx",
		Short: "Local knowledge index with ranked filename and content search",
		Long: `knowidx maintains a persistent index of eligible files under your
approved directories and answers free-text queries with a merged
filename and content relevance ranking. It runs entirely locally.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultConfigPath(), "Path to config file")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	cmd.PersistentPreRunE = setupRun
	cmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if loggingCleanup != nil {
			loggingCleanup()
		}
	}

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setupRun loads configuration and installs logging before any command.
func setupRun(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if debugMode {
		level = "debug"
	}
	loggingCleanup, err = logging.Setup(logging.Options{
		Level:    level,
		FilePath: cfg.Logging.FilePath,
		Stderr:   cfg.Logging.FilePath == "" || debugMode,
	})
	return err
}

// openCoordinator opens the index store and builds the coordinator from
// the loaded configuration. The caller closes the store.
func openCoordinator() (*index.Coordinator, *store.Store, error) {
	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open index store: %w", err)
	}
	coord := index.New(s, index.Options{
		BasePath:      cfg.BasePath,
		AllowedRoots:  cfg.AllowedRoots,
		ExcludedPaths: cfg.ExcludedPaths,
		IgnoreGlobs:   cfg.IgnoreGlobs,
		MaxFileSizeMB: cfg.MaxFileSizeMB,
	})
	return coord, s, nil
}
