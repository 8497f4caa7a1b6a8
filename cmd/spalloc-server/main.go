// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/spinnaker-tools/spalloc-core/pkg/config"
	"github.com/spinnaker-tools/spalloc-core/pkg/logging"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = ""
	Commit    = ""

	// Global flags
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:     "spalloc-server",
		Short:   "Resource allocator for a SpiNNaker machine pool",
		Long:    `spalloc-server runs the Allocator, PowerController, ExpirySweep/Tombstone and QuotaManager against a single spalloc database.`,
		Version: Version,
	}
)

func init() {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildTime)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (env: SPALLOC_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("spalloc-server version %s\n", Version)
		if BuildTime != "" {
			fmt.Printf("Build Time: %s\n", BuildTime)
		}
		if Commit != "" {
			fmt.Printf("Commit:     %s\n", Commit)
		}
	},
}

// loadConfig merges a config file (if any, via --config or
// SPALLOC_CONFIG), environment overrides, and the --debug flag, in
// that order, following the teacher's layered config precedence.
func loadConfig() (*config.Config, error) {
	cfg := config.NewDefault()

	path := configPath
	if path == "" {
		path = os.Getenv("SPALLOC_CONFIG")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	cfg.LoadEnv()
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.Debug, matching
// pkg/logging's text/JSON slogLogger.
func newLogger(cfg *config.Config) logging.Logger {
	lc := logging.DefaultConfig()
	if cfg.Debug {
		lc.Level = slog.LevelDebug
	}
	return logging.NewLogger(lc)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
