package main

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/provenant/engram/pkg/engram"
	"github.com/provenant/engram/pkg/log"
)

var (
	debug      bool
	dataDir    string
	backend    string
	sqlitePath string
)

var rootCmd = &cobra.Command{
	Use:   "engramctl",
	Short: "Audit tooling for engram chains",
	Long: `engramctl inspects and verifies tamper-evident decision trails
recorded by agents: fetch single engrams, query across sessions, re-verify
a session's hash chain, and export chains for offline audit.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Values from a .env file fill in unset ENGRAM_* variables.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "store root directory (default $ENGRAM_DATA_DIR or .engram)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "storage backend: file, sqlite, memory (default $ENGRAM_BACKEND or file)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite-path", "", "sqlite database path (default <data-dir>/engrams.db)")
}

// openSystem builds the engram system from environment config overlaid with
// command-line flags, returning it with a logger-carrying context.
func openSystem() (context.Context, *engram.System, error) {
	ctx := log.NewContextWithLogger(context.Background(), debug)

	cfg, err := engram.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if backend != "" {
		cfg.Backend = backend
	}
	if sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}
	cfg.Logger = log.FromCtx(ctx)

	sys, err := engram.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return ctx, sys, nil
}
