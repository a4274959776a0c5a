package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/waveledger/internal/config"
	"github.com/ShayCichocki/waveledger/internal/logger"
)

var (
	configPath string
	ledgerPath string
	logLevel   string

	// cfg is loaded once per invocation by the root pre-run hook.
	cfg     *config.Config
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "waveledger",
	Short: "Dependency-aware task ledger and wave scheduler",
	Long: `waveledger keeps a durable ledger of tasks shared by cooperating workers.

Workers claim tasks whose dependencies are done, at most three at a time across
the whole ledger. The scheduler dispatches ready tasks wave by wave, re-reading
the ledger after every change, and escalates tasks that stay blocked for a
full wave cycle.

Core capabilities:
- Compare-and-swap claims and releases on a SQLite ledger
- Cycle detection and topological waves over task dependencies
- A wave scheduler that runs a shell command per task
- Blocked task listing, unblock checks and escalation
- A live board of the ledger grouped by wave`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd)
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config merged with .waveledger.yaml)")
	rootCmd.PersistentFlags().StringVar(&ledgerPath, "ledger", "", "Ledger database path (overrides ledger.path)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides log.level)")

	// Task commands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(depsCmd)

	// Claims
	rootCmd.AddCommand(claimCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(heartbeatCmd)
	rootCmd.AddCommand(staleCmd)
	rootCmd.AddCommand(forceReleaseCmd)

	// Scheduling
	rootCmd.AddCommand(wavesCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(blockedCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(escalateCmd)

	// Everything else
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// setup loads the configuration and applies the logging settings.
func setup(cmd *cobra.Command) error {
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if ledgerPath != "" {
		cfg.Ledger.Path = ledgerPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	if err := logger.SetLogLevel(cfg.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	logger.SetLogFormat(cfg.Log.Format)
	if cfg.Log.File != "" {
		if logFile, err = logger.OpenLogFile(cfg.Log.File); err != nil {
			return err
		}
	} else {
		logger.SetLogOutput(cmd.ErrOrStderr())
	}
	return nil
}

func teardown() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}
