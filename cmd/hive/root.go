package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/config"
	"github.com/ShayCichocki/hive/internal/decompose"
	"github.com/ShayCichocki/hive/internal/deps"
	"github.com/ShayCichocki/hive/internal/interrupt"
	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/store"
)

var (
	flagConfig   string
	flagRoot     string
	flagLogLevel string

	// cfg is loaded once before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Coordinate independent workers over a shared task store",
	Long: `hive lets many independent, long-running workers pull tasks from a shared
store, execute them and spawn further tasks, without a central scheduler.

Workers claim tasks atomically, honour dependencies between tasks, and can be
interrupted or have their task edited while it runs. A monitor process frees
stuck claims, replans tasks that keep failing, and settles decomposed parents.

Typical setup:
  hive init                      # create .hive/ and .hive.yaml
  hive create "go test ./..." --tag terminal
  hive worker --tag terminal     # run as many of these as you like
  hive monitor                   # one is enough
  hive board                     # watch it happen`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if flagConfig != "" {
			cfg, err = config.LoadFromPath(flagConfig)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if flagRoot != "" {
			cfg.Root = flagRoot
		}
		if abs, err := filepath.Abs(cfg.Root); err == nil {
			cfg.Root = abs
		}
		if flagLogLevel != "" {
			cfg.Logging.Level = flagLogLevel
		}

		logCfg := cfg.LogConfig()
		if _, err := os.Stat(cfg.Root); err != nil {
			// No hive yet; keep logs off disk until init creates one.
			logCfg.Dir = ""
		}
		if err := logging.Init(logCfg); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default: ~/.config/hive/config.yaml merged with .hive.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagRoot, "root", "", "Hive state directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// hive bundles the handles most commands need.
type hive struct {
	store   store.Store
	signals *interrupt.Channel
	creator *deps.Creator
}

// openHive opens the configured store and interrupt channel. It refuses
// to create a hive implicitly; that is what init is for.
func openHive() (*hive, error) {
	if _, err := os.Stat(cfg.Root); err != nil {
		return nil, fmt.Errorf("no hive at %s (run 'hive init' first)", cfg.Root)
	}
	s, err := store.Open(cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	signals, err := interrupt.Open(interrupt.Dir(cfg.Root))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open interrupt channel: %w", err)
	}
	return &hive{store: s, signals: signals, creator: deps.NewCreator(s)}, nil
}

func (h *hive) engine() *decompose.Engine {
	return decompose.New(h.store, h.creator, h.signals)
}

func (h *hive) Close() error {
	h.signals.Close()
	return h.store.Close()
}
