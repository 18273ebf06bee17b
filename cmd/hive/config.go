package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key]",
	Short: "Show the effective configuration",
	Long: `Show the configuration hive is running with.

Without arguments, displays every value and where config was read from.
With one argument (key), displays the value for that key.

User configuration lives at ~/.config/hive/config.yaml.
Project-specific overrides can be placed in .hive.yaml.
Environment variables override both, e.g. HIVE_MONITOR_STALE_AFTER=5m.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		displayAllConfig(cfg)
		return nil
	},
}

// configKeys lists the displayable keys in order.
var configKeys = []string{
	"root",
	"store.backend", "store.dsn", "store.lock_stale",
	"worker.capabilities", "worker.poll_interval", "worker.heartbeat_interval", "worker.work_dir",
	"monitor.interval", "monitor.stale_after", "monitor.max_attempts", "monitor.replan_max_attempts",
	"monitor.marker_grace", "monitor.auto_archive", "monitor.archive_after",
	"edit.timeout",
	"logging.level", "logging.format", "logging.dir", "logging.retention_days",
	"anthropic.api_key", "anthropic.model", "anthropic.max_tokens",
	"anthropic.use_bedrock", "anthropic.aws_region", "anthropic.aws_profile",
	"tui.refresh_rate",
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("# user config:    %s\n", config.GetUserConfigPath())
	if p := config.GetProjectConfigPath(); p != "" {
		fmt.Printf("# project config: %s\n", p)
	} else {
		fmt.Printf("# project config: (none)\n")
	}
	for _, key := range configKeys {
		value, _ := getConfigValue(cfg, key)
		fmt.Printf("%s: %s\n", key, value)
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "root":
		return cfg.Root, nil
	case "store.backend":
		return cfg.Store.Backend, nil
	case "store.dsn":
		if cfg.Store.DSN == "" {
			return "(default)", nil
		}
		return cfg.Store.DSN, nil
	case "store.lock_stale":
		return cfg.Store.LockStale.String(), nil
	case "worker.capabilities":
		return strings.Join(cfg.Worker.Capabilities, ","), nil
	case "worker.poll_interval":
		return cfg.Worker.PollInterval.String(), nil
	case "worker.heartbeat_interval":
		return cfg.Worker.HeartbeatInterval.String(), nil
	case "worker.work_dir":
		return cfg.Worker.WorkDir, nil
	case "monitor.interval":
		return cfg.Monitor.Interval.String(), nil
	case "monitor.stale_after":
		return cfg.Monitor.StaleAfter.String(), nil
	case "monitor.max_attempts":
		return strconv.Itoa(cfg.Monitor.MaxAttempts), nil
	case "monitor.replan_max_attempts":
		return strconv.Itoa(cfg.Monitor.ReplanMaxAttempts), nil
	case "monitor.marker_grace":
		return cfg.Monitor.MarkerGrace.String(), nil
	case "monitor.auto_archive":
		return strconv.FormatBool(cfg.Monitor.AutoArchive), nil
	case "monitor.archive_after":
		return cfg.Monitor.ArchiveAfter.String(), nil
	case "edit.timeout":
		return cfg.Edit.Timeout.String(), nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.format":
		return cfg.Logging.Format, nil
	case "logging.dir":
		return cfg.LogConfig().Dir, nil
	case "logging.retention_days":
		return strconv.Itoa(cfg.Logging.RetentionDays), nil
	case "anthropic.api_key":
		key, source, err := config.APIKey(cfg)
		if err != nil {
			return config.MaskAPIKey(""), nil
		}
		return fmt.Sprintf("%s (%s)", config.MaskAPIKey(key), source), nil
	case "anthropic.model":
		return cfg.Anthropic.Model, nil
	case "anthropic.max_tokens":
		return strconv.FormatInt(cfg.Anthropic.MaxTokens, 10), nil
	case "anthropic.use_bedrock":
		return strconv.FormatBool(cfg.Anthropic.UseBedrock), nil
	case "anthropic.aws_region":
		return cfg.Anthropic.AWSRegion, nil
	case "anthropic.aws_profile":
		return cfg.Anthropic.AWSProfile, nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}
