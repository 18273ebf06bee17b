// Package config handles configuration loading for hive processes.
// It supports XDG config paths, project-level overrides, and environment
// variables prefixed with HIVE_.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/hive/internal/logging"
	"github.com/ShayCichocki/hive/internal/store"
)

// ProjectFile is the per-project config file name searched for in the
// working directory and its parents.
const ProjectFile = ".hive.yaml"

// Config holds all configuration for hive.
type Config struct {
	// Root is the hive state directory. A relative root is resolved
	// against the directory holding the project config, if any.
	Root      string          `mapstructure:"root"`
	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Edit      EditConfig      `mapstructure:"edit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// StoreConfig selects the task store backend.
type StoreConfig struct {
	Backend   string        `mapstructure:"backend"`
	DSN       string        `mapstructure:"dsn"`
	LockStale time.Duration `mapstructure:"lock_stale"`
}

// WorkerConfig holds worker loop settings.
type WorkerConfig struct {
	Capabilities      []string      `mapstructure:"capabilities"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WorkDir           string        `mapstructure:"work_dir"`
}

// MonitorConfig holds stuck-task monitor settings.
type MonitorConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	ReplanMaxAttempts int           `mapstructure:"replan_max_attempts"`
	MarkerGrace       time.Duration `mapstructure:"marker_grace"`
	AutoArchive       bool          `mapstructure:"auto_archive"`
	ArchiveAfter      time.Duration `mapstructure:"archive_after"`
}

// EditConfig holds live edit settings.
type EditConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// AnthropicConfig holds Anthropic API settings for the LLM handlers.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Model      string `mapstructure:"model"`
	MaxTokens  int64  `mapstructure:"max_tokens"`
	UseBedrock bool   `mapstructure:"use_bedrock"`
	AWSRegion  string `mapstructure:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile"`
}

// TUIConfig holds board display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (HIVE_*, plus ANTHROPIC_API_KEY)
// 2. Project config (.hive.yaml in current directory or parent)
// 3. User config (~/.config/hive/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	base := ""
	if projectConfig != "" {
		base = filepath.Dir(projectConfig)
	}
	cfg.Root = resolveRoot(cfg.Root, base)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
// Environment variables still apply.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	bindEnv(v)

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.Root = resolveRoot(cfg.Root, filepath.Dir(path))
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("HIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "HIVE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail far from the config.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case store.BackendFile, store.BackendSQLite, store.BackendSQLite3, store.BackendPostgres:
	default:
		return fmt.Errorf("store.backend: unknown backend %q", c.Store.Backend)
	}
	if c.Store.Backend == store.BackendPostgres && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn: required for the postgres backend")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Monitor.MaxAttempts < 1 {
		return fmt.Errorf("monitor.max_attempts: must be at least 1, got %d", c.Monitor.MaxAttempts)
	}
	if c.Monitor.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("monitor.stale_after (%s) must exceed worker.heartbeat_interval (%s)",
			c.Monitor.StaleAfter, c.Worker.HeartbeatInterval)
	}
	return nil
}

// StoreOptions returns the options for opening the configured store.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:   c.Store.Backend,
		Root:      c.Root,
		DSN:       c.Store.DSN,
		LockStale: c.Store.LockStale,
	}
}

// LogConfig returns the logging configuration. Log files go under the
// hive root unless a directory is configured.
func (c *Config) LogConfig() logging.Config {
	dir := c.Logging.Dir
	if dir == "" {
		dir = filepath.Join(c.Root, "logs")
	}
	return logging.Config{
		Level:         c.Logging.Level,
		Format:        c.Logging.Format,
		Dir:           dir,
		RetentionDays: c.Logging.RetentionDays,
	}
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("root", d.Root)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.dsn", d.Store.DSN)
	v.SetDefault("store.lock_stale", d.Store.LockStale.String())

	v.SetDefault("worker.capabilities", d.Worker.Capabilities)
	v.SetDefault("worker.poll_interval", d.Worker.PollInterval.String())
	v.SetDefault("worker.heartbeat_interval", d.Worker.HeartbeatInterval.String())
	v.SetDefault("worker.work_dir", d.Worker.WorkDir)

	v.SetDefault("monitor.interval", d.Monitor.Interval.String())
	v.SetDefault("monitor.stale_after", d.Monitor.StaleAfter.String())
	v.SetDefault("monitor.max_attempts", d.Monitor.MaxAttempts)
	v.SetDefault("monitor.replan_max_attempts", d.Monitor.ReplanMaxAttempts)
	v.SetDefault("monitor.marker_grace", d.Monitor.MarkerGrace.String())
	v.SetDefault("monitor.auto_archive", d.Monitor.AutoArchive)
	v.SetDefault("monitor.archive_after", d.Monitor.ArchiveAfter.String())

	v.SetDefault("edit.timeout", d.Edit.Timeout.String())

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.retention_days", d.Logging.RetentionDays)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.max_tokens", d.Anthropic.MaxTokens)
	v.SetDefault("anthropic.use_bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for hive.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "hive")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "hive")
	}
	return filepath.Join(home, ".config", "hive")
}

// findProjectConfig searches for .hive.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

func resolveRoot(root, base string) string {
	root = expandEnv(root)
	if root == "" || filepath.IsAbs(root) || base == "" {
		return root
	}
	return filepath.Join(base, root)
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Root: ".hive",
		Store: StoreConfig{
			Backend:   store.BackendFile,
			LockStale: store.DefaultLockStale,
		},
		Worker: WorkerConfig{
			Capabilities:      []string{"auto"},
			PollInterval:      2 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:          30 * time.Second,
			StaleAfter:        10 * time.Minute,
			MaxAttempts:       3,
			ReplanMaxAttempts: 2,
			MarkerGrace:       time.Minute,
			AutoArchive:       false,
			ArchiveAfter:      24 * time.Hour,
		},
		Edit: EditConfig{
			Timeout: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			RetentionDays: 7,
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-sonnet-4-20250514",
			MaxTokens: 4096,
		},
		TUI: TUIConfig{
			RefreshRate: time.Second,
		},
	}
}
