// Package config handles configuration loading and management for waveledger.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/waveledger/internal/ledger"
	"github.com/ShayCichocki/waveledger/internal/notify"
	"github.com/ShayCichocki/waveledger/pkg/models"
)

// EnvPrefix prefixes every environment override, e.g. WAVELEDGER_LEDGER_PATH.
const EnvPrefix = "WAVELEDGER"

// ProjectFile is the name of the project config searched for in the working
// directory and its parents.
const ProjectFile = ".waveledger.yaml"

// Config holds all configuration for waveledger.
type Config struct {
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	TUI       TUIConfig       `mapstructure:"tui"`
}

// LedgerConfig locates the ledger database.
type LedgerConfig struct {
	Path   string `mapstructure:"path"`
	Driver string `mapstructure:"driver"`
}

// SchedulerConfig holds wave scheduler settings.
type SchedulerConfig struct {
	// MaxInProgress caps in-progress tasks across the whole ledger.
	MaxInProgress int           `mapstructure:"max_in_progress"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	// StaleAfter is how long a claim may go without a heartbeat before it is
	// listed as stale.
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	WorkerPrefix string        `mapstructure:"worker_prefix"`
}

// NotifyConfig holds change notification settings.
type NotifyConfig struct {
	WatchFiles bool   `mapstructure:"watch_files"`
	NatsURL    string `mapstructure:"nats_url"`
	Subject    string `mapstructure:"subject"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds the Prometheus endpoint address. Empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TUIConfig holds board display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (WAVELEDGER_*)
// 2. Project config (.waveledger.yaml in current directory or parent)
// 3. User config (~/.config/waveledger/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	// Load user config from XDG path
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		// Merge project config (takes precedence)
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file. Environment
// variables still override it.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// Environment variable overrides. Every key has a default, so
	// AutomaticEnv sees all of them during Unmarshal.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Ledger.Path = expandEnv(cfg.Ledger.Path)
	cfg.Notify.NatsURL = expandEnv(cfg.Notify.NatsURL)
	cfg.Log.File = expandEnv(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Ledger.Path == "":
		return fmt.Errorf("ledger.path must not be empty")
	case c.Ledger.Driver != ledger.DriverPureGo && c.Ledger.Driver != ledger.DriverCgo:
		return fmt.Errorf("ledger.driver must be %q or %q, got %q", ledger.DriverPureGo, ledger.DriverCgo, c.Ledger.Driver)
	case c.Scheduler.MaxInProgress < 1:
		return fmt.Errorf("scheduler.max_in_progress must be at least 1, got %d", c.Scheduler.MaxInProgress)
	case c.Scheduler.PollInterval <= 0:
		return fmt.Errorf("scheduler.poll_interval must be positive, got %s", c.Scheduler.PollInterval)
	case c.Scheduler.StaleAfter <= 0:
		return fmt.Errorf("scheduler.stale_after must be positive, got %s", c.Scheduler.StaleAfter)
	case c.Log.Format != "fmt" && c.Log.Format != "text" && c.Log.Format != "json":
		return fmt.Errorf("log.format must be fmt, text or json, got %q", c.Log.Format)
	}
	return nil
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(userConfigDir, "config.yaml"))
}

// SaveTo writes the configuration to path as YAML.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	for key, value := range cfg.settings() {
		v.Set(key, value)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// settings flattens the configuration to dotted keys.
func (c *Config) settings() map[string]any {
	return map[string]any{
		"ledger.path":               c.Ledger.Path,
		"ledger.driver":             c.Ledger.Driver,
		"scheduler.max_in_progress": c.Scheduler.MaxInProgress,
		"scheduler.poll_interval":   c.Scheduler.PollInterval.String(),
		"scheduler.stale_after":     c.Scheduler.StaleAfter.String(),
		"scheduler.worker_prefix":   c.Scheduler.WorkerPrefix,
		"notify.watch_files":        c.Notify.WatchFiles,
		"notify.nats_url":           c.Notify.NatsURL,
		"notify.subject":            c.Notify.Subject,
		"log.level":                 c.Log.Level,
		"log.format":                c.Log.Format,
		"log.file":                  c.Log.File,
		"metrics.addr":              c.Metrics.Addr,
		"tui.refresh_rate":          c.TUI.RefreshRate.String(),
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
	for key, value := range d.settings() {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for waveledger.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "waveledger")
	}

	// Fall back to ~/.config/waveledger
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "waveledger")
	}
	return filepath.Join(home, ".config", "waveledger")
}

// findProjectConfig searches for .waveledger.yaml in the current directory and parents.
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

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Path:   filepath.Join(".waveledger", "ledger.db"),
			Driver: ledger.DriverPureGo,
		},
		Scheduler: SchedulerConfig{
			MaxInProgress: 3,
			PollInterval:  2 * time.Second,
			StaleAfter:    4 * time.Hour,
			WorkerPrefix:  models.DefaultWorkerPrefix,
		},
		Notify: NotifyConfig{
			WatchFiles: true,
			Subject:    notify.DefaultSubject,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "fmt",
		},
		TUI: TUIConfig{
			RefreshRate: time.Second,
		},
	}
}
