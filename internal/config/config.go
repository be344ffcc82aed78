// Package config loads the satchel configuration from defaults, an
// optional config file, and SATCHEL_* environment variables, in
// ascending precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the resolved configuration.
type Config struct {
	// DataDir holds the SQLite database, the signal file and daemon
	// logs.
	DataDir string `mapstructure:"data_dir"`

	// Partitions is the fixed set of record partitions.
	Partitions []string `mapstructure:"partitions"`

	// Provider selects the sync backend: noop, relay, drive, folder.
	Provider string `mapstructure:"provider"`

	Relay  RelayConfig  `mapstructure:"relay"`
	Drive  DriveConfig  `mapstructure:"drive"`
	Folder FolderConfig `mapstructure:"folder"`
	Queue  QueueConfig  `mapstructure:"queue"`
	Daemon DaemonConfig `mapstructure:"daemon"`
}

// RelayConfig configures the relay backend.
type RelayConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// DriveConfig configures the drive backend.
type DriveConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// FolderConfig configures the mounted-folder backend.
type FolderConfig struct {
	Dir string `mapstructure:"dir"`
}

// QueueConfig tunes the pending-write queue.
type QueueConfig struct {
	// Retention is how long synced-but-unpruned items survive before
	// the startup sweep reclaims them.
	Retention time.Duration `mapstructure:"retention"`
}

// DaemonConfig tunes the background daemon.
type DaemonConfig struct {
	// Cadence is the periodic sync interval.
	Cadence time.Duration `mapstructure:"cadence"`

	// SignalPort is the loopback port for the websocket signal hub.
	// 0 picks a free port.
	SignalPort int `mapstructure:"signal_port"`

	// LogFile receives daemon output, rotated by size. Empty means
	// stderr.
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir:    filepath.Join(home, ".satchel"),
		Partitions: []string{"records", "settings_sync"},
		Provider:   "noop",
		Queue:      QueueConfig{Retention: 24 * time.Hour},
		Daemon: DaemonConfig{
			Cadence:       5 * time.Minute,
			SignalPort:    0,
			LogMaxSizeMB:  10,
			LogMaxBackups: 3,
			LogMaxAgeDays: 28,
		},
	}
}

// Load resolves configuration. If file is non-empty it must exist;
// otherwise config.yaml in the data dir is used when present.
func Load(file string) (*Config, error) {
	def := Default()

	v := viper.New()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("partitions", def.Partitions)
	v.SetDefault("provider", def.Provider)
	// Empty defaults keep env-only keys visible to Unmarshal.
	v.SetDefault("relay.endpoint", "")
	v.SetDefault("relay.token", "")
	v.SetDefault("drive.endpoint", "")
	v.SetDefault("drive.token", "")
	v.SetDefault("folder.dir", "")
	v.SetDefault("daemon.log_file", "")
	v.SetDefault("queue.retention", def.Queue.Retention)
	v.SetDefault("daemon.cadence", def.Daemon.Cadence)
	v.SetDefault("daemon.signal_port", def.Daemon.SignalPort)
	v.SetDefault("daemon.log_max_size_mb", def.Daemon.LogMaxSizeMB)
	v.SetDefault("daemon.log_max_backups", def.Daemon.LogMaxBackups)
	v.SetDefault("daemon.log_max_age_days", def.Daemon.LogMaxAgeDays)

	v.SetEnvPrefix("SATCHEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("data_dir"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Provider {
	case "noop", "relay", "drive", "folder":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Provider == "relay" && c.Relay.Endpoint == "" {
		return fmt.Errorf("relay provider requires relay.endpoint")
	}
	if c.Provider == "drive" && c.Drive.Endpoint == "" {
		return fmt.Errorf("drive provider requires drive.endpoint")
	}
	if c.Provider == "folder" && c.Folder.Dir == "" {
		return fmt.Errorf("folder provider requires folder.dir")
	}
	if len(c.Partitions) == 0 {
		return fmt.Errorf("at least one partition is required")
	}
	if c.Queue.Retention < 0 {
		return fmt.Errorf("queue.retention must not be negative")
	}
	if c.Daemon.Cadence <= 0 {
		return fmt.Errorf("daemon.cadence must be positive")
	}
	return nil
}

// DatabasePath is the SQLite file location inside the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "satchel.db")
}

// SignalFilePath is the fsnotify signal file location.
func (c *Config) SignalFilePath() string {
	return filepath.Join(c.DataDir, "signal.json")
}
