// Package config loads offsync settings from a config file and the
// environment.
//
// Files named offsync.{toml,yaml,json} are searched in the working
// directory, ./.offsync and $HOME/.config/offsync. Every scalar key can be
// overridden with an OFFSYNC_ variable, where dots become underscores:
// OFFSYNC_CLOUD_AUTH_TOKEN sets cloud.auth_token.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/schema"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "OFFSYNC"

// Config is the full process configuration.
type Config struct {
	DeviceID  string          `mapstructure:"device_id"`
	Mode      string          `mapstructure:"mode"`
	Workers   int             `mapstructure:"workers"`
	Local     LocalConfig     `mapstructure:"local"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Log       LogConfig       `mapstructure:"log"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Entities  []EntityConfig  `mapstructure:"entities"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

type LocalConfig struct {
	// Path is the local SQLite database.
	Path string `mapstructure:"path"`

	// StatePath holds sync metadata and logs. Defaults to sync_state.db
	// next to Path.
	StatePath string `mapstructure:"state_path"`
}

type CloudConfig struct {
	// URL is a libsql:// or https:// Turso URL, a file path, or memory://.
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type ProbeConfig struct {
	Timeout  time.Duration `mapstructure:"timeout"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Interval time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Quiet      bool   `mapstructure:"quiet"`
}

type DaemonConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	FullInterval time.Duration `mapstructure:"full_interval"`
	Debounce     time.Duration `mapstructure:"debounce"`
}

type DashboardConfig struct {
	Host string `mapstructure:"host"`
	// Port 0 disables the dashboard.
	Port int `mapstructure:"port"`
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	host, _ := os.Hostname()
	v.SetDefault("device_id", host)
	v.SetDefault("mode", string(connection.ModeHybrid))
	v.SetDefault("workers", 4)

	v.SetDefault("local.path", filepath.Join(".offsync", "local.db"))
	v.SetDefault("local.state_path", "")
	v.SetDefault("cloud.url", "")
	v.SetDefault("cloud.auth_token", "")

	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("probe.cache_ttl", 30*time.Second)
	v.SetDefault("probe.interval", 30*time.Second)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", false)
	v.SetDefault("log.quiet", false)

	v.SetDefault("daemon.interval", time.Minute)
	v.SetDefault("daemon.full_interval", time.Hour)
	v.SetDefault("daemon.debounce", 2*time.Second)

	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 0)
}

// Load reads configuration from path, or from the search path when path is
// empty, and validates it. A missing file on the search path is not an
// error; a missing explicit path is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("offsync")
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SearchPaths lists the directories Load looks in, in order.
func SearchPaths() []string {
	paths := []string{".", ".offsync"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "offsync"))
	}
	return paths
}

// Validate checks the whole configuration and reports every problem at
// once. The returned error wraps ErrInvalid.
func (c *Config) Validate() error {
	var errs []error

	mode, err := connection.ParseMode(c.Mode)
	if err != nil {
		errs = append(errs, err)
	}
	if c.Local.Path == "" {
		errs = append(errs, errors.New("local.path is required"))
	}
	if c.Cloud.URL == "" && mode != connection.ModeLocal {
		errs = append(errs, fmt.Errorf("cloud.url is required in %s mode", c.Mode))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive (got %d)", c.Workers))
	}
	if c.Probe.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("probe.timeout must be positive (got %s)", c.Probe.Timeout))
	}
	if c.Probe.CacheTTL < 0 || c.Probe.Interval < 0 {
		errs = append(errs, errors.New("probe.cache_ttl and probe.interval must not be negative"))
	}
	if c.Daemon.Interval <= 0 || c.Daemon.FullInterval <= 0 || c.Daemon.Debounce <= 0 {
		errs = append(errs, errors.New("daemon intervals must be positive"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range (got %d)", c.Dashboard.Port))
	}

	seen := make(map[string]bool, len(c.Entities))
	for i, e := range c.Entities {
		label := e.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Errorf("entities[%s]: duplicate entity name", label))
			continue
		}
		seen[e.Name] = true
		if err := e.Check(); err != nil {
			errs = append(errs, fmt.Errorf("entities[%s]: %w", label, err))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// ConnectionMode returns the parsed operating mode.
func (c *Config) ConnectionMode() connection.Mode {
	mode, err := connection.ParseMode(c.Mode)
	if err != nil {
		return connection.ModeHybrid
	}
	return mode
}

// StatePath returns where sync metadata and logs are stored. It is a
// separate file so writes to it are not mistaken for local data changes.
func (c *Config) StatePath() string {
	if c.Local.StatePath != "" {
		return c.Local.StatePath
	}
	return filepath.Join(filepath.Dir(c.Local.Path), "sync_state.db")
}

// SyncConfigurations converts the entity sections into sync policies.
func (c *Config) SyncConfigurations() ([]schema.SyncConfiguration, error) {
	out := make([]schema.SyncConfiguration, 0, len(c.Entities))
	for _, e := range c.Entities {
		sc, err := e.SyncConfiguration()
		if err != nil {
			return nil, fmt.Errorf("%w: entities[%s]: %w", ErrInvalid, e.Name, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// Adapters returns one entity adapter per configured entity.
func (c *Config) Adapters() []entity.Adapter {
	out := make([]entity.Adapter, 0, len(c.Entities))
	for _, e := range c.Entities {
		out = append(out, entity.Adapter{
			Name:           e.Name,
			VolatileFields: e.VolatileFields,
		})
	}
	return out
}
