package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// defaultFile is the document written by WriteDefault. Durations are
// strings so the file reads naturally and viper decodes them back.
type defaultFile struct {
	DeviceID  string          `toml:"device_id"`
	Mode      string          `toml:"mode"`
	Workers   int             `toml:"workers"`
	Local     map[string]any  `toml:"local"`
	Cloud     map[string]any  `toml:"cloud"`
	Probe     map[string]any  `toml:"probe"`
	Log       map[string]any  `toml:"log"`
	Daemon    map[string]any  `toml:"daemon"`
	Dashboard map[string]any  `toml:"dashboard"`
	Entities  []defaultEntity `toml:"entities"`
}

type defaultEntity struct {
	Name               string `toml:"name"`
	Priority           int    `toml:"priority"`
	Direction          string `toml:"direction"`
	ConflictResolution string `toml:"conflict_resolution"`
	MaxRetries         int    `toml:"max_retries"`
	RetryDelaySeconds  int    `toml:"retry_delay_seconds"`
	ExponentialBackoff bool   `toml:"exponential_backoff"`
	BatchSize          int    `toml:"batch_size"`
	SyncDeleted        bool   `toml:"sync_deleted"`
}

// WriteDefault writes a starter TOML config to path. It refuses to
// overwrite an existing file unless force is set.
func WriteDefault(path, cloudURL string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	host, _ := os.Hostname()
	doc := defaultFile{
		DeviceID: host,
		Mode:     "hybrid",
		Workers:  4,
		Local: map[string]any{
			"path": filepath.Join(".offsync", "local.db"),
		},
		Cloud: map[string]any{
			"url":        cloudURL,
			"auth_token": "",
		},
		Probe: map[string]any{
			"timeout":   "5s",
			"cache_ttl": "30s",
			"interval":  "30s",
		},
		Log: map[string]any{
			"file":         "",
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 28,
		},
		Daemon: map[string]any{
			"interval":      "1m",
			"full_interval": "1h",
			"debounce":      "2s",
		},
		Dashboard: map[string]any{
			"host": "127.0.0.1",
			"port": 0,
		},
		Entities: []defaultEntity{{
			Name:               "product",
			Priority:           5,
			Direction:          "bidirectional",
			ConflictResolution: "last_write_wins",
			MaxRetries:         3,
			RetryDelaySeconds:  5,
			ExponentialBackoff: true,
			BatchSize:          100,
			SyncDeleted:        true,
		}},
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	return f.Close()
}
