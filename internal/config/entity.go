package config

import (
	"fmt"
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/filter"
	"github.com/Mschirtzinger/offsync/internal/schema"
)

// EntityConfig is one [[entities]] section. Pointer fields distinguish
// "unset" from an explicit zero or false; unset fields take the values of
// schema.DefaultSyncConfiguration.
type EntityConfig struct {
	Name               string   `mapstructure:"name"`
	Enabled            *bool    `mapstructure:"enabled"`
	Priority           int      `mapstructure:"priority"`
	Direction          string   `mapstructure:"direction"`
	ConflictResolution string   `mapstructure:"conflict_resolution"`
	MaxRetries         *int     `mapstructure:"max_retries"`
	RetryDelaySeconds  *int     `mapstructure:"retry_delay_seconds"`
	ExponentialBackoff *bool    `mapstructure:"exponential_backoff"`
	BatchSize          int      `mapstructure:"batch_size"`
	SyncDeleted        *bool    `mapstructure:"sync_deleted"`
	Filter             string   `mapstructure:"filter"`
	SinceFloor         string   `mapstructure:"since_floor"`
	VolatileFields     []string `mapstructure:"volatile_fields"`
}

// SyncConfiguration applies e on top of the defaults.
func (e EntityConfig) SyncConfiguration() (schema.SyncConfiguration, error) {
	sc := schema.DefaultSyncConfiguration(e.Name)

	if e.Enabled != nil {
		sc.IsEnabled = *e.Enabled
	}
	if e.Priority != 0 {
		sc.Priority = e.Priority
	}
	if e.Direction != "" {
		d, err := schema.ParseDirection(e.Direction)
		if err != nil {
			return sc, err
		}
		sc.Direction = d
	}
	if e.ConflictResolution != "" {
		s, err := schema.ParseConflictStrategy(e.ConflictResolution)
		if err != nil {
			return sc, err
		}
		sc.ConflictResolution = s
	}
	if e.MaxRetries != nil {
		sc.MaxRetries = *e.MaxRetries
	}
	if e.RetryDelaySeconds != nil {
		sc.RetryDelaySeconds = *e.RetryDelaySeconds
	}
	if e.ExponentialBackoff != nil {
		sc.UseExponentialBackoff = *e.ExponentialBackoff
	}
	if e.BatchSize != 0 {
		sc.BatchSize = e.BatchSize
	}
	if e.SyncDeleted != nil {
		sc.SyncDeleted = *e.SyncDeleted
	}
	sc.FilterExpression = e.Filter

	if e.SinceFloor != "" {
		floor, err := parseFloor(e.SinceFloor)
		if err != nil {
			return sc, err
		}
		sc.SinceFloor = &floor
	}
	return sc, nil
}

// Check validates the entity section, including its filter expression.
func (e EntityConfig) Check() error {
	if !entity.ValidName(e.Name) {
		return fmt.Errorf("name %q must match [a-z][a-z0-9_]*", e.Name)
	}
	sc, err := e.SyncConfiguration()
	if err != nil {
		return err
	}
	if err := sc.Validate(); err != nil {
		return err
	}
	if _, err := filter.Compile(sc.FilterExpression); err != nil {
		return err
	}
	return nil
}

func parseFloor(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("since_floor %q is neither RFC 3339 nor YYYY-MM-DD", s)
}
