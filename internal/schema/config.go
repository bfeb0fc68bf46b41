package schema

import (
	"fmt"
	"time"
)

// Direction is the flow a sync configuration or operation allows.
type Direction string

const (
	DirectionLocalToCloud  Direction = "local_to_cloud"
	DirectionCloudToLocal  Direction = "cloud_to_local"
	DirectionBidirectional Direction = "bidirectional"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionLocalToCloud, DirectionCloudToLocal, DirectionBidirectional:
		return true
	}
	return false
}

// Allows reports whether a configuration with direction d permits data to
// flow in direction flow. A bidirectional flow is allowed by every
// configuration; it is narrowed to the configuration's own direction.
func (d Direction) Allows(flow Direction) bool {
	if d == DirectionBidirectional || flow == DirectionBidirectional {
		return true
	}
	return d == flow
}

// Narrow returns the effective direction when an operation with flow runs
// against a configuration with direction d. The second result is false when
// the two are incompatible.
func (d Direction) Narrow(flow Direction) (Direction, bool) {
	switch {
	case !d.Allows(flow):
		return "", false
	case d == DirectionBidirectional:
		return flow, true
	default:
		return d, true
	}
}

// PushesToCloud reports whether local changes may be written to the cloud.
func (d Direction) PushesToCloud() bool {
	return d == DirectionLocalToCloud || d == DirectionBidirectional
}

// PullsFromCloud reports whether cloud changes may be written locally.
func (d Direction) PullsFromCloud() bool {
	return d == DirectionCloudToLocal || d == DirectionBidirectional
}

// ParseDirection parses the textual form of a direction.
func ParseDirection(s string) (Direction, error) {
	d := Direction(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown direction %q (want local_to_cloud, cloud_to_local or bidirectional)", s)
	}
	return d, nil
}

// ConflictStrategy selects how a conflict between a local and a cloud
// version of the same record is settled.
type ConflictStrategy string

const (
	StrategyLastWriteWins  ConflictStrategy = "last_write_wins"
	StrategyFirstWriteWins ConflictStrategy = "first_write_wins"
	StrategyKeepLocal      ConflictStrategy = "keep_local"
	StrategyKeepCloud      ConflictStrategy = "keep_cloud"
	StrategyManual         ConflictStrategy = "manual"
)

// Strategies lists every known strategy in display order.
var Strategies = []ConflictStrategy{
	StrategyLastWriteWins,
	StrategyFirstWriteWins,
	StrategyKeepLocal,
	StrategyKeepCloud,
	StrategyManual,
}

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	for _, known := range Strategies {
		if s == known {
			return true
		}
	}
	return false
}

// Automatic reports whether the strategy settles a conflict without an operator.
func (s ConflictStrategy) Automatic() bool {
	return s.Valid() && s != StrategyManual
}

// ParseConflictStrategy parses the textual form of a strategy.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	cs := ConflictStrategy(s)
	if !cs.Valid() {
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
	return cs, nil
}

// Priority bounds. Lower numbers are processed first within a session.
const (
	MinPriority = 1
	MaxPriority = 10
)

// SyncConfiguration is the per-entity-type sync policy.
type SyncConfiguration struct {
	EntityName            string           `json:"entity_name" yaml:"entity_name"`
	IsEnabled             bool             `json:"is_enabled" yaml:"is_enabled"`
	Priority              int              `json:"priority" yaml:"priority"`
	Direction             Direction        `json:"direction" yaml:"direction"`
	ConflictResolution    ConflictStrategy `json:"conflict_resolution" yaml:"conflict_resolution"`
	MaxRetries            int              `json:"max_retries" yaml:"max_retries"`
	RetryDelaySeconds     int              `json:"retry_delay_seconds" yaml:"retry_delay_seconds"`
	UseExponentialBackoff bool             `json:"use_exponential_backoff" yaml:"use_exponential_backoff"`
	BatchSize             int              `json:"batch_size" yaml:"batch_size"`
	SyncDeleted           bool             `json:"sync_deleted" yaml:"sync_deleted"`
	FilterExpression      string           `json:"filter_expression,omitempty" yaml:"filter_expression,omitempty"`

	// SinceFloor is the entity creation floor. Incremental sessions never
	// look further back than this.
	SinceFloor *time.Time `json:"since_floor,omitempty" yaml:"since_floor,omitempty"`
}

// DefaultSyncConfiguration returns an enabled, bidirectional, last-write-wins
// configuration with a bounded exponential retry policy.
func DefaultSyncConfiguration(entityName string) SyncConfiguration {
	return SyncConfiguration{
		EntityName:            entityName,
		IsEnabled:             true,
		Priority:              5,
		Direction:             DirectionBidirectional,
		ConflictResolution:    StrategyLastWriteWins,
		MaxRetries:            3,
		RetryDelaySeconds:     5,
		UseExponentialBackoff: true,
		BatchSize:             100,
		SyncDeleted:           true,
	}
}

// Validate checks the configuration invariants.
func (c *SyncConfiguration) Validate() error {
	if c.EntityName == "" {
		return fmt.Errorf("entity_name is required")
	}
	if c.Priority < MinPriority || c.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d (got %d)", MinPriority, MaxPriority, c.Priority)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive (got %d)", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative (got %d)", c.MaxRetries)
	}
	if c.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds must not be negative (got %d)", c.RetryDelaySeconds)
	}
	if !c.Direction.Valid() {
		return fmt.Errorf("invalid direction %q", c.Direction)
	}
	if !c.ConflictResolution.Valid() {
		return fmt.Errorf("invalid conflict_resolution %q", c.ConflictResolution)
	}
	return nil
}

// RetryDelay returns the delay before the next attempt of a record that has
// already failed retryCount times. With exponential backoff the delay
// doubles for every earlier failure: 5s, 10s, 20s, 40s for a 5 second base.
func (c *SyncConfiguration) RetryDelay(retryCount int) time.Duration {
	base := time.Duration(c.RetryDelaySeconds) * time.Second
	if !c.UseExponentialBackoff || retryCount <= 0 {
		return base
	}
	// Cap the shift so absurd retry counts cannot overflow.
	if retryCount > 30 {
		retryCount = 30
	}
	return base * time.Duration(1<<uint(retryCount))
}
