package schema

import (
	"fmt"
	"time"
)

// SyncStatus is the lifecycle state of one record's sync metadata.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusCompleted  SyncStatus = "completed"
	StatusFailed     SyncStatus = "failed"
	StatusConflict   SyncStatus = "conflict"
)

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// SyncMetadata is the durable sync state of a single record, unique per
// (EntityName, EntityID). Rows are never hard-deleted.
type SyncMetadata struct {
	ID                 int64            `json:"id" yaml:"id"`
	EntityName         string           `json:"entity_name" yaml:"entity_name"`
	EntityID           string           `json:"entity_id" yaml:"entity_id"`
	LastSyncedAt       *time.Time       `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
	DataHash           string           `json:"data_hash,omitempty" yaml:"data_hash,omitempty"`
	SyncDirection      Direction        `json:"sync_direction,omitempty" yaml:"sync_direction,omitempty"`
	Status             SyncStatus       `json:"status" yaml:"status"`
	ErrorMessage       string           `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	RetryCount         int              `json:"retry_count" yaml:"retry_count"`
	NextRetryAt        *time.Time       `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`
	IsLocalOnly        bool             `json:"is_local_only" yaml:"is_local_only"`
	ConflictResolution ConflictStrategy `json:"conflict_resolution,omitempty" yaml:"conflict_resolution,omitempty"`
	ConflictDetectedAt *time.Time       `json:"conflict_detected_at,omitempty" yaml:"conflict_detected_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at" yaml:"updated_at"`
}

// Validate checks the metadata invariants.
func (m *SyncMetadata) Validate() error {
	if m.EntityName == "" {
		return fmt.Errorf("entity_name is required")
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !m.Status.Valid() {
		return fmt.Errorf("invalid status %q", m.Status)
	}
	if m.Status == StatusConflict && m.ConflictDetectedAt == nil {
		return fmt.Errorf("conflict_detected_at is required when status is conflict")
	}
	if m.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", m.RetryCount)
	}
	return nil
}

// Exhausted reports whether the record has used up its automatic retries.
func (m *SyncMetadata) Exhausted(maxRetries int) bool {
	return m.Status == StatusFailed && m.RetryCount >= maxRetries
}

// RetryDue reports whether a failed record may be attempted again at now.
func (m *SyncMetadata) RetryDue(now time.Time, maxRetries int) bool {
	if m.Status != StatusFailed || m.Exhausted(maxRetries) {
		return false
	}
	return m.NextRetryAt == nil || !now.Before(*m.NextRetryAt)
}
