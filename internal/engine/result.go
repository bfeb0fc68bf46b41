package engine

import (
	"time"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/schema"
)

// EntityCount is the per-entity-type tally of a session.
type EntityCount struct {
	Synced    int `json:"synced" yaml:"synced"`
	Failed    int `json:"failed" yaml:"failed"`
	Conflicts int `json:"conflicts" yaml:"conflicts"`
}

// SyncResult summarizes one session. It is well formed even when the
// session failed; callers inspect Success and Errors.
type SyncResult struct {
	Success           bool                   `json:"success" yaml:"success"`
	SessionID         string                 `json:"session_id" yaml:"session_id"`
	SyncType          schema.SyncType        `json:"sync_type" yaml:"sync_type"`
	Direction         schema.Direction       `json:"direction" yaml:"direction"`
	Status            schema.LogStatus       `json:"status" yaml:"status"`
	StartedAt         time.Time              `json:"started_at" yaml:"started_at"`
	CompletedAt       time.Time              `json:"completed_at" yaml:"completed_at"`
	EntitiesSynced    int                    `json:"entities_synced" yaml:"entities_synced"`
	EntitiesFailed    int                    `json:"entities_failed" yaml:"entities_failed"`
	ConflictsDetected int                    `json:"conflicts_detected" yaml:"conflicts_detected"`
	ConflictsResolved int                    `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	ErrorMessage      string                 `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	Errors            []*CategorizedError    `json:"errors,omitempty" yaml:"errors,omitempty"`
	EntityCounts      map[string]EntityCount `json:"entity_counts,omitempty" yaml:"entity_counts,omitempty"`
}

// Duration returns how long the session ran.
func (r *SyncResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Status is a point-in-time view of the engine.
type Status struct {
	Mode             connection.Mode `json:"mode" yaml:"mode"`
	IsOnline         bool            `json:"is_online" yaml:"is_online"`
	IsCloudAvailable bool            `json:"is_cloud_available" yaml:"is_cloud_available"`
	Running          bool            `json:"running" yaml:"running"`
	LastSyncTime     *time.Time      `json:"last_sync_time,omitempty" yaml:"last_sync_time,omitempty"`
	PendingCount     int             `json:"pending_count" yaml:"pending_count"`
	ConflictCount    int             `json:"conflict_count" yaml:"conflict_count"`
	FailedCount      int             `json:"failed_count" yaml:"failed_count"`
}
