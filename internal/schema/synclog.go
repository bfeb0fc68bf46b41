package schema

import (
	"fmt"
	"time"
)

// SyncType classifies a session.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
	SyncTypeManual      SyncType = "manual"
)

// LogStatus is the state of a sync session.
type LogStatus string

const (
	LogInProgress     LogStatus = "in_progress"
	LogCompleted      LogStatus = "completed"
	LogFailed         LogStatus = "failed"
	LogPartialSuccess LogStatus = "partial_success"
)

// Terminal reports whether s is a final session state.
func (s LogStatus) Terminal() bool {
	switch s {
	case LogCompleted, LogFailed, LogPartialSuccess:
		return true
	}
	return false
}

// SyncLog is the audit record of one session. It is immutable once Status
// leaves in_progress.
type SyncLog struct {
	SessionID         string     `json:"session_id" yaml:"session_id"`
	StartedAt         time.Time  `json:"started_at" yaml:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	SyncType          SyncType   `json:"sync_type" yaml:"sync_type"`
	Direction         Direction  `json:"direction" yaml:"direction"`
	Status            LogStatus  `json:"status" yaml:"status"`
	EntitiesSynced    int        `json:"entities_synced" yaml:"entities_synced"`
	EntitiesFailed    int        `json:"entities_failed" yaml:"entities_failed"`
	ConflictsDetected int        `json:"conflicts_detected" yaml:"conflicts_detected"`
	ConflictsResolved int        `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	ErrorMessage      string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	Details           string     `json:"details,omitempty" yaml:"details,omitempty"`
	DeviceID          string     `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	InitiatedBy       string     `json:"initiated_by,omitempty" yaml:"initiated_by,omitempty"`
}

// Validate checks the log invariants.
func (l *SyncLog) Validate() error {
	if l.SessionID == "" {
		return fmt.Errorf("session_id is required")
	}
	if l.StartedAt.IsZero() {
		return fmt.Errorf("started_at is required")
	}
	if l.Status.Terminal() && l.CompletedAt == nil {
		return fmt.Errorf("completed_at is required once the session has finished")
	}
	return nil
}

// Duration returns the elapsed session time, or zero while it is running.
func (l *SyncLog) Duration() time.Duration {
	if l.CompletedAt == nil {
		return 0
	}
	return l.CompletedAt.Sub(l.StartedAt)
}
