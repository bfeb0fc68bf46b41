package engine

import "github.com/Mschirtzinger/offsync/internal/schema"

// SessionInfo describes a session that just started.
type SessionInfo struct {
	SessionID   string
	SyncType    schema.SyncType
	Direction   schema.Direction
	Entity      string
	InitiatedBy string
}

// Observer receives session events. Record events arrive from worker
// goroutines, so implementations must be safe for concurrent use.
//
// ConflictDetected reports whether the configured strategy settles the
// conflict without an operator.
type Observer interface {
	SessionStarted(info SessionInfo)
	RecordSynced(entityName, entityID string, direction schema.Direction)
	RecordFailed(entityName, entityID string, err error)
	ConflictDetected(entityName, entityID string, strategy schema.ConflictStrategy, automatic bool)
	SessionFinished(result *SyncResult)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) SessionStarted(SessionInfo)                                     {}
func (NopObserver) RecordSynced(string, string, schema.Direction)                  {}
func (NopObserver) RecordFailed(string, string, error)                             {}
func (NopObserver) ConflictDetected(string, string, schema.ConflictStrategy, bool) {}
func (NopObserver) SessionFinished(*SyncResult)                                    {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (o Observers) SessionStarted(info SessionInfo) {
	for _, obs := range o {
		obs.SessionStarted(info)
	}
}

func (o Observers) RecordSynced(entityName, entityID string, direction schema.Direction) {
	for _, obs := range o {
		obs.RecordSynced(entityName, entityID, direction)
	}
}

func (o Observers) RecordFailed(entityName, entityID string, err error) {
	for _, obs := range o {
		obs.RecordFailed(entityName, entityID, err)
	}
}

func (o Observers) ConflictDetected(entityName, entityID string, strategy schema.ConflictStrategy, automatic bool) {
	for _, obs := range o {
		obs.ConflictDetected(entityName, entityID, strategy, automatic)
	}
}

func (o Observers) SessionFinished(result *SyncResult) {
	for _, obs := range o {
		obs.SessionFinished(result)
	}
}
