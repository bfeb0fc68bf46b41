package schema

import (
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
)

// ChangeType is the kind of change a ChangeRecord reports.
type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ChangeRecord is a sync candidate read from one store. It lives only for
// the duration of a session.
type ChangeRecord struct {
	EntityName string
	EntityID   string
	ChangeType ChangeType
	ChangedAt  time.Time
	Entity     *entity.Record
	DataHash   string
}
