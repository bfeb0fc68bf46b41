// Package store defines the storage boundary the sync engine consumes. A
// local and a cloud Store each expose bulk reads, single-record upserts and
// soft deletes per entity type.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
)

var (
	// ErrNotFound is returned when a record does not exist in the store.
	ErrNotFound = errors.New("record not found")

	// ErrUnavailable wraps connectivity failures. Callers treat it as
	// recoverable.
	ErrUnavailable = errors.New("store unavailable")

	// ErrRejected wraps writes the store refused for one record, such as a
	// constraint violation.
	ErrRejected = errors.New("write rejected")
)

// DeletedFilter selects live records, tombstones or both.
type DeletedFilter int

const (
	ExcludeDeleted DeletedFilter = iota
	OnlyDeleted
	IncludeDeleted
)

// Matches reports whether a record with the given tombstone flag passes f.
func (f DeletedFilter) Matches(deleted bool) bool {
	switch f {
	case OnlyDeleted:
		return deleted
	case IncludeDeleted:
		return true
	default:
		return !deleted
	}
}

// Cursor is a keyset position in (modified_at, id) order.
type Cursor struct {
	ModifiedAt time.Time
	ID         string
}

// Less reports whether position (t, id) sorts before c.
func (c Cursor) Less(t time.Time, id string) bool {
	if !t.Equal(c.ModifiedAt) {
		return t.Before(c.ModifiedAt)
	}
	return id < c.ID
}

// Before reports whether c sorts strictly before position (t, id).
func (c Cursor) Before(t time.Time, id string) bool {
	if !t.Equal(c.ModifiedAt) {
		return t.After(c.ModifiedAt)
	}
	return id > c.ID
}

// CursorOf returns the keyset position of rec.
func CursorOf(rec *entity.Record) Cursor {
	return Cursor{ModifiedAt: rec.ModifiedAt().UTC(), ID: rec.ID}
}

// Query selects records for List. Results are ordered by (modified_at, id).
type Query struct {
	// Since restricts results to records modified at or after it. Nil
	// selects every record.
	Since *time.Time

	Deleted DeletedFilter

	// After resumes a previous page. Records at or before it are skipped.
	After *Cursor

	// Limit caps the page size. Zero means no limit.
	Limit int
}

// Store is one side of a sync pair.
type Store interface {
	// Name identifies the store in logs ("local", "cloud").
	Name() string

	// Ping checks reachability. Failures wrap ErrUnavailable.
	Ping(ctx context.Context) error

	// EnsureEntity prepares storage for an entity type. It is idempotent.
	EnsureEntity(ctx context.Context, entityName string) error

	// List returns a page of records matching q.
	List(ctx context.Context, entityName string, q Query) ([]*entity.Record, error)

	// Get returns one record, tombstoned or not, or ErrNotFound.
	Get(ctx context.Context, entityName, id string) (*entity.Record, error)

	// Upsert writes rec as given, including its audit fields.
	Upsert(ctx context.Context, entityName string, rec *entity.Record) error

	// SoftDelete marks a record as deleted. It returns ErrNotFound when the
	// record does not exist.
	SoftDelete(ctx context.Context, entityName, id string, at time.Time, by string) error

	Close() error
}
