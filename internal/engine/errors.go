package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mschirtzinger/offsync/internal/store"
)

// ErrSyncInProgress is returned when a session is requested while another
// one is running. Requests are rejected, not queued.
var ErrSyncInProgress = errors.New("a sync session is already in progress")

// Category classifies an error by how the engine responds to it.
type Category string

const (
	// CategoryConnectivity means a store was unreachable or timed out. The
	// record is retried with backoff; the session stops scheduling new work.
	CategoryConnectivity Category = "connectivity"

	// CategoryWriteRejected means the target store refused one record.
	CategoryWriteRejected Category = "write_rejected"

	// CategoryConfiguration means an entity type cannot be synced as
	// configured. Other entity types carry on.
	CategoryConfiguration Category = "configuration"

	// CategoryCancelled means the caller stopped the session. A deadline
	// inside a store is a timeout, not a cancellation.
	CategoryCancelled Category = "cancelled"

	// CategoryInternal is everything else.
	CategoryInternal Category = "internal"
)

// CategorizedError is an error raised while syncing one record or one
// entity type, with its category. EntityID is empty for entity-level errors.
type CategorizedError struct {
	Err        error    `json:"-" yaml:"-"`
	Category   Category `json:"category" yaml:"category"`
	EntityName string   `json:"entity_name,omitempty" yaml:"entity_name,omitempty"`
	EntityID   string   `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	Message    string   `json:"message" yaml:"message"`
}

// Error returns the original message prefixed with the record it concerns.
func (ce *CategorizedError) Error() string {
	switch {
	case ce.EntityName != "" && ce.EntityID != "":
		return fmt.Sprintf("%s/%s: %v", ce.EntityName, ce.EntityID, ce.Err)
	case ce.EntityName != "":
		return fmt.Sprintf("%s: %v", ce.EntityName, ce.Err)
	default:
		return ce.Err.Error()
	}
}

// Unwrap returns the underlying error.
func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// IsCategory reports whether the error has the given category.
func (ce *CategorizedError) IsCategory(category Category) bool {
	return ce.Category == category
}

// Categorize maps err onto the engine's error taxonomy. It cannot tell a
// cancelled session from a store that gave up on its own; use
// categorizeIn when the session context is at hand.
func Categorize(err error) Category {
	var ce *CategorizedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Category
	case errors.Is(err, context.Canceled):
		return CategoryCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, store.ErrUnavailable):
		return CategoryConnectivity
	case errors.Is(err, store.ErrRejected):
		return CategoryWriteRejected
	default:
		return CategoryInternal
	}
}

// categorizeIn is Categorize for an error raised under ctx: only an ended
// ctx makes it a cancellation.
func categorizeIn(ctx context.Context, err error) Category {
	if err != nil && ctx.Err() != nil {
		return CategoryCancelled
	}
	c := Categorize(err)
	if c == CategoryCancelled {
		// The store was cancelled by something other than the session.
		return CategoryInternal
	}
	return c
}

func newRecordError(entityName, entityID string, err error) *CategorizedError {
	return &CategorizedError{Err: err, Category: Categorize(err), EntityName: entityName, EntityID: entityID, Message: err.Error()}
}

func newEntityError(entityName string, category Category, err error) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, EntityName: entityName, Message: err.Error()}
}

// IsConnectivityError reports whether err is a connectivity failure.
func IsConnectivityError(err error) bool {
	return Categorize(err) == CategoryConnectivity
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return Categorize(err) == CategoryConfiguration
}
