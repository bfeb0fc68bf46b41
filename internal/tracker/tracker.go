// Package tracker finds records that changed in one store and fingerprints
// their content.
//
// Timestamps select the candidate set only. Whether content actually
// changed is decided by comparing content hashes, since local and cloud
// clocks are not assumed to agree.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"os"
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/filter"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store"
)

// ErrNotConfigured is returned for entity types without a SyncConfiguration.
var ErrNotConfigured = errors.New("entity has no sync configuration")

// MetadataWriter persists the outcome of a successful sync.
type MetadataWriter interface {
	MarkSynced(ctx context.Context, entityName, entityID, hash string, direction schema.Direction, at time.Time) error
}

type entityConfig struct {
	cfg     schema.SyncConfiguration
	adapter *entity.Adapter
	filter  *filter.Filter
	err     error
}

// Tracker reads change sets from one store.
type Tracker struct {
	store    store.Store
	meta     MetadataWriter
	entities map[string]*entityConfig
	logger   *log.Logger
}

// New creates a tracker over st. Each configuration is resolved against the
// registry and its filter compiled up front; a failure is remembered and
// reported for that entity type only.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st store.Store, registry *entity.Registry, configs []schema.SyncConfiguration, meta MetadataWriter, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}

	t := &Tracker{
		store:    st,
		meta:     meta,
		entities: make(map[string]*entityConfig, len(configs)),
		logger:   logger,
	}
	for _, cfg := range configs {
		ec := &entityConfig{cfg: cfg}
		if err := cfg.Validate(); err != nil {
			ec.err = fmt.Errorf("invalid configuration for %s: %w", cfg.EntityName, err)
		} else if adapter, err := registry.Lookup(cfg.EntityName); err != nil {
			ec.err = err
		} else if f, err := filter.Compile(cfg.FilterExpression); err != nil {
			ec.adapter = adapter
			ec.err = err
		} else {
			ec.adapter = adapter
			ec.filter = f
		}
		t.entities[cfg.EntityName] = ec
	}
	return t
}

// Store returns the store the tracker reads from.
func (t *Tracker) Store() store.Store { return t.store }

// ConfigError reports why an entity type cannot be tracked, or nil.
func (t *Tracker) ConfigError(entityName string) error {
	_, err := t.entity(entityName)
	return err
}

func (t *Tracker) entity(name string) (*entityConfig, error) {
	ec, ok := t.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	if ec.err != nil {
		return nil, ec.err
	}
	return ec, nil
}

// ChangedEntities yields live records of entityName modified at or after since,
// or every live record when since is nil. Records are read lazily in pages
// of the configured batch size.
func (t *Tracker) ChangedEntities(ctx context.Context, entityName string, since *time.Time) iter.Seq2[schema.ChangeRecord, error] {
	return t.scan(ctx, entityName, since, store.ExcludeDeleted)
}

// DeletedEntities yields tombstones of entityName modified at or after since. It
// yields nothing when the configuration does not propagate deletions.
func (t *Tracker) DeletedEntities(ctx context.Context, entityName string, since *time.Time) iter.Seq2[schema.ChangeRecord, error] {
	if ec, err := t.entity(entityName); err == nil && !ec.cfg.SyncDeleted {
		return func(yield func(schema.ChangeRecord, error) bool) {}
	}
	return t.scan(ctx, entityName, since, store.OnlyDeleted)
}

func (t *Tracker) scan(ctx context.Context, entityName string, since *time.Time, deleted store.DeletedFilter) iter.Seq2[schema.ChangeRecord, error] {
	return func(yield func(schema.ChangeRecord, error) bool) {
		ec, err := t.entity(entityName)
		if err != nil {
			yield(schema.ChangeRecord{EntityName: entityName}, err)
			return
		}

		q := store.Query{Since: since, Deleted: deleted, Limit: ec.cfg.BatchSize}
		for {
			page, err := t.store.List(ctx, entityName, q)
			if err != nil {
				yield(schema.ChangeRecord{EntityName: entityName}, fmt.Errorf("failed to read %s changes from %s: %w", entityName, t.store.Name(), err))
				return
			}

			for _, rec := range page {
				ok, err := ec.filter.Match(rec.Fields)
				if err != nil {
					t.logger.Printf("Warning: filter failed on %s/%s: %v", entityName, rec.ID, err)
					continue
				}
				if !ok {
					continue
				}
				change, err := t.newChange(ec, rec)
				if !yield(change, err) {
					return
				}
			}

			if len(page) < q.Limit {
				return
			}
			cursor := store.CursorOf(page[len(page)-1])
			q.After = &cursor
		}
	}
}

// Lookup returns the current version of one record, or nil if the store
// does not have it. Filters are not applied.
func (t *Tracker) Lookup(ctx context.Context, entityName, id string) (*schema.ChangeRecord, error) {
	ec, err := t.entity(entityName)
	if err != nil {
		return nil, err
	}
	rec, err := t.store.Get(ctx, entityName, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	change, err := t.newChange(ec, rec)
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// ComputeEntityHash fingerprints rec using the adapter's volatile fields.
func (t *Tracker) ComputeEntityHash(entityName string, rec *entity.Record) (string, error) {
	ec, err := t.entity(entityName)
	if err != nil {
		return "", err
	}
	return ComputeEntityHash(rec, ec.adapter.VolatileFields)
}

// MarkAsSynced records that the store's current version of a record is in
// sync as of syncTime.
func (t *Tracker) MarkAsSynced(ctx context.Context, entityName, entityID string, syncTime time.Time) error {
	if t.meta == nil {
		return fmt.Errorf("tracker for %s has no metadata writer", t.store.Name())
	}
	change, err := t.Lookup(ctx, entityName, entityID)
	if err != nil {
		return fmt.Errorf("failed to read %s/%s: %w", entityName, entityID, err)
	}
	if change == nil {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityName, entityID)
	}

	ec, _ := t.entity(entityName)
	if err := t.meta.MarkSynced(ctx, entityName, entityID, change.DataHash, ec.cfg.Direction, syncTime); err != nil {
		return fmt.Errorf("failed to mark %s/%s as synced: %w", entityName, entityID, err)
	}
	return nil
}

func (t *Tracker) newChange(ec *entityConfig, rec *entity.Record) (schema.ChangeRecord, error) {
	change := schema.ChangeRecord{
		EntityName: ec.cfg.EntityName,
		EntityID:   rec.ID,
		ChangedAt:  rec.ModifiedAt(),
		Entity:     rec,
	}
	switch {
	case rec.Deleted:
		change.ChangeType = schema.ChangeDeleted
	case rec.UpdatedAt == nil:
		change.ChangeType = schema.ChangeCreated
	default:
		change.ChangeType = schema.ChangeUpdated
	}

	hash, err := ComputeEntityHash(rec, ec.adapter.VolatileFields)
	if err != nil {
		return change, err
	}
	change.DataHash = hash
	return change, nil
}
