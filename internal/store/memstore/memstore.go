// Package memstore provides an in-memory store.Store.
//
// Records are deep-copied on every read and write so callers cannot mutate
// stored state. Fault hooks let tests simulate an unreachable endpoint or a
// per-record write rejection.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/store"
)

// Store is a thread-safe in-memory store.
type Store struct {
	name string

	mu       sync.RWMutex
	entities map[string]map[string]*entity.Record
	offline  bool

	// FailUpsert, when set, is consulted before every Upsert and SoftDelete.
	// A non-nil result is returned instead of performing the write.
	FailUpsert func(entityName, id string) error
}

var _ store.Store = (*Store)(nil)

// New returns an empty store named name.
func New(name string) *Store {
	return &Store{
		name:     name,
		entities: make(map[string]map[string]*entity.Record),
	}
}

// Name implements store.Store.
func (s *Store) Name() string { return s.name }

// SetOffline makes every operation fail with store.ErrUnavailable.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	s.offline = offline
	s.mu.Unlock()
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.offline {
		return fmt.Errorf("%w: %s is offline", store.ErrUnavailable, s.name)
	}
	return nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

// EnsureEntity implements store.Store.
func (s *Store) EnsureEntity(ctx context.Context, entityName string) error {
	if !entity.ValidName(entityName) {
		return fmt.Errorf("invalid entity name %q", entityName)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.entities[entityName]; !ok {
		s.entities[entityName] = make(map[string]*entity.Record)
	}
	return nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, entityName string, q store.Query) ([]*entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []*entity.Record
	for _, rec := range s.entities[entityName] {
		if !q.Deleted.Matches(rec.Deleted) {
			continue
		}
		mod := rec.ModifiedAt().UTC()
		if q.Since != nil && mod.Before(*q.Since) {
			continue
		}
		if q.After != nil && !q.After.Before(mod, rec.ID) {
			continue
		}
		out = append(out, rec.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ModifiedAt(), out[j].ModifiedAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].ID < out[j].ID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, entityName, id string) (*entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := s.entities[entityName][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityName, id)
	}
	return rec.Clone(), nil
}

// Upsert implements store.Store.
func (s *Store) Upsert(ctx context.Context, entityName string, rec *entity.Record) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record id is required", store.ErrRejected)
	}
	if err := s.injected(entityName, rec.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	table, ok := s.entities[entityName]
	if !ok {
		table = make(map[string]*entity.Record)
		s.entities[entityName] = table
	}
	table[rec.ID] = rec.Clone()
	return nil
}

// SoftDelete implements store.Store.
func (s *Store) SoftDelete(ctx context.Context, entityName, id string, at time.Time, by string) error {
	if err := s.injected(entityName, id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	rec, ok := s.entities[entityName][id]
	if !ok {
		return fmt.Errorf("%w: %s/%s", store.ErrNotFound, entityName, id)
	}
	deletedAt := at
	rec.Deleted = true
	rec.DeletedAt = &deletedAt
	rec.DeletedBy = by
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// Len returns the number of records, tombstones included, of an entity type.
func (s *Store) Len(entityName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities[entityName])
}

func (s *Store) injected(entityName, id string) error {
	if s.FailUpsert == nil {
		return nil
	}
	return s.FailUpsert(entityName, id)
}
