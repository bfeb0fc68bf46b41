// Package engine coordinates sync sessions between a local and a cloud
// store.
//
// A session walks the enabled entity types in priority order. For each one
// it gathers candidate ids from the change trackers of the stores it reads
// from, plus records whose retry is due, and processes them in batches on a
// bounded worker pool. Every candidate is handled by exactly one worker, so
// no two workers touch the same metadata row. Per-record failures are
// recorded in sync metadata and never abort the session; only failing to
// write the sync log itself is returned as an error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store"
	"github.com/Mschirtzinger/offsync/internal/syncstate"
	"github.com/Mschirtzinger/offsync/internal/tracker"
)

// Config holds configuration for the service.
type Config struct {
	// DeviceID identifies this process in sync logs.
	DeviceID string

	// Workers bounds per-batch concurrency.
	Workers int

	// Clock supplies timestamps for metadata and logs.
	Clock Clock

	// Observer receives session events.
	Observer Observer

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		DeviceID: host,
		Workers:  4,
		Clock:    SystemClock(),
		Observer: NopObserver{},
		Logger:   log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Service is the sync orchestrator for one local/cloud pair.
type Service struct {
	local        store.Store
	cloud        store.Store
	localTracker *tracker.Tracker
	cloudTracker *tracker.Tracker
	conn         *connection.Manager
	state        *syncstate.Store
	configs      []schema.SyncConfiguration
	config       *Config

	// mu is held for the whole of a session.
	mu      sync.Mutex
	running atomic.Bool
}

// New creates a service. configs are the per-entity sync policies; each
// must name an entity type registered in registry, although a broken
// configuration only disables its own entity type.
func New(local, cloud store.Store, conn *connection.Manager, state *syncstate.Store, registry *entity.Registry, configs []schema.SyncConfiguration, config *Config) (*Service, error) {
	if local == nil || cloud == nil {
		return nil, fmt.Errorf("local and cloud stores are required")
	}
	if conn == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}
	if state == nil {
		return nil, fmt.Errorf("sync state cannot be nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("entity registry cannot be nil")
	}

	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.Clock == nil {
		config.Clock = def.Clock
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	seen := make(map[string]bool, len(configs))
	sorted := make([]schema.SyncConfiguration, 0, len(configs))
	for _, cfg := range configs {
		if seen[cfg.EntityName] {
			return nil, fmt.Errorf("duplicate sync configuration for %q", cfg.EntityName)
		}
		seen[cfg.EntityName] = true
		sorted = append(sorted, cfg)
	}
	slices.SortStableFunc(sorted, func(a, b schema.SyncConfiguration) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.EntityName, b.EntityName)
	})

	return &Service{
		local:        local,
		cloud:        cloud,
		localTracker: tracker.New(local, registry, sorted, state, log.New(config.Logger.Writer(), "[tracker:local] ", config.Logger.Flags())),
		cloudTracker: tracker.New(cloud, registry, sorted, state, log.New(config.Logger.Writer(), "[tracker:cloud] ", config.Logger.Flags())),
		conn:         conn,
		state:        state,
		configs:      sorted,
		config:       config,
	}, nil
}

// Configurations returns the sync policies in processing order.
func (s *Service) Configurations() []schema.SyncConfiguration {
	return slices.Clone(s.configs)
}

func (s *Service) configFor(entityName string) (schema.SyncConfiguration, bool) {
	for _, cfg := range s.configs {
		if cfg.EntityName == entityName {
			return cfg, true
		}
	}
	return schema.SyncConfiguration{}, false
}

// Option adjusts a single operation.
type Option func(*request)

// InitiatedBy records who started the session in its sync log.
func InitiatedBy(name string) Option {
	return func(r *request) { r.initiatedBy = name }
}

type request struct {
	syncType    schema.SyncType
	flow        schema.Direction
	entity      string
	initiatedBy string
}

func newRequest(syncType schema.SyncType, flow schema.Direction, entityName string, opts []Option) request {
	r := request{syncType: syncType, flow: flow, entity: entityName, initiatedBy: "engine"}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// SyncAll re-diffs every enabled entity type in both directions, ignoring
// incremental cursors.
func (s *Service) SyncAll(ctx context.Context, opts ...Option) (*SyncResult, error) {
	return s.run(ctx, newRequest(schema.SyncTypeFull, schema.DirectionBidirectional, "", opts))
}

// SyncIncremental syncs records changed since each entity type's cursor in
// both directions.
func (s *Service) SyncIncremental(ctx context.Context, opts ...Option) (*SyncResult, error) {
	return s.run(ctx, newRequest(schema.SyncTypeIncremental, schema.DirectionBidirectional, "", opts))
}

// SyncEntity incrementally syncs a single entity type.
func (s *Service) SyncEntity(ctx context.Context, entityName string, opts ...Option) (*SyncResult, error) {
	return s.run(ctx, newRequest(schema.SyncTypeIncremental, schema.DirectionBidirectional, entityName, opts))
}

// PushToCloud sends local changes to the cloud.
func (s *Service) PushToCloud(ctx context.Context, opts ...Option) (*SyncResult, error) {
	return s.run(ctx, newRequest(schema.SyncTypeIncremental, schema.DirectionLocalToCloud, "", opts))
}

// PullFromCloud brings cloud changes into the local store.
func (s *Service) PullFromCloud(ctx context.Context, opts ...Option) (*SyncResult, error) {
	return s.run(ctx, newRequest(schema.SyncTypeIncremental, schema.DirectionCloudToLocal, "", opts))
}

// IsOnline reports whether sessions can currently reach the cloud,
// according to the cached probe result.
func (s *Service) IsOnline() bool {
	return s.conn.GetConnectionMode() != connection.ModeLocal && s.conn.IsCloudAvailable()
}

// IsRunning reports whether a session is in progress.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// LastSyncTime returns when the last session that made progress finished.
func (s *Service) LastSyncTime(ctx context.Context) (*time.Time, error) {
	return s.state.LastSyncTime(ctx)
}

// PendingSyncCount returns how many records still need to reach the other side.
func (s *Service) PendingSyncCount(ctx context.Context) (int, error) {
	return s.state.PendingCount(ctx)
}

// Status returns a snapshot of the engine.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	counts, err := s.state.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	last, err := s.state.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Mode:             s.conn.GetConnectionMode(),
		IsOnline:         s.IsOnline(),
		IsCloudAvailable: s.conn.IsCloudAvailable(),
		Running:          s.running.Load(),
		LastSyncTime:     last,
		PendingCount:     counts[schema.StatusPending] + counts[schema.StatusInProgress] + counts[schema.StatusFailed],
		ConflictCount:    counts[schema.StatusConflict],
		FailedCount:      counts[schema.StatusFailed],
	}, nil
}

// Conflicts lists records waiting for manual resolution. An empty
// entityName lists every entity type.
func (s *Service) Conflicts(ctx context.Context, entityName string) ([]*schema.SyncMetadata, error) {
	return s.state.ListConflicts(ctx, entityName)
}

// Failed lists records whose last attempt failed, oldest first.
func (s *Service) Failed(ctx context.Context, limit int) ([]*schema.SyncMetadata, error) {
	return s.state.ListByStatus(ctx, schema.StatusFailed, "", limit)
}

// Logs returns recent sessions, newest first.
func (s *Service) Logs(ctx context.Context, limit int, since *time.Time) ([]*schema.SyncLog, error) {
	return s.state.RecentLogs(ctx, limit, since)
}

// Requeue gives a failed record a fresh retry budget so the next session
// picks it up again.
func (s *Service) Requeue(ctx context.Context, metadataID int64) (*schema.SyncMetadata, error) {
	if !s.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	m, err := s.state.Requeue(ctx, metadataID)
	if err != nil {
		return nil, fmt.Errorf("failed to requeue metadata %d: %w", metadataID, err)
	}
	s.config.Logger.Printf("Requeued %s/%s", m.EntityName, m.EntityID)
	return m, nil
}

// ResolveConflict settles a record left in conflict by applying strategy,
// which must be automatic. It runs as a manual session with its own sync
// log entry.
func (s *Service) ResolveConflict(ctx context.Context, metadataID int64, strategy schema.ConflictStrategy, opts ...Option) (*SyncResult, error) {
	if !strategy.Automatic() {
		return nil, fmt.Errorf("strategy %q cannot resolve a conflict", strategy)
	}
	if !s.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	meta, err := s.state.GetByID(ctx, metadataID)
	if err != nil {
		return nil, err
	}
	if meta.Status != schema.StatusConflict {
		return nil, fmt.Errorf("metadata %d (%s/%s) is %s, not in conflict", metadataID, meta.EntityName, meta.EntityID, meta.Status)
	}
	cfg, ok := s.configFor(meta.EntityName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tracker.ErrNotConfigured, meta.EntityName)
	}

	req := newRequest(schema.SyncTypeManual, schema.DirectionBidirectional, meta.EntityName, opts)
	sess, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.preflight(ctx); err != nil {
		sess.fatal = err
		return s.finish(ctx, sess)
	}

	p := &entityRun{cfg: cfg, flow: schema.DirectionBidirectional}
	local, cloud, err := s.lookup(ctx, p, meta.EntityID)
	switch {
	case err != nil:
		s.fail(ctx, sess, p, meta, err)
	case local == nil && cloud == nil:
		s.fail(ctx, sess, p, meta, fmt.Errorf("%w: record is missing from both stores", store.ErrNotFound))
	default:
		if s.settle(ctx, sess, p, meta, local, cloud, strategy) {
			s.config.Logger.Printf("Resolved conflict on %s/%s with %s", meta.EntityName, meta.EntityID, strategy)
		}
	}
	return s.finish(ctx, sess)
}

func (s *Service) preflight(ctx context.Context) *CategorizedError {
	if err := ctx.Err(); err != nil {
		return &CategorizedError{Err: err, Category: CategoryCancelled, Message: "session cancelled before it started"}
	}
	if s.conn.GetConnectionMode() == connection.ModeLocal {
		err := errors.New("connection mode is local, sync is disabled")
		return &CategorizedError{Err: err, Category: CategoryConfiguration, Message: err.Error()}
	}
	if !s.conn.TestLocalConnection(ctx) {
		err := fmt.Errorf("%w: local store %s is unreachable", store.ErrUnavailable, s.local.Name())
		return &CategorizedError{Err: err, Category: CategoryConnectivity, Message: err.Error()}
	}
	if !s.conn.CheckCloudStatusNow(ctx) {
		err := fmt.Errorf("%w: cloud store %s is unreachable", store.ErrUnavailable, s.cloud.Name())
		return &CategorizedError{Err: err, Category: CategoryConnectivity, Message: err.Error()}
	}
	return nil
}
