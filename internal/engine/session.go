package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store"
	"github.com/Mschirtzinger/offsync/internal/tracker"
)

// session holds the mutable state of one run. Counters are updated from
// worker goroutines.
type session struct {
	id        string
	req       request
	startedAt time.Time

	synced     atomic.Int64
	failed     atomic.Int64
	detected   atomic.Int64
	resolved   atomic.Int64
	unresolved atomic.Int64
	finished   atomic.Int64 // entity types processed to the end
	halted     atomic.Bool

	// fatal is set when the session could not proceed at all.
	fatal *CategorizedError

	mu     sync.Mutex
	errors []*CategorizedError
	counts map[string]*EntityCount
}

func (s *session) addError(ce *CategorizedError) {
	s.mu.Lock()
	s.errors = append(s.errors, ce)
	s.mu.Unlock()
}

func (s *session) count(entityName string, fn func(*EntityCount)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counts[entityName]
	if !ok {
		c = &EntityCount{}
		s.counts[entityName] = c
	}
	fn(c)
}

// halt stops the session from scheduling more work. ce is recorded the
// first time only.
func (s *session) halt(ce *CategorizedError) {
	if s.halted.CompareAndSwap(false, true) && ce != nil {
		s.addError(ce)
	}
}

func (s *session) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || s.halted.Load()
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		SessionID:   s.id,
		SyncType:    s.req.syncType,
		Direction:   s.req.flow,
		Entity:      s.req.entity,
		InitiatedBy: s.req.initiatedBy,
	}
}

// entityRun is the per-entity-type state of a session.
type entityRun struct {
	cfg  schema.SyncConfiguration
	flow schema.Direction
	seen map[string]bool
}

func (s *Service) run(ctx context.Context, req request) (*SyncResult, error) {
	if !s.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	sess, err := s.begin(ctx, req)
	if err != nil {
		return nil, err
	}

	if ce := s.preflight(ctx); ce != nil {
		sess.fatal = ce
		return s.finish(ctx, sess)
	}

	if n, err := s.state.ResetInProgress(ctx); err != nil {
		return s.abort(ctx, sess, err)
	} else if n > 0 {
		s.config.Logger.Printf("Released %d records left in progress by an earlier session", n)
	}

	for _, p := range s.plan(sess) {
		if sess.stopped(ctx) {
			break
		}
		s.syncEntity(ctx, sess, p)
	}
	return s.finish(ctx, sess)
}

// begin acquires a session id and writes the in_progress sync log row. The
// caller must hold s.mu.
func (s *Service) begin(ctx context.Context, req request) (*session, error) {
	s.running.Store(true)

	now := s.config.Clock.Now()
	if n, err := s.state.AbandonRunningLogs(ctx, now); err != nil {
		s.running.Store(false)
		return nil, fmt.Errorf("failed to recover sync log: %w", err)
	} else if n > 0 {
		s.config.Logger.Printf("Marked %d interrupted sessions as failed", n)
	}

	sess := &session{
		id:        uuid.NewString(),
		req:       req,
		startedAt: now,
		counts:    make(map[string]*EntityCount),
	}
	l := &schema.SyncLog{
		SessionID:   sess.id,
		StartedAt:   now,
		SyncType:    req.syncType,
		Direction:   req.flow,
		DeviceID:    s.config.DeviceID,
		InitiatedBy: req.initiatedBy,
	}
	if err := s.state.BeginLog(ctx, l); err != nil {
		s.running.Store(false)
		return nil, fmt.Errorf("failed to start sync session: %w", err)
	}

	s.config.Logger.Printf("Session %s started (%s, %s)", sess.id, req.syncType, req.flow)
	s.config.Observer.SessionStarted(sess.info())
	return sess, nil
}

// abort ends a session that hit an error in its own bookkeeping.
func (s *Service) abort(ctx context.Context, sess *session, err error) (*SyncResult, error) {
	sess.fatal = &CategorizedError{Err: err, Category: CategoryInternal, Message: err.Error()}
	return s.finish(ctx, sess)
}

// plan returns the entity types the session covers, in priority order.
func (s *Service) plan(sess *session) []*entityRun {
	var runs []*entityRun
	found := false
	for _, cfg := range s.configs {
		if sess.req.entity != "" && cfg.EntityName != sess.req.entity {
			continue
		}
		found = true
		if !cfg.IsEnabled {
			if sess.req.entity != "" {
				sess.addError(newEntityError(cfg.EntityName, CategoryConfiguration, errors.New("sync is disabled for this entity type")))
			}
			continue
		}
		flow, ok := cfg.Direction.Narrow(sess.req.flow)
		if !ok {
			continue
		}
		runs = append(runs, &entityRun{cfg: cfg, flow: flow, seen: make(map[string]bool)})
	}
	if sess.req.entity != "" && !found {
		sess.addError(newEntityError(sess.req.entity, CategoryConfiguration, tracker.ErrNotConfigured))
	}
	return runs
}

func (s *Service) syncEntity(ctx context.Context, sess *session, p *entityRun) {
	name := p.cfg.EntityName

	if err := s.localTracker.ConfigError(name); err != nil {
		s.config.Logger.Printf("Skipping %s: %v", name, err)
		sess.addError(newEntityError(name, CategoryConfiguration, err))
		return
	}
	for _, st := range []store.Store{s.local, s.cloud} {
		if err := st.EnsureEntity(ctx, name); err != nil {
			ce := newRecordError(name, "", fmt.Errorf("failed to prepare %s store: %w", st.Name(), err))
			sess.addError(ce)
			if ce.Category == CategoryConnectivity {
				sess.halt(nil)
			}
			return
		}
	}

	since, err := s.cursor(ctx, sess, p.cfg)
	if err != nil {
		sess.addError(newRecordError(name, "", err))
		return
	}

	batch := make([]string, 0, p.cfg.BatchSize)
	add := func(id string) {
		if p.seen[id] {
			return
		}
		p.seen[id] = true
		batch = append(batch, id)
		if len(batch) >= p.cfg.BatchSize {
			s.runBatch(ctx, sess, p, batch)
			batch = batch[:0]
		}
	}

	retryable, err := s.state.ListRetryable(ctx, name, s.config.Clock.Now(), p.cfg.MaxRetries)
	if err != nil {
		sess.addError(newRecordError(name, "", err))
		return
	}
	for _, m := range retryable {
		add(m.EntityID)
	}

	complete := true
	for _, src := range s.sources(ctx, p, since) {
		for change, err := range src {
			if sess.stopped(ctx) {
				break
			}
			if err != nil {
				ce := newRecordError(name, "", err)
				sess.addError(ce)
				if ce.Category == CategoryConnectivity {
					sess.halt(nil)
				}
				complete = false
				break
			}
			add(change.EntityID)
		}
		if sess.stopped(ctx) {
			complete = false
			break
		}
	}
	if len(batch) > 0 {
		s.runBatch(ctx, sess, p, batch)
	}

	if complete && !sess.stopped(ctx) {
		sess.finished.Add(1)
	}
}

// sources returns the change feeds to read candidates from: the local store
// when the flow pushes, the cloud store when it pulls.
func (s *Service) sources(ctx context.Context, p *entityRun, since *time.Time) []iter.Seq2[schema.ChangeRecord, error] {
	name := p.cfg.EntityName
	var feeds []iter.Seq2[schema.ChangeRecord, error]
	if p.flow.PushesToCloud() {
		feeds = append(feeds,
			s.localTracker.ChangedEntities(ctx, name, since),
			s.localTracker.DeletedEntities(ctx, name, since))
	}
	if p.flow.PullsFromCloud() {
		feeds = append(feeds,
			s.cloudTracker.ChangedEntities(ctx, name, since),
			s.cloudTracker.DeletedEntities(ctx, name, since))
	}
	return feeds
}

// cursor returns the incremental since for an entity type: the later of its
// last sync time and its creation floor. Records are stamped with the start
// of the session that synced them, so the cursor never passes a write made
// while that session ran. Full sessions have no cursor.
func (s *Service) cursor(ctx context.Context, sess *session, cfg schema.SyncConfiguration) (*time.Time, error) {
	if sess.req.syncType == schema.SyncTypeFull {
		return nil, nil
	}
	since, err := s.state.LastSyncedAt(ctx, cfg.EntityName)
	if err != nil {
		return nil, err
	}
	if cfg.SinceFloor != nil && (since == nil || cfg.SinceFloor.After(*since)) {
		floor := *cfg.SinceFloor
		since = &floor
	}
	return since, nil
}

// runBatch processes ids on the worker pool and waits for all of them.
func (s *Service) runBatch(ctx context.Context, sess *session, p *entityRun, ids []string) {
	var g errgroup.Group
	g.SetLimit(s.config.Workers)

	for _, id := range ids {
		if sess.stopped(ctx) {
			break
		}
		if !s.conn.IsCloudAvailable() {
			err := fmt.Errorf("cloud became unavailable during the session")
			sess.halt(&CategorizedError{Err: err, Category: CategoryConnectivity, EntityName: p.cfg.EntityName, Message: err.Error()})
			break
		}
		g.Go(func() error {
			s.syncRecord(ctx, sess, p, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) finish(ctx context.Context, sess *session) (*SyncResult, error) {
	defer s.running.Store(false)

	completedAt := s.config.Clock.Now()
	if ctx.Err() != nil && sess.fatal == nil {
		sess.addError(&CategorizedError{Err: ctx.Err(), Category: CategoryCancelled, Message: "session cancelled"})
	}

	res := &SyncResult{
		SessionID:         sess.id,
		SyncType:          sess.req.syncType,
		Direction:         sess.req.flow,
		StartedAt:         sess.startedAt,
		CompletedAt:       completedAt,
		EntitiesSynced:    int(sess.synced.Load()),
		EntitiesFailed:    int(sess.failed.Load()),
		ConflictsDetected: int(sess.detected.Load()),
		ConflictsResolved: int(sess.resolved.Load()),
		EntityCounts:      make(map[string]EntityCount, len(sess.counts)),
	}
	sess.mu.Lock()
	res.Errors = append(res.Errors, sess.errors...)
	for name, c := range sess.counts {
		res.EntityCounts[name] = *c
	}
	sess.mu.Unlock()

	unresolved := int(sess.unresolved.Load())
	progress := res.EntitiesSynced > 0 || res.ConflictsResolved > 0 || sess.finished.Load() > 0
	troubled := res.EntitiesFailed > 0 || unresolved > 0 || len(res.Errors) > 0

	switch {
	case sess.fatal != nil:
		res.Status = schema.LogFailed
		res.Errors = append([]*CategorizedError{sess.fatal}, res.Errors...)
		res.ErrorMessage = sess.fatal.Error()
	case !troubled:
		res.Status = schema.LogCompleted
	case progress:
		res.Status = schema.LogPartialSuccess
	default:
		res.Status = schema.LogFailed
	}
	if res.ErrorMessage == "" && troubled {
		res.ErrorMessage = summarize(res, unresolved)
	}
	res.Success = res.Status == schema.LogCompleted

	details, _ := json.Marshal(res.EntityCounts)
	l := &schema.SyncLog{
		SessionID:         res.SessionID,
		StartedAt:         res.StartedAt,
		CompletedAt:       &completedAt,
		SyncType:          res.SyncType,
		Direction:         res.Direction,
		Status:            res.Status,
		EntitiesSynced:    res.EntitiesSynced,
		EntitiesFailed:    res.EntitiesFailed,
		ConflictsDetected: res.ConflictsDetected,
		ConflictsResolved: res.ConflictsResolved,
		ErrorMessage:      res.ErrorMessage,
		Details:           string(details),
		DeviceID:          s.config.DeviceID,
		InitiatedBy:       sess.req.initiatedBy,
	}
	finishErr := s.state.FinishLog(context.WithoutCancel(ctx), l)

	s.config.Logger.Printf("Session %s finished %s: %d synced, %d failed, %d conflicts (%d resolved) in %v",
		res.SessionID, res.Status, res.EntitiesSynced, res.EntitiesFailed,
		res.ConflictsDetected, res.ConflictsResolved, res.Duration())
	s.config.Observer.SessionFinished(res)

	if finishErr != nil {
		return res, fmt.Errorf("failed to finalize sync session %s: %w", res.SessionID, finishErr)
	}
	return res, nil
}

func summarize(res *SyncResult, unresolved int) string {
	var parts []string
	if res.EntitiesFailed > 0 {
		parts = append(parts, fmt.Sprintf("%d records failed", res.EntitiesFailed))
	}
	if unresolved > 0 {
		parts = append(parts, fmt.Sprintf("%d conflicts need manual resolution", unresolved))
	}
	for _, ce := range res.Errors {
		if ce.EntityID == "" {
			parts = append(parts, ce.Error())
		}
	}
	return strings.Join(parts, "; ")
}
