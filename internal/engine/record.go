package engine

import (
	"context"
	"fmt"

	"github.com/Mschirtzinger/offsync/internal/conflict"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store"
	"github.com/Mschirtzinger/offsync/internal/syncstate"
)

type action int

const (
	actionSkip action = iota
	actionConverged
	actionPush
	actionPull
	actionConflict
)

func (a action) String() string {
	switch a {
	case actionConverged:
		return "converged"
	case actionPush:
		return "push"
	case actionPull:
		return "pull"
	case actionConflict:
		return "conflict"
	}
	return "skip"
}

// decide compares both versions of a record with its metadata. Content
// hashes decide what changed; timestamps only matter for metadata written
// without a hash.
func decide(local, cloud *schema.ChangeRecord, meta *schema.SyncMetadata) action {
	switch {
	case local == nil && cloud == nil:
		return actionSkip
	case cloud == nil:
		return actionPush
	case local == nil:
		return actionPull
	case local.DataHash == cloud.DataHash:
		if meta != nil && meta.Status == schema.StatusCompleted && meta.DataHash == local.DataHash {
			return actionSkip
		}
		return actionConverged
	}

	lv := &conflict.Version{Record: local.Entity, Hash: local.DataHash}
	cv := &conflict.Version{Record: cloud.Entity, Hash: cloud.DataHash}
	if conflict.HasConflict(lv, cv, meta) {
		return actionConflict
	}

	// Exactly one side moved away from the last synced state.
	if meta.DataHash != "" {
		if local.DataHash == meta.DataHash {
			return actionPull
		}
		return actionPush
	}
	if meta.LastSyncedAt != nil && local.Entity.ModifiedAt().After(*meta.LastSyncedAt) {
		return actionPush
	}
	return actionPull
}

// syncRecord brings one record in line. Every outcome is recorded in its
// metadata row; nothing is returned.
func (s *Service) syncRecord(ctx context.Context, sess *session, p *entityRun, id string) {
	name := p.cfg.EntityName

	meta, err := s.state.Get(ctx, name, id)
	if err != nil {
		ce := newRecordError(name, id, err)
		sess.failed.Add(1)
		sess.addError(ce)
		sess.count(name, func(c *EntityCount) { c.Failed++ })
		return
	}
	if meta != nil {
		switch {
		case meta.Status == schema.StatusConflict:
			return
		case meta.Status == schema.StatusFailed && !meta.RetryDue(s.config.Clock.Now(), p.cfg.MaxRetries):
			return
		}
	}

	local, cloud, err := s.lookup(ctx, p, id)
	if err != nil {
		if meta == nil {
			meta = newMetadata(name, id)
		}
		s.fail(ctx, sess, p, meta, err)
		return
	}

	switch decide(local, cloud, meta) {
	case actionSkip:
	case actionConverged:
		s.converge(ctx, sess, p, meta, local)
	case actionPush:
		if p.flow.PushesToCloud() && (p.cfg.SyncDeleted || !local.Entity.Deleted) {
			s.apply(ctx, sess, p, meta, local, cloud, schema.DirectionLocalToCloud)
		}
	case actionPull:
		if p.flow.PullsFromCloud() && (p.cfg.SyncDeleted || !cloud.Entity.Deleted) {
			s.apply(ctx, sess, p, meta, cloud, local, schema.DirectionCloudToLocal)
		}
	case actionConflict:
		if !p.cfg.SyncDeleted && (local.Entity.Deleted || cloud.Entity.Deleted) {
			// A deletion that does not propagate leaves the record
			// diverged; neither side overwrites the other.
			return
		}
		s.detect(ctx, sess, p, meta, local, cloud)
	}
}

// lookup reads the current version of a record from both stores. A missing
// version is nil.
func (s *Service) lookup(ctx context.Context, p *entityRun, id string) (local, cloud *schema.ChangeRecord, err error) {
	local, err = s.localTracker.Lookup(ctx, p.cfg.EntityName, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read local version: %w", err)
	}
	cloud, err = s.cloudTracker.Lookup(ctx, p.cfg.EntityName, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cloud version: %w", err)
	}
	return local, cloud, nil
}

func newMetadata(entityName, entityID string) *schema.SyncMetadata {
	return &schema.SyncMetadata{EntityName: entityName, EntityID: entityID, Status: schema.StatusPending}
}

// apply writes src over the other side and records the sync. existing is
// the target's current version, or nil. It reports whether the write
// succeeded.
func (s *Service) apply(ctx context.Context, sess *session, p *entityRun, meta *schema.SyncMetadata, src, existing *schema.ChangeRecord, dir schema.Direction) bool {
	name := p.cfg.EntityName
	if meta == nil {
		meta = newMetadata(name, src.EntityID)
		meta.IsLocalOnly = dir == schema.DirectionLocalToCloud && existing == nil
	}

	if err := syncstate.Claim(meta); err != nil {
		s.fail(ctx, sess, p, meta, err)
		return false
	}
	if err := s.state.Save(ctx, meta); err != nil {
		s.fail(ctx, sess, p, meta, err)
		return false
	}

	target := s.cloud
	if dir == schema.DirectionCloudToLocal {
		target = s.local
	}
	if err := transfer(ctx, target, name, src, existing); err != nil {
		s.fail(ctx, sess, p, meta, err)
		return false
	}

	if err := s.complete(ctx, sess, meta, src.DataHash, dir); err != nil {
		// The data is on both sides; the next session sees matching
		// hashes and converges the metadata.
		s.config.Logger.Printf("Warning: %s/%s synced but metadata not saved: %v", name, src.EntityID, err)
		sess.addError(newRecordError(name, src.EntityID, err))
	}

	sess.synced.Add(1)
	sess.count(name, func(c *EntityCount) { c.Synced++ })
	s.config.Observer.RecordSynced(name, src.EntityID, dir)
	return true
}

// transfer writes src into target. Tombstones become soft deletes when the
// target still has a live version.
func transfer(ctx context.Context, target store.Store, entityName string, src, existing *schema.ChangeRecord) error {
	rec := src.Entity
	if rec.Deleted && existing != nil && !existing.Entity.Deleted {
		at := rec.ModifiedAt()
		if rec.DeletedAt != nil {
			at = *rec.DeletedAt
		}
		if err := target.SoftDelete(ctx, entityName, src.EntityID, at, rec.DeletedBy); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", target.Name(), err)
		}
		return nil
	}
	if err := target.Upsert(ctx, entityName, rec.Clone()); err != nil {
		return fmt.Errorf("failed to write to %s: %w", target.Name(), err)
	}
	return nil
}

// converge records that both sides already hold the same content.
func (s *Service) converge(ctx context.Context, sess *session, p *entityRun, meta *schema.SyncMetadata, local *schema.ChangeRecord) {
	if meta == nil {
		meta = newMetadata(p.cfg.EntityName, local.EntityID)
	}
	if err := syncstate.Claim(meta); err != nil {
		s.fail(ctx, sess, p, meta, err)
		return
	}
	dir := meta.SyncDirection
	if dir == "" {
		dir = schema.DirectionBidirectional
	}
	if err := s.complete(ctx, sess, meta, local.DataHash, dir); err != nil {
		s.fail(ctx, sess, p, meta, err)
	}
}

// detect handles a record changed on both sides.
func (s *Service) detect(ctx context.Context, sess *session, p *entityRun, meta *schema.SyncMetadata, local, cloud *schema.ChangeRecord) {
	name := p.cfg.EntityName
	strategy := p.cfg.ConflictResolution

	sess.detected.Add(1)
	sess.count(name, func(c *EntityCount) { c.Conflicts++ })

	if meta == nil {
		meta = newMetadata(name, local.EntityID)
	}
	if strategy.Automatic() {
		s.config.Observer.ConflictDetected(name, local.EntityID, strategy, true)
		s.settle(ctx, sess, p, meta, local, cloud, strategy)
		return
	}

	s.config.Observer.ConflictDetected(name, local.EntityID, strategy, false)
	if err := syncstate.Claim(meta); err != nil {
		s.fail(ctx, sess, p, meta, err)
		return
	}
	if err := syncstate.Advance(meta, syncstate.EventConflict); err != nil {
		s.fail(ctx, sess, p, meta, err)
		return
	}
	now := s.config.Clock.Now()
	meta.ConflictDetectedAt = &now
	meta.ConflictResolution = strategy
	if err := s.state.Save(context.WithoutCancel(ctx), meta); err != nil {
		s.config.Logger.Printf("Warning: failed to record conflict on %s/%s: %v", name, local.EntityID, err)
		sess.addError(newRecordError(name, local.EntityID, err))
		return
	}
	sess.unresolved.Add(1)
	s.config.Logger.Printf("Conflict on %s/%s left for manual resolution", name, local.EntityID)
}

// settle applies an automatic strategy to a conflicting record. The winner
// overwrites the loser whatever direction the session runs in, but never
// against the entity's configured direction: a one-way entity keeps the
// version of its source side. When only one version exists it wins by
// default.
func (s *Service) settle(ctx context.Context, sess *session, p *entityRun, meta *schema.SyncMetadata, local, cloud *schema.ChangeRecord, strategy schema.ConflictStrategy) bool {
	name := p.cfg.EntityName

	var (
		winner  conflict.Side
		chosen  *schema.ChangeRecord
		message string
	)
	switch {
	case cloud == nil:
		winner, chosen = conflict.SideLocal, local
	case local == nil:
		winner, chosen = conflict.SideCloud, cloud
	default:
		res, err := conflict.Resolve(local.Entity, cloud.Entity, strategy)
		if err != nil {
			s.fail(ctx, sess, p, meta, err)
			return false
		}
		src := local
		if res.Winner == conflict.SideCloud {
			src = cloud
		}
		resolved := *src
		resolved.Entity = res.Entity
		winner, chosen, message = res.Winner, &resolved, res.Message
	}

	if !p.cfg.Direction.Allows(writeDirection(winner)) {
		if sess.req.syncType == schema.SyncTypeManual {
			s.refuse(sess, name, meta.EntityID, fmt.Errorf("%s would win but %s is synced %s only", winner, name, p.cfg.Direction))
			return false
		}
		winner = winner.Other()
		chosen = local
		if winner == conflict.SideCloud {
			chosen = cloud
		}
		if chosen == nil {
			s.refuse(sess, name, meta.EntityID, fmt.Errorf("no %s version to keep for a %s entity", winner, p.cfg.Direction))
			return false
		}
		message = fmt.Sprintf("%s version kept, %s is synced %s only", winner, name, p.cfg.Direction)
	}
	if chosen.Entity.Deleted && !p.cfg.SyncDeleted {
		s.refuse(sess, name, meta.EntityID, fmt.Errorf("%s version is a deletion and sync_deleted is off", winner))
		return false
	}
	if message != "" {
		s.config.Logger.Printf("Conflict on %s/%s: %s", name, meta.EntityID, message)
	}

	now := s.config.Clock.Now()
	meta.ConflictResolution = strategy
	if meta.ConflictDetectedAt == nil {
		meta.ConflictDetectedAt = &now
	}

	var ok bool
	if winner == conflict.SideLocal {
		ok = s.apply(ctx, sess, p, meta, chosen, cloud, schema.DirectionLocalToCloud)
	} else {
		ok = s.apply(ctx, sess, p, meta, chosen, local, schema.DirectionCloudToLocal)
	}
	if ok {
		sess.resolved.Add(1)
	}
	return ok
}

// writeDirection is the flow that makes side's version the synced one.
func writeDirection(side conflict.Side) schema.Direction {
	if side == conflict.SideLocal {
		return schema.DirectionLocalToCloud
	}
	return schema.DirectionCloudToLocal
}

// refuse leaves a conflict as it is because settling it would break the
// entity's configuration.
func (s *Service) refuse(sess *session, entityName, entityID string, err error) {
	s.config.Logger.Printf("Conflict on %s/%s left unresolved: %v", entityName, entityID, err)
	sess.addError(&CategorizedError{Err: err, Category: CategoryConfiguration, EntityName: entityName, EntityID: entityID, Message: err.Error()})
}

// complete moves a claimed row to completed with the synced hash. The sync
// time is the session start: anything written while the session ran is at
// or after it and stays inside the next incremental cursor.
func (s *Service) complete(ctx context.Context, sess *session, meta *schema.SyncMetadata, hash string, dir schema.Direction) error {
	if err := syncstate.Advance(meta, syncstate.EventComplete); err != nil {
		return err
	}
	at := sess.startedAt
	meta.LastSyncedAt = &at
	meta.DataHash = hash
	meta.SyncDirection = dir
	meta.ErrorMessage = ""
	meta.RetryCount = 0
	meta.NextRetryAt = nil
	meta.IsLocalOnly = false
	return s.state.Save(context.WithoutCancel(ctx), meta)
}

// fail records a failed attempt on meta and schedules the next one. A record
// interrupted by cancellation is released to pending instead, without
// spending a retry.
func (s *Service) fail(ctx context.Context, sess *session, p *entityRun, meta *schema.SyncMetadata, err error) {
	name := p.cfg.EntityName
	ce := newRecordError(name, meta.EntityID, err)
	ce.Category = categorizeIn(ctx, err)

	if meta.Status != schema.StatusInProgress {
		if claimErr := syncstate.Claim(meta); claimErr != nil {
			s.config.Logger.Printf("Warning: %v", claimErr)
		}
	}

	if ce.Category == CategoryCancelled {
		if advErr := syncstate.Advance(meta, syncstate.EventReset); advErr != nil {
			s.config.Logger.Printf("Warning: %v", advErr)
		}
	} else {
		delay := p.cfg.RetryDelay(meta.RetryCount)
		if advErr := syncstate.Advance(meta, syncstate.EventFail); advErr != nil {
			s.config.Logger.Printf("Warning: %v", advErr)
		}
		next := s.config.Clock.Now().Add(delay)
		meta.RetryCount++
		meta.NextRetryAt = &next
		meta.ErrorMessage = err.Error()

		sess.failed.Add(1)
		sess.addError(ce)
		sess.count(name, func(c *EntityCount) { c.Failed++ })
		s.config.Observer.RecordFailed(name, meta.EntityID, ce)
		s.config.Logger.Printf("Failed to sync %s/%s (attempt %d, next in %v): %v", name, meta.EntityID, meta.RetryCount, delay, err)

		if ce.Category == CategoryConnectivity {
			sess.halt(nil)
		}
	}

	if saveErr := s.state.Save(context.WithoutCancel(ctx), meta); saveErr != nil {
		s.config.Logger.Printf("Warning: failed to save metadata for %s/%s: %v", name, meta.EntityID, saveErr)
	}
}
