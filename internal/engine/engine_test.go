package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store"
	"github.com/Mschirtzinger/offsync/internal/store/memstore"
	"github.com/Mschirtzinger/offsync/internal/store/sqlstore"
	"github.com/Mschirtzinger/offsync/internal/store/storetest"
	"github.com/Mschirtzinger/offsync/internal/syncstate"
)

var base = time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingObserver struct {
	NopObserver

	mu        sync.Mutex
	synced    []string
	failed    []string
	conflicts []string
	finished  []*SyncResult

	// onSynced runs on the worker after each synced record.
	onSynced func(entityID string)
}

func (o *recordingObserver) RecordSynced(entityName, entityID string, direction schema.Direction) {
	o.mu.Lock()
	o.synced = append(o.synced, entityName+"/"+entityID)
	hook := o.onSynced
	o.mu.Unlock()
	if hook != nil {
		hook(entityID)
	}
}

func (o *recordingObserver) RecordFailed(entityName, entityID string, err error) {
	o.mu.Lock()
	o.failed = append(o.failed, entityName+"/"+entityID)
	o.mu.Unlock()
}

func (o *recordingObserver) ConflictDetected(entityName, entityID string, strategy schema.ConflictStrategy, automatic bool) {
	o.mu.Lock()
	o.conflicts = append(o.conflicts, entityName+"/"+entityID)
	o.mu.Unlock()
}

func (o *recordingObserver) SessionFinished(result *SyncResult) {
	o.mu.Lock()
	o.finished = append(o.finished, result)
	o.mu.Unlock()
}

type harness struct {
	local    store.Store
	cloud    store.Store
	memLocal *memstore.Store
	memCloud *memstore.Store
	state    *syncstate.Store
	conn     *connection.Manager
	svc      *Service
	clock    *testClock
	obs      *recordingObserver
}

type harnessOptions struct {
	configs  []schema.SyncConfiguration
	adapters []string
	workers  int
	local    store.Store
	cloud    store.Store
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		clock: &testClock{now: base.Add(time.Hour)},
		obs:   &recordingObserver{},
		local: opts.local,
		cloud: opts.cloud,
	}
	if h.local == nil {
		h.memLocal = memstore.New("local")
		h.local = h.memLocal
	}
	if h.cloud == nil {
		h.memCloud = memstore.New("cloud")
		h.cloud = h.memCloud
	}

	stateDB, err := sqlstore.OpenLocal(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenLocal() failed: %v", err)
	}
	t.Cleanup(func() { _ = stateDB.Close() })
	h.state, err = syncstate.New(ctx, stateDB.DB(), h.clock.Now)
	if err != nil {
		t.Fatalf("syncstate.New() failed: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	h.conn, err = connection.New(h.local, h.cloud, &connection.Config{
		Mode:         connection.ModeHybrid,
		ProbeTimeout: time.Second,
		CacheTTL:     time.Minute,
		Logger:       quiet,
	})
	if err != nil {
		t.Fatalf("connection.New() failed: %v", err)
	}
	t.Cleanup(h.conn.Stop)

	registry := entity.NewRegistry()
	adapters := opts.adapters
	if adapters == nil {
		adapters = []string{"product"}
	}
	for _, name := range adapters {
		registry.MustRegister(entity.Adapter{Name: name, VolatileFields: []string{"view_count"}})
	}

	configs := opts.configs
	if configs == nil {
		configs = []schema.SyncConfiguration{schema.DefaultSyncConfiguration("product")}
	}
	workers := opts.workers
	if workers == 0 {
		workers = 4
	}

	h.svc, err = New(h.local, h.cloud, h.conn, h.state, registry, configs, &Config{
		DeviceID: "test-device",
		Workers:  workers,
		Clock:    h.clock,
		Observer: h.obs,
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return h
}

func productConfig(mutate func(*schema.SyncConfiguration)) []schema.SyncConfiguration {
	cfg := schema.DefaultSyncConfiguration("product")
	if mutate != nil {
		mutate(&cfg)
	}
	return []schema.SyncConfiguration{cfg}
}

func put(t *testing.T, s store.Store, name string, rec *entity.Record) {
	t.Helper()
	ctx := context.Background()
	if err := s.EnsureEntity(ctx, name); err != nil {
		t.Fatalf("EnsureEntity() failed: %v", err)
	}
	if err := s.Upsert(ctx, name, rec); err != nil {
		t.Fatalf("Upsert(%s) failed: %v", rec.ID, err)
	}
}

func get(t *testing.T, s store.Store, name, id string) *entity.Record {
	t.Helper()
	rec, err := s.Get(context.Background(), name, id)
	if err != nil {
		t.Fatalf("Get(%s/%s) from %s failed: %v", name, id, s.Name(), err)
	}
	return rec
}

func (h *harness) meta(t *testing.T, id string) *schema.SyncMetadata {
	t.Helper()
	m, err := h.state.Get(context.Background(), "product", id)
	if err != nil {
		t.Fatalf("state.Get() failed: %v", err)
	}
	if m == nil {
		t.Fatalf("no metadata for product/%s", id)
	}
	return m
}

func mustSync(t *testing.T, op func(context.Context, ...Option) (*SyncResult, error)) *SyncResult {
	t.Helper()
	res, err := op(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("result has no session id")
	}
	return res
}

func product(id string, offset time.Duration, name string) *entity.Record {
	return storetest.Record(id, offset, map[string]any{"name": name, "price": 10})
}

func TestSyncAll_IdempotentAndConvergent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	put(t, h.local, "product", product("1", 0, "local one"))
	put(t, h.local, "product", product("2", 0, "local two"))
	put(t, h.cloud, "product", product("3", 0, "cloud three"))

	first := mustSync(t, h.svc.SyncAll)
	if !first.Success || first.Status != schema.LogCompleted {
		t.Fatalf("first SyncAll() = %s (%s), want completed", first.Status, first.ErrorMessage)
	}
	if first.EntitiesSynced != 3 || first.ConflictsDetected != 0 {
		t.Errorf("first SyncAll() synced %d, conflicts %d; want 3, 0", first.EntitiesSynced, first.ConflictsDetected)
	}
	if got := first.EntityCounts["product"].Synced; got != 3 {
		t.Errorf("EntityCounts[product].Synced = %d, want 3", got)
	}

	for _, id := range []string{"1", "2", "3"} {
		m := h.meta(t, id)
		if m.Status != schema.StatusCompleted {
			t.Errorf("product/%s status = %s, want completed", id, m.Status)
		}
		lh, _ := h.svc.localTracker.ComputeEntityHash("product", get(t, h.local, "product", id))
		ch, _ := h.svc.cloudTracker.ComputeEntityHash("product", get(t, h.cloud, "product", id))
		if lh != ch || lh != m.DataHash {
			t.Errorf("product/%s hashes local=%s cloud=%s meta=%s, want equal", id, lh, ch, m.DataHash)
		}
	}
	if m := h.meta(t, "1"); m.IsLocalOnly || m.SyncDirection != schema.DirectionLocalToCloud {
		t.Errorf("pushed record metadata = %+v", m)
	}
	if m := h.meta(t, "3"); m.SyncDirection != schema.DirectionCloudToLocal {
		t.Errorf("pulled record direction = %s, want cloud_to_local", m.SyncDirection)
	}

	second := mustSync(t, h.svc.SyncAll)
	if second.EntitiesSynced != 0 || second.ConflictsDetected != 0 {
		t.Errorf("second SyncAll() synced %d, conflicts %d; want 0, 0", second.EntitiesSynced, second.ConflictsDetected)
	}
	if !second.Success {
		t.Errorf("second SyncAll() = %s, want completed", second.Status)
	}
	if first.SessionID == second.SessionID {
		t.Error("session ids must not be reused")
	}
}

func TestSync_VolatileFieldChangeIsNotSynced(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	put(t, h.local, "product", product("1", 0, "widget"))
	mustSync(t, h.svc.SyncAll)

	touched := storetest.Record("1", 2*time.Hour, map[string]any{"name": "widget", "price": 10, "view_count": 99})
	put(t, h.local, "product", touched)
	h.clock.Advance(2 * time.Hour)

	res := mustSync(t, h.svc.SyncIncremental)
	if res.EntitiesSynced != 0 {
		t.Errorf("SyncIncremental() synced %d after a volatile-only change, want 0", res.EntitiesSynced)
	}
}

func TestSyncIncremental_OneDirectionalPull(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	put(t, h.local, "product", product("42", 0, "original"))
	mustSync(t, h.svc.SyncAll)
	t0 := *h.meta(t, "42").LastSyncedAt

	put(t, h.cloud, "product", product("42", 2*time.Hour, "renamed in cloud"))
	h.clock.Advance(2 * time.Hour)

	res := mustSync(t, h.svc.SyncIncremental)
	if res.EntitiesSynced != 1 || res.ConflictsDetected != 0 {
		t.Fatalf("SyncIncremental() synced %d, conflicts %d; want 1, 0", res.EntitiesSynced, res.ConflictsDetected)
	}
	if got := get(t, h.local, "product", "42").Fields["name"]; got != "renamed in cloud" {
		t.Errorf("local name = %v, want the cloud version", got)
	}
	m := h.meta(t, "42")
	if m.Status != schema.StatusCompleted || !m.LastSyncedAt.After(t0) {
		t.Errorf("metadata after pull = %+v", m)
	}
}

func TestConflict_LastWriteWins(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	put(t, h.local, "product", product("42", 0, "original"))
	mustSync(t, h.svc.SyncAll)

	put(t, h.local, "product", product("42", 2*time.Hour, "local edit"))
	put(t, h.cloud, "product", product("42", 3*time.Hour, "cloud edit"))
	h.clock.Advance(3 * time.Hour)

	res := mustSync(t, h.svc.SyncIncremental)
	if res.ConflictsDetected != 1 || res.ConflictsResolved != 1 {
		t.Fatalf("conflicts detected %d resolved %d, want 1 and 1", res.ConflictsDetected, res.ConflictsResolved)
	}
	if !res.Success {
		t.Errorf("an automatically resolved conflict should not fail the session: %s", res.ErrorMessage)
	}
	if got := get(t, h.local, "product", "42").Fields["name"]; got != "cloud edit" {
		t.Errorf("local name = %v, want the later cloud edit", got)
	}
	m := h.meta(t, "42")
	if m.Status != schema.StatusCompleted || m.ConflictResolution != schema.StrategyLastWriteWins {
		t.Errorf("metadata = %+v", m)
	}
	if len(h.obs.conflicts) != 1 {
		t.Errorf("observer saw %d conflicts, want 1", len(h.obs.conflicts))
	}
}

func TestConflict_ManualThenResolve(t *testing.T) {
	h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
		c.ConflictResolution = schema.StrategyManual
	})})
	ctx := context.Background()

	put(t, h.local, "product", product("42", 0, "original"))
	mustSync(t, h.svc.SyncAll)

	put(t, h.local, "product", product("42", 2*time.Hour, "local edit"))
	put(t, h.cloud, "product", product("42", 3*time.Hour, "cloud edit"))
	h.clock.Advance(3 * time.Hour)

	res := mustSync(t, h.svc.SyncIncremental)
	if res.ConflictsDetected != 1 || res.ConflictsResolved != 0 {
		t.Fatalf("conflicts detected %d resolved %d, want 1 and 0", res.ConflictsDetected, res.ConflictsResolved)
	}
	if res.Success || res.Status != schema.LogPartialSuccess {
		t.Errorf("session with an unresolved conflict = %s, want partial_success", res.Status)
	}
	m := h.meta(t, "42")
	if m.Status != schema.StatusConflict || m.ConflictDetectedAt == nil {
		t.Fatalf("metadata = %+v, want conflict", m)
	}
	if got := get(t, h.local, "product", "42").Fields["name"]; got != "local edit" {
		t.Errorf("manual conflict must not touch the local side, got %v", got)
	}
	if got := get(t, h.cloud, "product", "42").Fields["name"]; got != "cloud edit" {
		t.Errorf("manual conflict must not touch the cloud side, got %v", got)
	}

	again := mustSync(t, h.svc.SyncAll)
	if again.ConflictsDetected != 0 || again.EntitiesSynced != 0 {
		t.Errorf("conflicted record should be excluded from auto-sync, got %+v", again)
	}

	conflicts, err := h.svc.Conflicts(ctx, "")
	if err != nil {
		t.Fatalf("Conflicts() failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("Conflicts() = %d rows, want 1", len(conflicts))
	}

	if _, err := h.svc.ResolveConflict(ctx, m.ID, schema.StrategyManual); err == nil {
		t.Error("ResolveConflict() with manual strategy should fail")
	}

	resolved, err := h.svc.ResolveConflict(ctx, m.ID, schema.StrategyKeepLocal, InitiatedBy("operator"))
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if !resolved.Success || resolved.ConflictsResolved != 1 || resolved.SyncType != schema.SyncTypeManual {
		t.Errorf("ResolveConflict() = %+v", resolved)
	}
	if got := get(t, h.cloud, "product", "42").Fields["name"]; got != "local edit" {
		t.Errorf("cloud name = %v, want the kept local edit", got)
	}
	m = h.meta(t, "42")
	if m.Status != schema.StatusCompleted || m.ConflictResolution != schema.StrategyKeepLocal {
		t.Errorf("metadata after resolve = %+v", m)
	}

	logs, err := h.svc.Logs(ctx, 1, nil)
	if err != nil {
		t.Fatalf("Logs() failed: %v", err)
	}
	if len(logs) != 1 || logs[0].SyncType != schema.SyncTypeManual || logs[0].InitiatedBy != "operator" {
		t.Errorf("latest log = %+v, want the manual session", logs)
	}

	if _, err := h.svc.ResolveConflict(ctx, m.ID, schema.StrategyKeepLocal); err == nil {
		t.Error("ResolveConflict() on a completed record should fail")
	}
}

func TestPullFromCloud_CloudUnreachable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	put(t, h.local, "product", product("42", 0, "original"))
	mustSync(t, h.svc.SyncAll)
	before := h.meta(t, "42")

	put(t, h.cloud, "product", product("42", 2*time.Hour, "cloud edit"))
	h.memCloud.SetOffline(true)
	h.clock.Advance(time.Hour)

	res, err := h.svc.PullFromCloud(ctx)
	if err != nil {
		t.Fatalf("PullFromCloud() failed: %v", err)
	}
	if res.Success || res.Status != schema.LogFailed {
		t.Errorf("PullFromCloud() = %s, want failed", res.Status)
	}
	if len(res.Errors) == 0 || res.Errors[0].Category != CategoryConnectivity {
		t.Errorf("errors = %+v, want a connectivity error first", res.Errors)
	}

	after := h.meta(t, "42")
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status || after.DataHash != before.DataHash {
		t.Errorf("metadata changed while the cloud was unreachable: before %+v after %+v", before, after)
	}

	logs, _ := h.svc.Logs(ctx, 1, nil)
	if len(logs) != 1 || logs[0].Status != schema.LogFailed {
		t.Errorf("sync log = %+v, want failed", logs)
	}
	if h.svc.IsOnline() {
		t.Error("IsOnline() should be false after a failed reachability check")
	}
}

func TestRetry_BackoffGrowthAndExhaustion(t *testing.T) {
	h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
		c.MaxRetries = 4
		c.RetryDelaySeconds = 5
		c.UseExponentialBackoff = true
	})})
	ctx := context.Background()

	h.memCloud.FailUpsert = func(entityName, id string) error {
		return fmt.Errorf("%w: unique constraint failed", store.ErrRejected)
	}
	put(t, h.local, "product", product("42", 0, "widget"))

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second}
	for i, delay := range want {
		res := mustSync(t, h.svc.SyncAll)
		if res.EntitiesFailed != 1 {
			t.Fatalf("attempt %d: EntitiesFailed = %d, want 1", i+1, res.EntitiesFailed)
		}
		if res.Success || res.Errors[0].Category != CategoryWriteRejected {
			t.Errorf("attempt %d: result %+v", i+1, res)
		}

		m := h.meta(t, "42")
		if m.Status != schema.StatusFailed {
			t.Fatalf("attempt %d: status = %s, want failed", i+1, m.Status)
		}
		if m.RetryCount != i+1 {
			t.Errorf("attempt %d: RetryCount = %d, want %d", i+1, m.RetryCount, i+1)
		}
		if got := m.NextRetryAt.Sub(h.clock.Now()); got != delay {
			t.Errorf("attempt %d: backoff = %v, want %v", i+1, got, delay)
		}
		if !m.IsLocalOnly {
			t.Errorf("attempt %d: a never-pushed record should stay local-only", i+1)
		}

		if i == 0 {
			// Not due yet: the record is skipped.
			early := mustSync(t, h.svc.SyncAll)
			if early.EntitiesFailed != 0 || h.meta(t, "42").RetryCount != 1 {
				t.Errorf("record retried before nextRetryAt")
			}
		}
		h.clock.Advance(delay)
	}

	exhausted := mustSync(t, h.svc.SyncAll)
	if exhausted.EntitiesFailed != 0 {
		t.Errorf("exhausted record was retried")
	}
	if m := h.meta(t, "42"); m.RetryCount != 4 || !m.Exhausted(4) {
		t.Errorf("metadata = %+v, want exhausted at 4 retries", m)
	}
	if n, _ := h.svc.PendingSyncCount(ctx); n != 1 {
		t.Errorf("PendingSyncCount() = %d, want 1", n)
	}

	h.memCloud.FailUpsert = nil
	requeued, err := h.svc.Requeue(ctx, h.meta(t, "42").ID)
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if requeued.Status != schema.StatusPending || requeued.RetryCount != 0 {
		t.Errorf("Requeue() = %+v", requeued)
	}

	res := mustSync(t, h.svc.SyncAll)
	if res.EntitiesSynced != 1 || !res.Success {
		t.Errorf("sync after requeue = %+v", res)
	}
	if m := h.meta(t, "42"); m.Status != schema.StatusCompleted || m.IsLocalOnly {
		t.Errorf("metadata after requeue = %+v", m)
	}
}

func TestRetry_FailedRecordOutlivesCursor(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	put(t, h.local, "product", product("1", 0, "ok"))
	mustSync(t, h.svc.SyncAll)

	var (
		mu     sync.Mutex
		reject = true
	)
	h.memCloud.FailUpsert = func(entityName, id string) error {
		mu.Lock()
		defer mu.Unlock()
		if reject && id == "2" {
			return fmt.Errorf("%w: stale reference", store.ErrRejected)
		}
		return nil
	}
	put(t, h.local, "product", product("2", 2*time.Hour, "new"))
	h.clock.Advance(2 * time.Hour)

	res := mustSync(t, h.svc.PushToCloud)
	if res.EntitiesFailed != 1 || res.Status != schema.LogPartialSuccess {
		t.Fatalf("PushToCloud() = %s with %d failed", res.Status, res.EntitiesFailed)
	}
	if h.meta(t, "2").Status == schema.StatusCompleted {
		t.Fatal("a failed push must never be marked completed")
	}

	// Record 3 syncs and moves the incremental cursor past record 2.
	put(t, h.local, "product", product("3", 3*time.Hour+30*time.Minute, "later"))
	h.clock.Advance(time.Hour)
	res = mustSync(t, h.svc.PushToCloud)
	if res.EntitiesSynced != 1 || res.EntitiesFailed != 1 {
		t.Fatalf("second PushToCloud() synced %d failed %d, want 1 and 1", res.EntitiesSynced, res.EntitiesFailed)
	}

	mu.Lock()
	reject = false
	mu.Unlock()
	h.clock.Advance(time.Hour)

	res = mustSync(t, h.svc.SyncIncremental)
	if res.EntitiesSynced != 1 || !res.Success {
		t.Errorf("SyncIncremental() = %+v, want the failed record retried", res)
	}
	if m := h.meta(t, "2"); m.Status != schema.StatusCompleted {
		t.Errorf("retried record status = %s", m.Status)
	}
	if get(t, h.cloud, "product", "2") == nil {
		t.Error("retried record missing from the cloud")
	}
}

func TestTombstones(t *testing.T) {
	t.Run("propagated", func(t *testing.T) {
		h := newHarness(t, harnessOptions{})
		put(t, h.local, "product", product("42", 0, "widget"))
		mustSync(t, h.svc.SyncAll)

		if err := h.local.SoftDelete(context.Background(), "product", "42", base.Add(2*time.Hour), "alice"); err != nil {
			t.Fatalf("SoftDelete() failed: %v", err)
		}
		h.clock.Advance(2 * time.Hour)

		res := mustSync(t, h.svc.SyncIncremental)
		if res.EntitiesSynced != 1 {
			t.Fatalf("SyncIncremental() synced %d, want 1", res.EntitiesSynced)
		}
		cloud := get(t, h.cloud, "product", "42")
		if !cloud.Deleted || cloud.DeletedBy != "alice" {
			t.Errorf("cloud record = %+v, want a tombstone by alice", cloud)
		}
		if again := mustSync(t, h.svc.SyncAll); again.EntitiesSynced != 0 {
			t.Errorf("tombstone resynced: %d", again.EntitiesSynced)
		}
	})

	t.Run("suppressed", func(t *testing.T) {
		h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
			c.SyncDeleted = false
		})})
		put(t, h.local, "product", product("42", 0, "widget"))
		mustSync(t, h.svc.SyncAll)

		if err := h.local.SoftDelete(context.Background(), "product", "42", base.Add(2*time.Hour), "alice"); err != nil {
			t.Fatalf("SoftDelete() failed: %v", err)
		}
		h.clock.Advance(2 * time.Hour)

		res := mustSync(t, h.svc.SyncAll)
		if res.EntitiesSynced != 0 {
			t.Errorf("SyncAll() synced %d with sync_deleted off, want 0", res.EntitiesSynced)
		}
		if get(t, h.cloud, "product", "42").Deleted {
			t.Error("tombstone reached the cloud with sync_deleted off")
		}
	})

	t.Run("suppressed against a concurrent edit", func(t *testing.T) {
		h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
			c.SyncDeleted = false
		})})
		put(t, h.local, "product", product("42", 0, "widget"))
		mustSync(t, h.svc.SyncAll)

		put(t, h.cloud, "product", product("42", 2*time.Hour, "cloud edit"))
		if err := h.local.SoftDelete(context.Background(), "product", "42", base.Add(3*time.Hour), "alice"); err != nil {
			t.Fatalf("SoftDelete() failed: %v", err)
		}
		h.clock.Advance(3 * time.Hour)

		res := mustSync(t, h.svc.SyncAll)
		if res.EntitiesSynced != 0 || res.ConflictsResolved != 0 {
			t.Errorf("SyncAll() synced %d resolved %d, want nothing written", res.EntitiesSynced, res.ConflictsResolved)
		}
		cloud := get(t, h.cloud, "product", "42")
		if cloud.Deleted || cloud.Fields["name"] != "cloud edit" {
			t.Errorf("cloud record = %+v, want the live cloud edit", cloud)
		}
		if !get(t, h.local, "product", "42").Deleted {
			t.Error("local deletion was overwritten")
		}
		if m := h.meta(t, "42"); m.Status != schema.StatusCompleted {
			t.Errorf("metadata status = %s, want it untouched", m.Status)
		}
	})
}

func TestDirection_RespectsEntityConfiguration(t *testing.T) {
	h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
		c.Direction = schema.DirectionLocalToCloud
	})})
	put(t, h.local, "product", product("1", 0, "mine"))
	put(t, h.cloud, "product", product("2", 0, "theirs"))

	res := mustSync(t, h.svc.SyncAll)
	if res.EntitiesSynced != 1 {
		t.Errorf("SyncAll() synced %d, want 1", res.EntitiesSynced)
	}
	if h.memLocal.Len("product") != 1 {
		t.Error("a push-only entity must not pull cloud records")
	}

	pull := mustSync(t, h.svc.PullFromCloud)
	if pull.EntitiesSynced != 0 {
		t.Errorf("PullFromCloud() synced %d for a push-only entity", pull.EntitiesSynced)
	}
}

func TestPriorityOrder(t *testing.T) {
	mk := func(name string, priority int) schema.SyncConfiguration {
		cfg := schema.DefaultSyncConfiguration(name)
		cfg.Priority = priority
		return cfg
	}
	h := newHarness(t, harnessOptions{
		adapters: []string{"order", "customer", "product"},
		configs:  []schema.SyncConfiguration{mk("product", 5), mk("order", 1), mk("customer", 5)},
		workers:  1,
	})
	for _, name := range []string{"product", "order", "customer"} {
		put(t, h.local, name, product("1", 0, name))
	}

	mustSync(t, h.svc.SyncAll)
	want := []string{"order/1", "customer/1", "product/1"}
	if fmt.Sprint(h.obs.synced) != fmt.Sprint(want) {
		t.Errorf("sync order = %v, want %v", h.obs.synced, want)
	}
}

func TestConfigurationErrorsAreIsolated(t *testing.T) {
	h := newHarness(t, harnessOptions{
		adapters: []string{"product"},
		configs: []schema.SyncConfiguration{
			schema.DefaultSyncConfiguration("product"),
			schema.DefaultSyncConfiguration("ghost"),
			func() schema.SyncConfiguration {
				c := schema.DefaultSyncConfiguration("broken")
				c.FilterExpression = "{status: "
				return c
			}(),
		},
	})
	put(t, h.local, "product", product("1", 0, "ok"))

	res := mustSync(t, h.svc.SyncAll)
	if res.EntitiesSynced != 1 {
		t.Errorf("healthy entity synced %d, want 1", res.EntitiesSynced)
	}
	if res.Status != schema.LogPartialSuccess {
		t.Errorf("status = %s, want partial_success", res.Status)
	}
	var configErrors int
	for _, ce := range res.Errors {
		if ce.Category == CategoryConfiguration {
			configErrors++
		}
	}
	if configErrors != 2 {
		t.Errorf("configuration errors = %d, want 2: %+v", configErrors, res.Errors)
	}
}

func TestSyncEntity(t *testing.T) {
	h := newHarness(t, harnessOptions{
		adapters: []string{"order", "product"},
		configs: []schema.SyncConfiguration{
			schema.DefaultSyncConfiguration("order"),
			schema.DefaultSyncConfiguration("product"),
		},
	})
	put(t, h.local, "order", product("1", 0, "order"))
	put(t, h.local, "product", product("1", 0, "product"))

	res, err := h.svc.SyncEntity(context.Background(), "product")
	if err != nil {
		t.Fatalf("SyncEntity() failed: %v", err)
	}
	if res.EntitiesSynced != 1 || res.EntityCounts["order"].Synced != 0 {
		t.Errorf("SyncEntity(product) = %+v", res)
	}

	unknown, err := h.svc.SyncEntity(context.Background(), "invoice")
	if err != nil {
		t.Fatalf("SyncEntity() failed: %v", err)
	}
	if unknown.Status != schema.LogFailed || !IsConfigurationError(unknown.Errors[0]) {
		t.Errorf("SyncEntity(unknown) = %s %+v, want failed with a configuration error", unknown.Status, unknown.Errors)
	}
}

func TestLocalModeRefusesSync(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	put(t, h.local, "product", product("1", 0, "x"))
	if err := h.conn.SetConnectionMode(connection.ModeLocal); err != nil {
		t.Fatalf("SetConnectionMode() failed: %v", err)
	}

	res := mustSync(t, h.svc.SyncAll)
	if res.Status != schema.LogFailed || res.EntitiesSynced != 0 {
		t.Errorf("SyncAll() in local mode = %+v", res)
	}
	if m, _ := h.state.Get(context.Background(), "product", "1"); m != nil {
		t.Error("local mode session touched metadata")
	}
	if h.svc.IsOnline() {
		t.Error("IsOnline() must be false in local mode")
	}
}

func TestConcurrentSessionsRejected(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	put(t, h.local, "product", product("1", 0, "x"))

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.memCloud.FailUpsert = func(entityName, id string) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	}

	done := make(chan *SyncResult)
	go func() {
		res, _ := h.svc.SyncAll(context.Background())
		done <- res
	}()

	<-entered
	if !h.svc.IsRunning() {
		t.Error("IsRunning() = false during a session")
	}
	if _, err := h.svc.SyncIncremental(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent SyncIncremental() error = %v, want ErrSyncInProgress", err)
	}
	if _, err := h.svc.Requeue(context.Background(), 1); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("concurrent Requeue() error = %v, want ErrSyncInProgress", err)
	}
	close(release)

	res := <-done
	if res == nil || !res.Success {
		t.Fatalf("first session = %+v", res)
	}
	if h.svc.IsRunning() {
		t.Error("IsRunning() = true after the session")
	}
}

func TestCancellation(t *testing.T) {
	h := newHarness(t, harnessOptions{
		configs: productConfig(func(c *schema.SyncConfiguration) { c.BatchSize = 1 }),
		workers: 1,
	})
	for i := 0; i < 10; i++ {
		put(t, h.local, "product", product(fmt.Sprintf("%02d", i), time.Duration(i)*time.Minute, "x"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	h.memCloud.FailUpsert = func(entityName, id string) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return nil
	}

	res, err := h.svc.SyncAll(ctx)
	if err != nil {
		t.Fatalf("SyncAll() failed: %v", err)
	}
	if res.EntitiesSynced != 2 {
		t.Errorf("synced %d before cancellation, want 2", res.EntitiesSynced)
	}
	if res.Status != schema.LogPartialSuccess || res.Success {
		t.Errorf("cancelled session = %s, want partial_success", res.Status)
	}
	if res.EntitiesFailed != 0 {
		t.Errorf("cancellation counted %d failures", res.EntitiesFailed)
	}

	interrupted := h.meta(t, "02")
	if interrupted.Status != schema.StatusPending || interrupted.RetryCount != 0 {
		t.Errorf("interrupted record = %+v, want pending without a spent retry", interrupted)
	}

	logs, _ := h.svc.Logs(context.Background(), 1, nil)
	if len(logs) != 1 || logs[0].Status != schema.LogPartialSuccess || logs[0].CompletedAt == nil {
		t.Errorf("sync log after cancellation = %+v", logs)
	}

	h.memCloud.FailUpsert = nil
	rest := mustSync(t, h.svc.SyncAll)
	if rest.EntitiesSynced != 8 {
		t.Errorf("follow-up SyncAll() synced %d, want 8", rest.EntitiesSynced)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	st, err := h.svc.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.LastSyncTime != nil || st.PendingCount != 0 || st.Running {
		t.Errorf("initial Status() = %+v", st)
	}

	put(t, h.local, "product", product("1", 0, "x"))
	mustSync(t, h.svc.SyncAll)

	st, _ = h.svc.Status(ctx)
	if st.LastSyncTime == nil || !st.LastSyncTime.Equal(h.clock.Now()) {
		t.Errorf("LastSyncTime = %v, want %v", st.LastSyncTime, h.clock.Now())
	}
	if !st.IsOnline || !st.IsCloudAvailable || st.Mode != connection.ModeHybrid {
		t.Errorf("Status() = %+v", st)
	}
	last, _ := h.svc.LastSyncTime(ctx)
	if last == nil {
		t.Error("LastSyncTime() = nil after a session")
	}
}

func TestSQLStores_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	local, err := sqlstore.OpenLocal(filepath.Join(dir, "local.db"))
	if err != nil {
		t.Fatalf("OpenLocal() failed: %v", err)
	}
	defer local.Close()
	cloud, err := sqlstore.OpenCloud(filepath.Join(dir, "cloud.db"), "")
	if err != nil {
		t.Fatalf("OpenCloud() failed: %v", err)
	}
	defer cloud.Close()

	h := newHarness(t, harnessOptions{local: local, cloud: cloud})
	put(t, local, "product", storetest.Record("1", 0, map[string]any{"name": "café", "price": 12.5, "stock": 3, "tags": []any{"a", "b"}}))
	put(t, cloud, "product", storetest.Record("2", time.Minute, map[string]any{"name": "remote", "stock": 7}))

	first := mustSync(t, h.svc.SyncAll)
	if first.EntitiesSynced != 2 || !first.Success {
		t.Fatalf("first SyncAll() = %+v", first)
	}
	second := mustSync(t, h.svc.SyncAll)
	if second.EntitiesSynced != 0 || second.ConflictsDetected != 0 {
		t.Errorf("second SyncAll() = %+v, want nothing to do", second)
	}
	if got := get(t, local, "product", "2").Fields["name"]; got != "remote" {
		t.Errorf("pulled name = %v", got)
	}
}

func TestDecide(t *testing.T) {
	synced := base
	rec := func(id string, offset time.Duration, hash string) *schema.ChangeRecord {
		r := storetest.Record(id, offset, map[string]any{})
		return &schema.ChangeRecord{EntityName: "product", EntityID: id, Entity: r, DataHash: hash}
	}
	meta := &schema.SyncMetadata{DataHash: "h0", LastSyncedAt: &synced, Status: schema.StatusCompleted}
	legacy := &schema.SyncMetadata{LastSyncedAt: &synced, Status: schema.StatusCompleted}

	tests := []struct {
		name  string
		local *schema.ChangeRecord
		cloud *schema.ChangeRecord
		meta  *schema.SyncMetadata
		want  action
	}{
		{"neither side", nil, nil, nil, actionSkip},
		{"local only", rec("1", 0, "h1"), nil, nil, actionPush},
		{"cloud only", nil, rec("1", 0, "h1"), nil, actionPull},
		{"equal without metadata", rec("1", 0, "h1"), rec("1", 0, "h1"), nil, actionConverged},
		{"different without metadata", rec("1", 0, "h1"), rec("1", 0, "h2"), nil, actionConflict},
		{"unchanged", rec("1", 0, "h0"), rec("1", 0, "h0"), meta, actionSkip},
		{"local moved", rec("1", time.Hour, "h1"), rec("1", 0, "h0"), meta, actionPush},
		{"cloud moved", rec("1", 0, "h0"), rec("1", time.Hour, "h2"), meta, actionPull},
		{"both moved", rec("1", time.Hour, "h1"), rec("1", time.Hour, "h2"), meta, actionConflict},
		{"both moved alike", rec("1", time.Hour, "h1"), rec("1", time.Hour, "h1"), meta, actionConverged},
		{"legacy local after sync", rec("1", time.Hour, "h1"), rec("1", -time.Hour, "h2"), legacy, actionPush},
		{"legacy both after sync", rec("1", time.Hour, "h1"), rec("1", 2*time.Hour, "h2"), legacy, actionConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decide(tt.local, tt.cloud, tt.meta); got != tt.want {
				t.Errorf("decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		err  error
		want Category
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", store.ErrUnavailable), CategoryConnectivity},
		{fmt.Errorf("wrap: %w", store.ErrRejected), CategoryWriteRejected},
		{context.Canceled, CategoryCancelled},
		{fmt.Errorf("write: %w", context.DeadlineExceeded), CategoryConnectivity},
		{&CategorizedError{Err: errors.New("x"), Category: CategoryConfiguration}, CategoryConfiguration},
		{errors.New("boom"), CategoryInternal},
	}
	for _, tt := range tests {
		if got := Categorize(tt.err); got != tt.want {
			t.Errorf("Categorize(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}

	ce := newRecordError("product", "42", fmt.Errorf("write: %w", store.ErrRejected))
	if ce.Error() != "product/42: write: write rejected" {
		t.Errorf("Error() = %q", ce.Error())
	}
	if !errors.Is(ce, store.ErrRejected) {
		t.Error("CategorizedError should unwrap to its cause")
	}
}

func TestCategorizeIn(t *testing.T) {
	live := context.Background()
	ended, cancel := context.WithCancel(context.Background())
	cancel()

	timeout := fmt.Errorf("write timed out: %w", context.DeadlineExceeded)
	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want Category
	}{
		{"store timeout", live, timeout, CategoryConnectivity},
		{"session cancelled", ended, timeout, CategoryCancelled},
		{"stray cancellation", live, context.Canceled, CategoryInternal},
		{"rejection", live, fmt.Errorf("x: %w", store.ErrRejected), CategoryWriteRejected},
		{"rejection after cancel", ended, fmt.Errorf("x: %w", store.ErrRejected), CategoryCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := categorizeIn(tt.ctx, tt.err); got != tt.want {
				t.Errorf("categorizeIn() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStoreTimeoutCountsAsFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.memCloud.FailUpsert = func(entityName, id string) error {
		return fmt.Errorf("write timed out: %w", context.DeadlineExceeded)
	}
	put(t, h.local, "product", product("1", 0, "widget"))

	res := mustSync(t, h.svc.SyncAll)
	if res.Success || res.Status != schema.LogFailed {
		t.Errorf("SyncAll() = %s, want failed", res.Status)
	}
	if res.EntitiesFailed != 1 || len(res.Errors) == 0 {
		t.Fatalf("SyncAll() failed %d with errors %v, want 1 failure", res.EntitiesFailed, res.Errors)
	}
	if res.Errors[0].Category != CategoryConnectivity {
		t.Errorf("error category = %s, want connectivity", res.Errors[0].Category)
	}

	m := h.meta(t, "1")
	if m.Status != schema.StatusFailed || m.RetryCount != 1 || m.NextRetryAt == nil {
		t.Errorf("metadata = %+v, want failed with one spent retry", m)
	}
	if _, err := h.cloud.Get(context.Background(), "product", "1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cloud Get() error = %v, want ErrNotFound", err)
	}
}

func TestConflict_Strategies(t *testing.T) {
	tests := []struct {
		strategy schema.ConflictStrategy
		localAt  time.Duration
		cloudAt  time.Duration
		want     string
		wantDir  schema.Direction
	}{
		{schema.StrategyLastWriteWins, 2 * time.Hour, 3 * time.Hour, "cloud edit", schema.DirectionCloudToLocal},
		{schema.StrategyLastWriteWins, 3 * time.Hour, 2 * time.Hour, "local edit", schema.DirectionLocalToCloud},
		{schema.StrategyLastWriteWins, 2 * time.Hour, 2 * time.Hour, "cloud edit", schema.DirectionCloudToLocal},
		{schema.StrategyFirstWriteWins, 2 * time.Hour, 3 * time.Hour, "local edit", schema.DirectionLocalToCloud},
		{schema.StrategyFirstWriteWins, 3 * time.Hour, 2 * time.Hour, "cloud edit", schema.DirectionCloudToLocal},
		{schema.StrategyKeepLocal, 2 * time.Hour, 3 * time.Hour, "local edit", schema.DirectionLocalToCloud},
		{schema.StrategyKeepCloud, 3 * time.Hour, 2 * time.Hour, "cloud edit", schema.DirectionCloudToLocal},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/local+%v/cloud+%v", tt.strategy, tt.localAt, tt.cloudAt), func(t *testing.T) {
			h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
				c.ConflictResolution = tt.strategy
			})})
			put(t, h.local, "product", product("42", 0, "original"))
			mustSync(t, h.svc.SyncAll)

			put(t, h.local, "product", product("42", tt.localAt, "local edit"))
			put(t, h.cloud, "product", product("42", tt.cloudAt, "cloud edit"))
			h.clock.Advance(3 * time.Hour)

			res := mustSync(t, h.svc.SyncIncremental)
			if res.ConflictsDetected != 1 || res.ConflictsResolved != 1 || res.EntitiesSynced != 1 {
				t.Fatalf("detected %d resolved %d synced %d, want 1, 1, 1",
					res.ConflictsDetected, res.ConflictsResolved, res.EntitiesSynced)
			}
			for _, st := range []store.Store{h.local, h.cloud} {
				if got := get(t, st, "product", "42").Fields["name"]; got != tt.want {
					t.Errorf("%s name = %v, want %q", st.Name(), got, tt.want)
				}
			}
			m := h.meta(t, "42")
			if m.SyncDirection != tt.wantDir {
				t.Errorf("written %s, want %s", m.SyncDirection, tt.wantDir)
			}
			if m.Status != schema.StatusCompleted || m.ConflictResolution != tt.strategy {
				t.Errorf("metadata = %+v", m)
			}
		})
	}
}

func TestConflict_RespectsEntityDirection(t *testing.T) {
	tests := []struct {
		name      string
		direction schema.Direction
		op        func(*harness) func(context.Context, ...Option) (*SyncResult, error)
		localAt   time.Duration
		cloudAt   time.Duration
		want      string
	}{
		{
			name:      "pull only keeps the later cloud edit out of reach",
			direction: schema.DirectionCloudToLocal,
			op:        func(h *harness) func(context.Context, ...Option) (*SyncResult, error) { return h.svc.PullFromCloud },
			localAt:   3 * time.Hour,
			cloudAt:   2 * time.Hour,
			want:      "cloud edit",
		},
		{
			name:      "push only keeps local over a later cloud edit",
			direction: schema.DirectionLocalToCloud,
			op:        func(h *harness) func(context.Context, ...Option) (*SyncResult, error) { return h.svc.PushToCloud },
			localAt:   2 * time.Hour,
			cloudAt:   3 * time.Hour,
			want:      "local edit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
				c.Direction = tt.direction
			})})
			put(t, h.local, "product", product("42", 0, "original"))
			put(t, h.cloud, "product", product("42", 0, "original"))
			mustSync(t, h.svc.SyncAll)

			put(t, h.local, "product", product("42", tt.localAt, "local edit"))
			put(t, h.cloud, "product", product("42", tt.cloudAt, "cloud edit"))
			h.clock.Advance(3 * time.Hour)

			res := mustSync(t, tt.op(h))
			if res.ConflictsDetected != 1 || res.ConflictsResolved != 1 {
				t.Fatalf("detected %d resolved %d, want 1 and 1", res.ConflictsDetected, res.ConflictsResolved)
			}
			for _, st := range []store.Store{h.local, h.cloud} {
				if got := get(t, st, "product", "42").Fields["name"]; got != tt.want {
					t.Errorf("%s name = %v, want %q", st.Name(), got, tt.want)
				}
			}
			if m := h.meta(t, "42"); m.SyncDirection != tt.direction {
				t.Errorf("written %s, want %s", m.SyncDirection, tt.direction)
			}
		})
	}
}

func TestResolveConflict_RefusesAgainstEntityDirection(t *testing.T) {
	h := newHarness(t, harnessOptions{configs: productConfig(func(c *schema.SyncConfiguration) {
		c.Direction = schema.DirectionCloudToLocal
		c.ConflictResolution = schema.StrategyManual
	})})
	ctx := context.Background()

	put(t, h.local, "product", product("42", 0, "original"))
	put(t, h.cloud, "product", product("42", 0, "original"))
	mustSync(t, h.svc.SyncAll)

	put(t, h.local, "product", product("42", 2*time.Hour, "local edit"))
	put(t, h.cloud, "product", product("42", 3*time.Hour, "cloud edit"))
	h.clock.Advance(3 * time.Hour)
	mustSync(t, h.svc.PullFromCloud)

	m := h.meta(t, "42")
	if m.Status != schema.StatusConflict {
		t.Fatalf("status = %s, want conflict", m.Status)
	}

	res, err := h.svc.ResolveConflict(ctx, m.ID, schema.StrategyKeepLocal)
	if err != nil {
		t.Fatalf("ResolveConflict() failed: %v", err)
	}
	if res.Success || res.ConflictsResolved != 0 {
		t.Errorf("ResolveConflict() = %+v, want a refusal", res)
	}
	if len(res.Errors) == 0 || res.Errors[0].Category != CategoryConfiguration {
		t.Errorf("errors = %v, want a configuration error", res.Errors)
	}
	if got := get(t, h.cloud, "product", "42").Fields["name"]; got != "cloud edit" {
		t.Errorf("cloud name = %v, a pull-only entity must not be written to the cloud", got)
	}
	if m := h.meta(t, "42"); m.Status != schema.StatusConflict {
		t.Errorf("status = %s, want the conflict kept", m.Status)
	}
}

func TestSyncIncremental_WriteDuringSessionIsNotLost(t *testing.T) {
	h := newHarness(t, harnessOptions{workers: 1})
	ctx := context.Background()
	put(t, h.cloud, "product", product("a", 0, "first"))
	put(t, h.cloud, "product", product("b", 0, "second"))

	var once sync.Once
	h.obs.mu.Lock()
	h.obs.onSynced = func(string) {
		once.Do(func() {
			// An application write lands after the local feed was read.
			written := product("L", h.clock.Now().Sub(base), "written mid-session")
			if err := h.local.Upsert(ctx, "product", written); err != nil {
				t.Errorf("Upsert() failed: %v", err)
			}
			h.clock.Advance(time.Second)
		})
	}
	h.obs.mu.Unlock()

	first := mustSync(t, h.svc.SyncIncremental)
	if first.EntitiesSynced != 2 {
		t.Fatalf("first SyncIncremental() synced %d, want 2", first.EntitiesSynced)
	}

	h.clock.Advance(time.Minute)
	second := mustSync(t, h.svc.SyncIncremental)
	if second.EntitiesSynced != 1 {
		t.Errorf("second SyncIncremental() synced %d, want the mid-session write", second.EntitiesSynced)
	}
	if got := get(t, h.cloud, "product", "L").Fields["name"]; got != "written mid-session" {
		t.Errorf("cloud name of L = %v", got)
	}

	h.clock.Advance(time.Minute)
	if third := mustSync(t, h.svc.SyncIncremental); third.EntitiesSynced != 0 {
		t.Errorf("third SyncIncremental() synced %d, want 0", third.EntitiesSynced)
	}
}
