package syncstate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store/sqlstore"
)

var baseTime = time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlstore.OpenLocal(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("OpenLocal() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s, err := New(context.Background(), db.DB(), func() time.Time { return baseTime })
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return s
}

func TestLifecycle(t *testing.T) {
	tests := []struct {
		from    schema.SyncStatus
		event   Event
		want    schema.SyncStatus
		wantErr bool
	}{
		{schema.StatusPending, EventStart, schema.StatusInProgress, false},
		{schema.StatusCompleted, EventStart, schema.StatusInProgress, false},
		{schema.StatusConflict, EventStart, schema.StatusInProgress, false},
		{schema.StatusInProgress, EventComplete, schema.StatusCompleted, false},
		{schema.StatusInProgress, EventFail, schema.StatusFailed, false},
		{schema.StatusInProgress, EventConflict, schema.StatusConflict, false},
		{schema.StatusFailed, EventRetry, schema.StatusPending, false},
		{schema.StatusInProgress, EventReset, schema.StatusPending, false},

		{schema.StatusFailed, EventStart, "", true},
		{schema.StatusPending, EventComplete, "", true},
		{schema.StatusCompleted, EventFail, "", true},
		{schema.StatusConflict, EventRetry, "", true},
		{schema.StatusInProgress, EventStart, "", true},
		{"bogus", EventStart, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.event), func(t *testing.T) {
			got, err := Next(tt.from, tt.event)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Next() = %s, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Next() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Next() = %s, want %s", got, tt.want)
			}
			if !Can(tt.from, tt.event) {
				t.Errorf("Can() = false for an allowed transition")
			}
		})
	}
}

func TestClaim(t *testing.T) {
	for _, from := range []schema.SyncStatus{schema.StatusPending, schema.StatusCompleted, schema.StatusFailed, schema.StatusConflict} {
		m := &schema.SyncMetadata{EntityName: "product", EntityID: "42", Status: from}
		if err := Claim(m); err != nil {
			t.Fatalf("Claim(%s) failed: %v", from, err)
		}
		if m.Status != schema.StatusInProgress {
			t.Errorf("Claim(%s) status = %s, want in_progress", from, m.Status)
		}
	}

	m := &schema.SyncMetadata{EntityName: "product", EntityID: "42", Status: schema.StatusInProgress}
	if err := Claim(m); err == nil {
		t.Error("Claim() of an in-progress row should fail")
	}
}

func TestSaveAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "product", "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got != nil {
		t.Fatalf("Get() of missing row = %+v, want nil", got)
	}

	synced := baseTime.Add(-time.Hour)
	m := &schema.SyncMetadata{
		EntityName:    "product",
		EntityID:      "42",
		LastSyncedAt:  &synced,
		DataHash:      "abc",
		SyncDirection: schema.DirectionBidirectional,
		Status:        schema.StatusCompleted,
		IsLocalOnly:   true,
	}
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if m.ID == 0 {
		t.Fatal("Save() should assign an id")
	}
	firstID := m.ID

	m.DataHash = "def"
	m.IsLocalOnly = false
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("Save() update failed: %v", err)
	}
	if m.ID != firstID {
		t.Errorf("upsert changed id from %d to %d", firstID, m.ID)
	}

	got, err = s.Get(ctx, "product", "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.DataHash != "def" || got.IsLocalOnly || got.Status != schema.StatusCompleted {
		t.Errorf("Get() = %+v", got)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(synced) {
		t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, synced)
	}

	byID, err := s.GetByID(ctx, firstID)
	if err != nil {
		t.Fatalf("GetByID() failed: %v", err)
	}
	if byID.EntityID != "42" {
		t.Errorf("GetByID() entity = %s, want 42", byID.EntityID)
	}
	if _, err := s.GetByID(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID() missing error = %v, want ErrNotFound", err)
	}
}

func TestSave_RejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	m := &schema.SyncMetadata{EntityName: "product", EntityID: "42", Status: schema.StatusConflict}
	if err := s.Save(context.Background(), m); err == nil {
		t.Error("Save() of conflict without conflict_detected_at should fail")
	}
}

func TestMarkSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	detected := baseTime
	next := baseTime.Add(time.Minute)
	m := &schema.SyncMetadata{
		EntityName:         "product",
		EntityID:           "42",
		Status:             schema.StatusConflict,
		ConflictDetectedAt: &detected,
		RetryCount:         2,
		NextRetryAt:        &next,
		ErrorMessage:       "boom",
	}
	if err := s.Save(ctx, m); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	at := baseTime.Add(time.Hour)
	if err := s.MarkSynced(ctx, "product", "42", "h1", schema.DirectionCloudToLocal, at); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	got, _ := s.Get(ctx, "product", "42")
	if got.Status != schema.StatusCompleted || got.DataHash != "h1" || got.RetryCount != 0 {
		t.Errorf("MarkSynced() row = %+v", got)
	}
	if got.ConflictDetectedAt != nil || got.NextRetryAt != nil || got.ErrorMessage != "" {
		t.Errorf("MarkSynced() should clear retry and conflict state: %+v", got)
	}

	// Creates the row when missing; failed rows pass through pending.
	if err := s.MarkSynced(ctx, "product", "43", "h2", schema.DirectionLocalToCloud, at); err != nil {
		t.Fatalf("MarkSynced() new row failed: %v", err)
	}
	failed := &schema.SyncMetadata{EntityName: "product", EntityID: "44", Status: schema.StatusFailed, RetryCount: 1}
	if err := s.Save(ctx, failed); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "product", "44", "h3", schema.DirectionLocalToCloud, at); err != nil {
		t.Fatalf("MarkSynced() failed row: %v", err)
	}

	last, err := s.LastSyncedAt(ctx, "product")
	if err != nil {
		t.Fatalf("LastSyncedAt() failed: %v", err)
	}
	if last == nil || !last.Equal(at) {
		t.Errorf("LastSyncedAt() = %v, want %v", last, at)
	}
	if last, _ := s.LastSyncedAt(ctx, "customer"); last != nil {
		t.Errorf("LastSyncedAt() of unsynced entity = %v, want nil", last)
	}
}

func TestCorruptTimestampIsReported(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.MarkSynced(ctx, "product", "42", "h1", schema.DirectionLocalToCloud, baseTime); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sync_metadata SET last_synced_at = 'garbled' WHERE entity_id = '42'`); err != nil {
		t.Fatalf("corrupting row failed: %v", err)
	}

	if last, err := s.LastSyncedAt(ctx, "product"); err == nil {
		t.Errorf("LastSyncedAt() = %v, want an error for a corrupt cursor", last)
	}
	if _, err := s.Get(ctx, "product", "42"); err == nil {
		t.Error("Get() should report the corrupt last_synced_at")
	}
}

func TestListRetryable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := baseTime

	past := now.Add(-time.Second)
	future := now.Add(time.Minute)
	rows := []*schema.SyncMetadata{
		{EntityName: "product", EntityID: "due", Status: schema.StatusFailed, RetryCount: 1, NextRetryAt: &past},
		{EntityName: "product", EntityID: "later", Status: schema.StatusFailed, RetryCount: 1, NextRetryAt: &future},
		{EntityName: "product", EntityID: "exhausted", Status: schema.StatusFailed, RetryCount: 3, NextRetryAt: &past},
		{EntityName: "product", EntityID: "pending", Status: schema.StatusPending},
		{EntityName: "product", EntityID: "done", Status: schema.StatusCompleted},
		{EntityName: "customer", EntityID: "due", Status: schema.StatusFailed, RetryCount: 0, NextRetryAt: &past},
	}
	for _, m := range rows {
		if err := s.Save(ctx, m); err != nil {
			t.Fatalf("Save(%s) failed: %v", m.EntityID, err)
		}
	}

	got, err := s.ListRetryable(ctx, "product", now, 3)
	if err != nil {
		t.Fatalf("ListRetryable() failed: %v", err)
	}
	var ids []string
	for _, m := range got {
		ids = append(ids, m.EntityID)
	}
	if len(ids) != 2 || ids[0] != "due" || ids[1] != "pending" {
		t.Errorf("ListRetryable() = %v, want [due pending]", ids)
	}

	pending, err := s.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount() failed: %v", err)
	}
	if pending != 5 {
		t.Errorf("PendingCount() = %d, want 5", pending)
	}
}

func TestConflictsAndRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	detected := baseTime
	c := &schema.SyncMetadata{EntityName: "product", EntityID: "42", Status: schema.StatusConflict, ConflictDetectedAt: &detected}
	f := &schema.SyncMetadata{EntityName: "order", EntityID: "7", Status: schema.StatusFailed, RetryCount: 3, ErrorMessage: "rejected"}
	for _, m := range []*schema.SyncMetadata{c, f} {
		if err := s.Save(ctx, m); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}

	conflicts, err := s.ListConflicts(ctx, "")
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].EntityID != "42" {
		t.Errorf("ListConflicts() = %+v", conflicts)
	}
	if got, _ := s.ListConflicts(ctx, "order"); len(got) != 0 {
		t.Errorf("ListConflicts(order) = %d rows, want 0", len(got))
	}

	requeued, err := s.Requeue(ctx, f.ID)
	if err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}
	if requeued.Status != schema.StatusPending || requeued.RetryCount != 0 || requeued.ErrorMessage != "" {
		t.Errorf("Requeue() = %+v", requeued)
	}
	if _, err := s.Requeue(ctx, c.ID); err == nil {
		t.Error("Requeue() of a conflict should fail")
	}
}

func TestResetInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"1", "2"} {
		m := &schema.SyncMetadata{EntityName: "product", EntityID: id, Status: schema.StatusInProgress}
		if err := s.Save(ctx, m); err != nil {
			t.Fatalf("Save() failed: %v", err)
		}
	}
	n, err := s.ResetInProgress(ctx)
	if err != nil {
		t.Fatalf("ResetInProgress() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ResetInProgress() = %d, want 2", n)
	}
	got, _ := s.Get(ctx, "product", "1")
	if got.Status != schema.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestSyncLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := &schema.SyncLog{
		SessionID:   "s1",
		StartedAt:   baseTime,
		SyncType:    schema.SyncTypeFull,
		Direction:   schema.DirectionBidirectional,
		DeviceID:    "laptop",
		InitiatedBy: "test",
	}
	if err := s.BeginLog(ctx, l); err != nil {
		t.Fatalf("BeginLog() failed: %v", err)
	}
	if err := s.BeginLog(ctx, l); err == nil {
		t.Error("BeginLog() with a reused session id should fail")
	}

	got, err := s.GetLog(ctx, "s1")
	if err != nil {
		t.Fatalf("GetLog() failed: %v", err)
	}
	if got.Status != schema.LogInProgress || got.CompletedAt != nil {
		t.Errorf("GetLog() = %+v", got)
	}

	done := baseTime.Add(3 * time.Second)
	l.Status = schema.LogPartialSuccess
	l.CompletedAt = &done
	l.EntitiesSynced = 4
	l.EntitiesFailed = 1
	l.ConflictsDetected = 2
	l.ConflictsResolved = 1
	l.ErrorMessage = "1 record failed"
	if err := s.FinishLog(ctx, l); err != nil {
		t.Fatalf("FinishLog() failed: %v", err)
	}
	if err := s.FinishLog(ctx, l); !errors.Is(err, ErrLogFinalized) {
		t.Errorf("second FinishLog() error = %v, want ErrLogFinalized", err)
	}

	got, _ = s.GetLog(ctx, "s1")
	if got.Status != schema.LogPartialSuccess || got.EntitiesSynced != 4 || got.ConflictsResolved != 1 {
		t.Errorf("finished log = %+v", got)
	}
	if got.Duration() != 3*time.Second {
		t.Errorf("Duration() = %v, want 3s", got.Duration())
	}

	last, err := s.LastSyncTime(ctx)
	if err != nil {
		t.Fatalf("LastSyncTime() failed: %v", err)
	}
	if last == nil || !last.Equal(done) {
		t.Errorf("LastSyncTime() = %v, want %v", last, done)
	}

	missing := &schema.SyncLog{SessionID: "nope", StartedAt: baseTime, Status: schema.LogFailed, CompletedAt: &done}
	if err := s.FinishLog(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishLog() of unknown session error = %v, want ErrNotFound", err)
	}
}

func TestRecentLogsAndAbandon(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		l := &schema.SyncLog{
			SessionID: id,
			StartedAt: baseTime.Add(time.Duration(i) * time.Hour),
			SyncType:  schema.SyncTypeIncremental,
			Direction: schema.DirectionBidirectional,
		}
		if err := s.BeginLog(ctx, l); err != nil {
			t.Fatalf("BeginLog() failed: %v", err)
		}
	}

	recent, err := s.RecentLogs(ctx, 2, nil)
	if err != nil {
		t.Fatalf("RecentLogs() failed: %v", err)
	}
	if len(recent) != 2 || recent[0].SessionID != "c" || recent[1].SessionID != "b" {
		t.Errorf("RecentLogs() = %v", recent)
	}

	since := baseTime.Add(90 * time.Minute)
	recent, _ = s.RecentLogs(ctx, 0, &since)
	if len(recent) != 1 || recent[0].SessionID != "c" {
		t.Errorf("RecentLogs(since) = %v", recent)
	}

	n, err := s.AbandonRunningLogs(ctx, baseTime.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("AbandonRunningLogs() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("AbandonRunningLogs() = %d, want 3", n)
	}
	got, _ := s.GetLog(ctx, "a")
	if got.Status != schema.LogFailed || got.CompletedAt == nil {
		t.Errorf("abandoned log = %+v", got)
	}
	if last, _ := s.LastSyncTime(ctx); last != nil {
		t.Errorf("LastSyncTime() with only failed sessions = %v, want nil", last)
	}
}
