// Package storetest is a contract test suite every store.Store must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 1, 10, 7, 36, 29, 0, time.UTC)

// Record builds a record modified at base+offset.
func Record(id string, offset time.Duration, fields map[string]any) *entity.Record {
	rec := &entity.Record{
		ID:        id,
		Fields:    fields,
		CreatedAt: base,
		CreatedBy: "test",
	}
	if offset > 0 {
		updated := base.Add(offset)
		rec.UpdatedAt = &updated
		rec.UpdatedBy = "test"
	}
	return rec
}

// Run executes the contract suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("UpsertGet", func(t *testing.T) { testUpsertGet(t, newStore(t)) })
	t.Run("UpsertOverwrites", func(t *testing.T) { testUpsertOverwrites(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("ListSince", func(t *testing.T) { testListSince(t, newStore(t)) })
	t.Run("ListPaging", func(t *testing.T) { testListPaging(t, newStore(t)) })
	t.Run("SoftDelete", func(t *testing.T) { testSoftDelete(t, newStore(t)) })
	t.Run("SoftDeleteMissing", func(t *testing.T) { testSoftDeleteMissing(t, newStore(t)) })
	t.Run("EnsureEntityIdempotent", func(t *testing.T) { testEnsureIdempotent(t, newStore(t)) })
	t.Run("InvalidEntityName", func(t *testing.T) { testInvalidName(t, newStore(t)) })
}

func ensure(t *testing.T, s store.Store, name string) {
	t.Helper()
	if err := s.EnsureEntity(context.Background(), name); err != nil {
		t.Fatalf("EnsureEntity(%s) failed: %v", name, err)
	}
}

func upsert(t *testing.T, s store.Store, name string, rec *entity.Record) {
	t.Helper()
	if err := s.Upsert(context.Background(), name, rec); err != nil {
		t.Fatalf("Upsert(%s/%s) failed: %v", name, rec.ID, err)
	}
}

func testUpsertGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	ensure(t, s, "products")

	rec := Record("42", time.Minute, map[string]any{"name": "Widget", "price": 12.5})
	upsert(t, s, "products", rec)

	got, err := s.Get(ctx, "products", "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.ID != "42" {
		t.Errorf("ID = %q, want 42", got.ID)
	}
	if fmt.Sprint(got.Fields["name"]) != "Widget" {
		t.Errorf("name = %v, want Widget", got.Fields["name"])
	}
	if fmt.Sprint(got.Fields["price"]) != "12.5" {
		t.Errorf("price = %v, want 12.5", got.Fields["price"])
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
	if got.UpdatedAt == nil || !got.UpdatedAt.Equal(*rec.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
	if got.CreatedBy != "test" {
		t.Errorf("CreatedBy = %q, want test", got.CreatedBy)
	}
	if got.Deleted {
		t.Error("new record should not be deleted")
	}
}

func testUpsertOverwrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	ensure(t, s, "products")

	upsert(t, s, "products", Record("1", time.Minute, map[string]any{"name": "old"}))
	upsert(t, s, "products", Record("1", 2*time.Minute, map[string]any{"name": "new"}))

	got, err := s.Get(ctx, "products", "1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if fmt.Sprint(got.Fields["name"]) != "new" {
		t.Errorf("name = %v, want new", got.Fields["name"])
	}

	all, err := s.List(ctx, "products", store.Query{Deleted: store.IncludeDeleted})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List() returned %d records, want 1", len(all))
	}
}

func testGetMissing(t *testing.T, s store.Store) {
	ensure(t, s, "products")
	_, err := s.Get(context.Background(), "products", "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func testListSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	ensure(t, s, "products")

	upsert(t, s, "products", Record("a", 1*time.Minute, nil))
	upsert(t, s, "products", Record("b", 2*time.Minute, nil))
	upsert(t, s, "products", Record("c", 3*time.Minute, nil))

	since := base.Add(2 * time.Minute)
	got, err := s.List(ctx, "products", store.Query{Since: &since})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if want := "[b c]"; fmt.Sprint(ids(got)) != want {
		t.Errorf("List(since) = %v, want %s", ids(got), want)
	}

	all, err := s.List(ctx, "products", store.Query{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if want := "[a b c]"; fmt.Sprint(ids(all)) != want {
		t.Errorf("List(all) = %v, want %s", ids(all), want)
	}
}

func testListPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	ensure(t, s, "products")

	// Same modification time for all so ordering falls back to id.
	for _, id := range []string{"e", "a", "d", "b", "c"} {
		upsert(t, s, "products", Record(id, time.Minute, nil))
	}

	var seen []string
	var after *store.Cursor
	for page := 0; page < 10; page++ {
		recs, err := s.List(ctx, "products", store.Query{After: after, Limit: 2})
		if err != nil {
			t.Fatalf("List() page %d failed: %v", page, err)
		}
		if len(recs) == 0 {
			break
		}
		if len(recs) > 2 {
			t.Fatalf("page %d has %d records, limit is 2", page, len(recs))
		}
		seen = append(seen, ids(recs)...)
		c := store.CursorOf(recs[len(recs)-1])
		after = &c
	}

	if want := "[a b c d e]"; fmt.Sprint(seen) != want {
		t.Errorf("paged ids = %v, want %s", seen, want)
	}
}

func testSoftDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	ensure(t, s, "products")

	upsert(t, s, "products", Record("42", time.Minute, map[string]any{"name": "Widget"}))
	at := base.Add(time.Hour)
	if err := s.SoftDelete(ctx, "products", "42", at, "alice"); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}

	got, err := s.Get(ctx, "products", "42")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.Deleted {
		t.Error("record should be deleted")
	}
	if got.DeletedAt == nil || !got.DeletedAt.Equal(at) {
		t.Errorf("DeletedAt = %v, want %v", got.DeletedAt, at)
	}
	if got.DeletedBy != "alice" {
		t.Errorf("DeletedBy = %q, want alice", got.DeletedBy)
	}

	live, err := s.List(ctx, "products", store.Query{})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("live records = %v, want none", ids(live))
	}

	since := base.Add(30 * time.Minute)
	tombstones, err := s.List(ctx, "products", store.Query{Since: &since, Deleted: store.OnlyDeleted})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(tombstones) != 1 || tombstones[0].ID != "42" {
		t.Errorf("tombstones since deletion = %v, want [42]", ids(tombstones))
	}
}

func testSoftDeleteMissing(t *testing.T, s store.Store) {
	ensure(t, s, "products")
	err := s.SoftDelete(context.Background(), "products", "ghost", base, "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("SoftDelete(missing) error = %v, want ErrNotFound", err)
	}
}

func testEnsureIdempotent(t *testing.T, s store.Store) {
	ensure(t, s, "customers")
	ensure(t, s, "customers")
	upsert(t, s, "customers", Record("c1", 0, map[string]any{"email": "a@example.com"}))
	ensure(t, s, "customers")

	if _, err := s.Get(context.Background(), "customers", "c1"); err != nil {
		t.Errorf("Get() after repeated EnsureEntity failed: %v", err)
	}
}

func testInvalidName(t *testing.T, s store.Store) {
	if err := s.EnsureEntity(context.Background(), "bad name; --"); err == nil {
		t.Error("EnsureEntity() with invalid name should fail")
	}
}

func ids(recs []*entity.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
