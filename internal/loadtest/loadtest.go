// Package loadtest measures sync session latency over a synthetic dataset.
//
// A Harness wires the engine to an in-memory local/cloud pair so runs never
// touch real databases. Populate spreads generated records across both
// sides, Touch edits a subset between sessions, and Run times a sequence of
// sessions.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"time"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/schema"
	"github.com/Mschirtzinger/offsync/internal/store"
	"github.com/Mschirtzinger/offsync/internal/store/memstore"
	"github.com/Mschirtzinger/offsync/internal/store/sqlstore"
	"github.com/Mschirtzinger/offsync/internal/syncstate"
)

// EntityName is the entity type generated records belong to.
const EntityName = "bench_item"

// Harness is an engine over an in-memory store pair with sync state in a
// SQLite file under a scratch directory.
type Harness struct {
	Local   *memstore.Store
	Cloud   *memstore.Store
	Service *engine.Service

	state *sqlstore.Store
	conn  *connection.Manager
}

// NewHarness builds a harness. dir holds the sync state database; workers
// bounds per-batch concurrency; strategy settles conflicts. logger may be nil.
func NewHarness(ctx context.Context, dir string, workers int, strategy schema.ConflictStrategy, logger *log.Logger) (*Harness, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	h := &Harness{
		Local: memstore.New("local"),
		Cloud: memstore.New("cloud"),
	}

	var err error
	h.state, err = sqlstore.OpenLocal(filepath.Join(dir, "bench_state.db"))
	if err != nil {
		return nil, err
	}
	state, err := syncstate.New(ctx, h.state.DB(), nil)
	if err != nil {
		_ = h.state.Close()
		return nil, err
	}

	h.conn, err = connection.New(h.Local, h.Cloud, &connection.Config{
		Mode:   connection.ModeHybrid,
		Logger: logger,
	})
	if err != nil {
		_ = h.state.Close()
		return nil, err
	}

	registry := entity.NewRegistry()
	if err := registry.Register(entity.Adapter{Name: EntityName}); err != nil {
		_ = h.state.Close()
		return nil, err
	}

	cfg := schema.DefaultSyncConfiguration(EntityName)
	cfg.ConflictResolution = strategy
	h.Service, err = engine.New(h.Local, h.Cloud, h.conn, state, registry, []schema.SyncConfiguration{cfg}, &engine.Config{
		DeviceID: "loadtest",
		Workers:  workers,
		Logger:   logger,
	})
	if err != nil {
		_ = h.state.Close()
		return nil, err
	}
	return h, nil
}

// Close releases the state database.
func (h *Harness) Close() error {
	h.conn.Stop()
	return h.state.Close()
}

// Dataset describes what Populate generated.
type Dataset struct {
	IDs       []string
	LocalOnly int
	CloudOnly int
}

// Populate creates records items, placing roughly cloudShare of them on the
// cloud side and the rest locally. The same seed yields the same dataset.
func Populate(ctx context.Context, local, cloud store.Store, records int, cloudShare float64, seed int64) (*Dataset, error) {
	for _, st := range []store.Store{local, cloud} {
		if err := st.EnsureEntity(ctx, EntityName); err != nil {
			return nil, fmt.Errorf("failed to prepare %s store: %w", st.Name(), err)
		}
	}

	rng := rand.New(rand.NewSource(seed))
	categories := []string{"hardware", "grocery", "apparel", "garden"}
	baseTime := time.Now().UTC().Add(-30 * 24 * time.Hour)

	ds := &Dataset{IDs: make([]string, 0, records)}
	for i := 0; i < records; i++ {
		rec := &entity.Record{
			ID: fmt.Sprintf("item-%05d", i),
			Fields: map[string]any{
				"name":     fmt.Sprintf("Item %d", i),
				"category": categories[i%len(categories)],
				"price":    float64(rng.Intn(10000)) / 100,
				"stock":    rng.Intn(500),
			},
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
			CreatedBy: "loadtest",
		}

		target := local
		if rng.Float64() < cloudShare {
			target = cloud
			ds.CloudOnly++
		} else {
			ds.LocalOnly++
		}
		if err := target.Upsert(ctx, EntityName, rec); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", rec.ID, err)
		}
		ds.IDs = append(ds.IDs, rec.ID)
	}
	return ds, nil
}

// Touch edits each id in st as of at, recording by as the editor in both
// the content and the audit fields.
func Touch(ctx context.Context, st store.Store, ids []string, at time.Time, by string) error {
	for _, id := range ids {
		rec, err := st.Get(ctx, EntityName, id)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", id, err)
		}
		rec.Fields["stock"] = at.UnixNano() % 1000
		rec.Fields["last_edit"] = by
		updated := at.UTC()
		rec.UpdatedAt = &updated
		rec.UpdatedBy = by
		if err := st.Upsert(ctx, EntityName, rec); err != nil {
			return fmt.Errorf("failed to update %s: %w", id, err)
		}
	}
	return nil
}

// SessionFunc runs one sync session.
type SessionFunc func(ctx context.Context) (*engine.SyncResult, error)

// Report aggregates a Run.
type Report struct {
	Sessions      int
	RecordsSynced int
	Failed        int
	Conflicts     int
	Resolved      int
	Total         time.Duration
	Latency       *LatencyStats
}

// Throughput is synced records per second across all sessions.
func (r *Report) Throughput() float64 {
	if r.Total <= 0 {
		return 0
	}
	return float64(r.RecordsSynced) / r.Total.Seconds()
}

// Run times sessions calls of run. before, when set, is called ahead of
// every session after the first with the session index.
func Run(ctx context.Context, run SessionFunc, sessions int, before func(i int) error) (*Report, error) {
	report := &Report{}
	durations := make([]time.Duration, 0, sessions)

	for i := 0; i < sessions; i++ {
		if err := ctx.Err(); err != nil {
			break
		}
		if i > 0 && before != nil {
			if err := before(i); err != nil {
				return nil, fmt.Errorf("failed to prepare session %d: %w", i, err)
			}
		}

		start := time.Now()
		result, err := run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			return nil, fmt.Errorf("session %d failed: %w", i, err)
		}

		durations = append(durations, elapsed)
		report.Sessions++
		report.Total += elapsed
		report.RecordsSynced += result.EntitiesSynced
		report.Failed += result.EntitiesFailed
		report.Conflicts += result.ConflictsDetected
		report.Resolved += result.ConflictsResolved
	}

	if report.Sessions == 0 {
		return nil, fmt.Errorf("no sessions completed")
	}
	report.Latency = computeLatencyStats(durations)
	return report, nil
}

// LatencyStats captures session timing.
type LatencyStats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / time.Duration(len(durations)),
		P50:  sorted[len(sorted)*50/100],
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
	}
}

// Print writes the report in a fixed layout.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Sessions:        %d\n", r.Sessions)
	fmt.Fprintf(w, "Records synced:  %d\n", r.RecordsSynced)
	fmt.Fprintf(w, "Failed:          %d\n", r.Failed)
	fmt.Fprintf(w, "Conflicts:       %d detected, %d resolved\n", r.Conflicts, r.Resolved)
	fmt.Fprintf(w, "Throughput:      %.0f records/s\n", r.Throughput())
	fmt.Fprintf(w, "Session latency:\n")
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
