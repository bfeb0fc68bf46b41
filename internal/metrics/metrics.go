// Package metrics exposes sync activity as Prometheus collectors. A
// Collector is an engine.Observer, so wiring it into the engine is enough to
// keep the counters current.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/schema"
)

const (
	namespace = "offsync"
	subsystem = "sync"
)

// Collector holds every sync metric, registered on one registry.
type Collector struct {
	engine.NopObserver

	registry *prometheus.Registry

	sessions       *prometheus.CounterVec
	sessionSeconds *prometheus.HistogramVec
	running        prometheus.Gauge
	recordsSynced  *prometheus.CounterVec
	recordsFailed  *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	cloudAvailable prometheus.Gauge
	lastSync       prometheus.Gauge
}

var _ engine.Observer = (*Collector)(nil)

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the sync collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,

		sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sessions_total",
				Help:      "Total number of finished sync sessions by type and final status",
			},
			[]string{"sync_type", "status"},
		),

		sessionSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "session_duration_seconds",
				Help:      "Wall time of finished sync sessions",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"sync_type"},
		),

		running: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "session_running",
				Help:      "1 while a sync session is in progress",
			},
		),

		recordsSynced: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "records_synced_total",
				Help:      "Total number of records written to the other side",
			},
			[]string{"entity", "direction"},
		),

		recordsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "records_failed_total",
				Help:      "Total number of failed record attempts by error category",
			},
			[]string{"entity", "category"},
		),

		conflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "conflicts_total",
				Help:      "Total number of detected conflicts by strategy",
			},
			[]string{"entity", "strategy"},
		),

		cloudAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "cloud_available",
				Help:      "1 when the last cloud probe succeeded",
			},
		),

		lastSync: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last session that completed without errors",
			},
		),
	}
}

// Registry returns the registry the collectors live on, for promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetCloudAvailable records the outcome of a cloud probe.
func (c *Collector) SetCloudAvailable(available bool) {
	if available {
		c.cloudAvailable.Set(1)
	} else {
		c.cloudAvailable.Set(0)
	}
}

// SessionStarted implements engine.Observer.
func (c *Collector) SessionStarted(engine.SessionInfo) {
	c.running.Set(1)
}

// RecordSynced implements engine.Observer.
func (c *Collector) RecordSynced(entityName, _ string, direction schema.Direction) {
	c.recordsSynced.WithLabelValues(entityName, string(direction)).Inc()
}

// RecordFailed implements engine.Observer.
func (c *Collector) RecordFailed(entityName, _ string, err error) {
	category := engine.Categorize(err)
	if category == "" {
		category = engine.CategoryInternal
	}
	c.recordsFailed.WithLabelValues(entityName, string(category)).Inc()
}

// ConflictDetected implements engine.Observer.
func (c *Collector) ConflictDetected(entityName, _ string, strategy schema.ConflictStrategy, _ bool) {
	c.conflicts.WithLabelValues(entityName, string(strategy)).Inc()
}

// SessionFinished implements engine.Observer.
func (c *Collector) SessionFinished(result *engine.SyncResult) {
	c.running.Set(0)
	c.sessions.WithLabelValues(string(result.SyncType), string(result.Status)).Inc()
	c.sessionSeconds.WithLabelValues(string(result.SyncType)).Observe(result.Duration().Seconds())
	if result.Success {
		c.lastSync.Set(float64(result.CompletedAt.Unix()))
	}
}
