// Package daemon keeps the local and cloud stores in step without operator
// involvement.
//
// The daemon:
//  1. Runs an incremental sync on startup and then every Interval
//  2. Runs a full sync every FullInterval
//  3. Watches the local database files and pushes local writes after a
//     quiet period
//  4. Catches up with an incremental sync whenever the cloud comes back
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/engine"
)

// Syncer is the part of the sync engine the daemon drives.
type Syncer interface {
	SyncAll(ctx context.Context, opts ...engine.Option) (*engine.SyncResult, error)
	SyncIncremental(ctx context.Context, opts ...engine.Option) (*engine.SyncResult, error)
	PushToCloud(ctx context.Context, opts ...engine.Option) (*engine.SyncResult, error)
}

// StatusSource publishes connection status transitions.
type StatusSource interface {
	Subscribe() (<-chan connection.Status, func())
}

// Config holds configuration for the daemon.
type Config struct {
	// Interval between incremental syncs. Zero disables them.
	Interval time.Duration

	// FullInterval between full syncs. Zero disables them.
	FullInterval time.Duration

	// DebounceInterval is how long local writes must be quiet before they
	// are pushed. Rapid writes are batched into one push.
	DebounceInterval time.Duration

	// DatabasePath is the local database file to watch. Empty disables
	// push-on-write.
	DatabasePath string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         time.Minute,
		FullInterval:     time.Hour,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon schedules sync sessions.
type Daemon struct {
	syncer Syncer
	status StatusSource
	config *Config

	watcher *FileWatcher

	changeMu    sync.Mutex
	lastChange  time.Time // latest queued local write, zero when none
	lastRefresh time.Time // end of the latest session that could write locally

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. status may be nil, which disables reconnect
// catch-up. Use Start() to begin scheduling.
func New(syncer Syncer, status StatusSource, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}

	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}

	d := &Daemon{
		syncer: syncer,
		status: status,
		config: config,
	}

	if config.DatabasePath != "" {
		watcher, err := NewFileWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = watcher
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start runs the startup sync, starts the background loops and blocks
// until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		dir, name := filepath.Split(d.config.DatabasePath)
		if dir == "" {
			dir = "."
		}
		if err := d.watcher.Start(dir, name); err != nil {
			return fmt.Errorf("failed to watch local database: %w", err)
		}
		d.config.Logger.Printf("Watching: %s", d.config.DatabasePath)
	}

	// A failed startup sync is not fatal: the cloud may simply be offline.
	d.run("startup", d.syncer.SyncIncremental, true)

	if d.config.Interval > 0 {
		d.wg.Add(1)
		go d.tick(d.config.Interval, "interval", d.syncer.SyncIncremental)
	}
	if d.config.FullInterval > 0 {
		d.wg.Add(1)
		go d.tick(d.config.FullInterval, "full", d.syncer.SyncAll)
	}
	if d.watcher != nil {
		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}
	if d.status != nil {
		updates, unsubscribe := d.status.Subscribe()
		d.wg.Add(1)
		go d.watchConnection(updates, unsubscribe)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A session in progress is
// cancelled and finalised by the engine.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()
	d.config.Logger.Println("Daemon stopped")
	return nil
}

type syncFunc func(ctx context.Context, opts ...engine.Option) (*engine.SyncResult, error)

// run starts one session. A session already in progress is not an error:
// the trigger is skipped and the next tick picks up whatever it missed.
func (d *Daemon) run(trigger string, fn syncFunc, writesLocal bool) {
	res, err := fn(d.ctx, engine.InitiatedBy("daemon:"+trigger))
	if writesLocal {
		d.changeMu.Lock()
		d.lastRefresh = time.Now()
		d.changeMu.Unlock()
	}

	switch {
	case errors.Is(err, engine.ErrSyncInProgress):
		d.config.Logger.Printf("Skipping %s sync: another session is running", trigger)
	case err != nil:
		d.config.Logger.Printf("Error during %s sync: %v", trigger, err)
	case !res.Success:
		d.config.Logger.Printf("%s sync %s: %s", trigger, res.Status, res.ErrorMessage)
	default:
		d.config.Logger.Printf("%s sync completed: %d synced, %d conflicts", trigger, res.EntitiesSynced, res.ConflictsDetected)
	}
}

func (d *Daemon) tick(every time.Duration, trigger string, fn syncFunc) {
	defer d.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.run(trigger, fn, true)
		}
	}
}

// watchFileEvents queues local database writes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	events, errs := d.watcher.Events(), d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Op == OpDelete {
				continue
			}
			d.queueChange()

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) queueChange() {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	d.lastChange = time.Now()
}

// processChangeQueue pushes queued writes once they have been quiet for
// DebounceInterval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.takePendingChange(time.Now()) {
				d.run("local-write", d.syncer.PushToCloud, false)
			}
		}
	}
}

// takePendingChange reports whether a queued write is due for a push and
// clears it. Writes observed before the end of the latest pulling session
// are the daemon's own and are dropped.
func (d *Daemon) takePendingChange(now time.Time) bool {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()

	if d.lastChange.IsZero() || now.Sub(d.lastChange) < d.config.DebounceInterval {
		return false
	}
	own := !d.lastChange.After(d.lastRefresh)
	d.lastChange = time.Time{}
	return !own
}

// watchConnection triggers a catch-up sync when the cloud becomes
// reachable again.
func (d *Daemon) watchConnection(updates <-chan connection.Status, unsubscribe func()) {
	defer d.wg.Done()
	defer unsubscribe()

	available := false
	for {
		select {
		case <-d.ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if st.IsCloudAvailable && !available {
				d.config.Logger.Printf("Cloud reachable again (%s), catching up", st.Message)
				d.run("reconnect", d.syncer.SyncIncremental, true)
			}
			available = st.IsCloudAvailable
		}
	}
}
