package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Mschirtzinger/offsync/internal/config"
	"github.com/Mschirtzinger/offsync/internal/connection"
	"github.com/Mschirtzinger/offsync/internal/engine"
	"github.com/Mschirtzinger/offsync/internal/entity"
	"github.com/Mschirtzinger/offsync/internal/logging"
	"github.com/Mschirtzinger/offsync/internal/store"
	"github.com/Mschirtzinger/offsync/internal/store/memstore"
	"github.com/Mschirtzinger/offsync/internal/store/sqlstore"
	"github.com/Mschirtzinger/offsync/internal/syncstate"
)

// memoryURL selects an in-process cloud store, handy for trying offsync
// without a Turso database.
const memoryURL = "memory://"

// app is everything a command needs, opened from configuration.
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	local   store.Store
	cloud   store.Store
	stateDB *sqlstore.Store

	conn *connection.Manager
	svc  *engine.Service
}

// openApp wires stores, connection manager and engine from cfg. observers
// receive engine events.
func openApp(ctx context.Context, cfg *config.Config, observers ...engine.Observer) (*app, error) {
	a := &app{
		cfg: cfg,
		logger: logging.New(logging.Config{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
			Quiet:      cfg.Log.Quiet,
		}),
	}
	if err := a.open(ctx, observers); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) open(ctx context.Context, observers []engine.Observer) error {
	cfg := a.cfg

	local, err := sqlstore.OpenLocal(cfg.Local.Path)
	if err != nil {
		return err
	}
	a.local = local

	switch cfg.Cloud.URL {
	case "":
		// Local mode without a cloud endpoint; the cloud is never reachable.
		cloud := memstore.New("cloud")
		cloud.SetOffline(true)
		a.cloud = cloud
	case memoryURL:
		a.cloud = memstore.New("cloud")
	default:
		cloud, err := sqlstore.OpenCloud(cfg.Cloud.URL, cfg.Cloud.AuthToken)
		if err != nil {
			return err
		}
		a.cloud = cloud
	}

	a.stateDB, err = sqlstore.OpenLocal(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("failed to open sync state: %w", err)
	}
	state, err := syncstate.New(ctx, a.stateDB.DB(), nil)
	if err != nil {
		return err
	}

	a.conn, err = connection.New(a.local, a.cloud, &connection.Config{
		Mode:            cfg.ConnectionMode(),
		ProbeTimeout:    cfg.Probe.Timeout,
		CacheTTL:        cfg.Probe.CacheTTL,
		RefreshInterval: cfg.Probe.Interval,
		Logger:          a.logger.Component("connection"),
	})
	if err != nil {
		return err
	}

	registry := entity.NewRegistry()
	for _, adapter := range cfg.Adapters() {
		if err := registry.Register(adapter); err != nil {
			return err
		}
	}
	configs, err := cfg.SyncConfigurations()
	if err != nil {
		return err
	}

	a.svc, err = engine.New(a.local, a.cloud, a.conn, state, registry, configs, &engine.Config{
		DeviceID: cfg.DeviceID,
		Workers:  cfg.Workers,
		Observer: engine.Observers(observers),
		Logger:   a.logger.Component("engine"),
	})
	return err
}

// Close releases every store. It is safe on a partly opened app.
func (a *app) Close() {
	if a.conn != nil {
		a.conn.Stop()
	}
	closers := []store.Store{a.local, a.cloud}
	if a.stateDB != nil {
		closers = append(closers, a.stateDB)
	}
	for _, s := range closers {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			a.logger.Printf("Error closing %s store: %v", s.Name(), err)
		}
	}
	_ = a.logger.Close()
}

// mustLoadConfig loads the --config file or searches for one, exiting on
// error.
func mustLoadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// mustOpenApp loads configuration and opens the app, exiting on error.
func mustOpenApp(ctx context.Context, observers ...engine.Observer) *app {
	return mustOpenAppWith(ctx, mustLoadConfig(), observers...)
}

func mustOpenAppWith(ctx context.Context, cfg *config.Config, observers ...engine.Observer) *app {
	a, err := openApp(ctx, cfg, observers...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}
