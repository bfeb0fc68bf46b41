// Package connection tracks reachability of the local and cloud stores and
// the operating mode the engine runs in.
//
// Cloud availability is cached: IsCloudReachable only probes once the cached
// answer is older than CacheTTL, while CheckCloudStatusNow always probes. A
// background refresher started with Start keeps the cache warm. Subscribers
// receive one Status per actual transition of (availability, mode).
package connection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Mode is the operating mode of the engine.
type Mode string

const (
	// ModeLocal works against the local store only; sync sessions are refused.
	ModeLocal Mode = "local"
	// ModeCloud requires the cloud for every session.
	ModeCloud Mode = "cloud"
	// ModeHybrid works locally and syncs whenever the cloud is reachable.
	ModeHybrid Mode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeLocal, ModeCloud, ModeHybrid:
		return true
	}
	return false
}

// ParseMode parses the textual form of a mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown connection mode %q (want local, cloud or hybrid)", s)
	}
	return m, nil
}

// Pinger is anything that can be probed for reachability. Every store.Store
// satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the notification payload published on every transition.
type Status struct {
	IsCloudAvailable bool      `json:"is_cloud_available"`
	Mode             Mode      `json:"connection_mode"`
	Message          string    `json:"message"`
	Timestamp        time.Time `json:"timestamp"`
}

// Config holds configuration for the manager.
type Config struct {
	// Mode is the initial operating mode.
	Mode Mode

	// ProbeTimeout bounds a single reachability probe.
	ProbeTimeout time.Duration

	// CacheTTL is how long a probe result is trusted by IsCloudReachable.
	CacheTTL time.Duration

	// RefreshInterval is the background probe period. Zero disables it.
	RefreshInterval time.Duration

	// Logger for connection activity
	Logger *log.Logger

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:            ModeHybrid,
		ProbeTimeout:    5 * time.Second,
		CacheTTL:        30 * time.Second,
		RefreshInterval: 30 * time.Second,
		Logger:          log.New(os.Stderr, "[connection] ", log.LstdFlags),
		Now:             time.Now,
	}
}

const subscriberBuffer = 8

// Manager owns connectivity state for one local/cloud pair.
type Manager struct {
	local  Pinger
	cloud  Pinger
	config *Config

	// probeMu serializes probes so concurrent callers share one result.
	probeMu sync.Mutex

	mu        sync.RWMutex
	mode      Mode
	available bool
	message   string
	probedAt  time.Time

	subsMu sync.Mutex
	subs   map[int]chan Status
	nextID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a manager. cloud may be nil when no cloud endpoint is
// configured; the cloud is then never available.
func New(local, cloud Pinger, config *Config) (*Manager, error) {
	if local == nil {
		return nil, fmt.Errorf("local endpoint cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.Mode == "" {
		config.Mode = def.Mode
	}
	if !config.Mode.Valid() {
		return nil, fmt.Errorf("invalid connection mode %q", config.Mode)
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	if config.CacheTTL < 0 {
		config.CacheTTL = 0
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Manager{
		local:   local,
		cloud:   cloud,
		config:  config,
		mode:    config.Mode,
		message: "cloud not probed yet",
		subs:    make(map[int]chan Status),
	}, nil
}

// GetConnectionMode returns the current operating mode.
func (m *Manager) GetConnectionMode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// SetConnectionMode switches the operating mode and notifies subscribers if
// it changed.
func (m *Manager) SetConnectionMode(mode Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid connection mode %q", mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == mode {
		return nil
	}
	m.mode = mode

	m.config.Logger.Printf("Connection mode changed to %s", mode)
	m.publish(m.statusLocked(fmt.Sprintf("connection mode set to %s", mode)))
	return nil
}

// TestLocalConnection probes the local store. Failures map to false.
func (m *Manager) TestLocalConnection(ctx context.Context) bool {
	return m.probe(ctx, m.local) == nil
}

// TestCloudConnection probes the cloud store without touching the cache.
// Failures map to false.
func (m *Manager) TestCloudConnection(ctx context.Context) bool {
	if m.cloud == nil {
		return false
	}
	return m.probe(ctx, m.cloud) == nil
}

// IsCloudAvailable returns the cached availability without probing.
func (m *Manager) IsCloudAvailable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}

// Status returns the cached state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked(m.message)
}

// IsCloudReachable answers from the cache while it is fresh and probes the
// cloud otherwise, updating the cache.
func (m *Manager) IsCloudReachable(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	m.mu.RLock()
	fresh := !m.probedAt.IsZero() && m.config.Now().Sub(m.probedAt) < m.config.CacheTTL
	available := m.available
	m.mu.RUnlock()
	if fresh {
		return available
	}
	return m.refreshLocked(ctx)
}

// CheckCloudStatusNow probes the cloud immediately, bypassing the cache.
func (m *Manager) CheckCloudStatusNow(ctx context.Context) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	return m.refreshLocked(ctx)
}

// refreshLocked probes the cloud and records the result. probeMu must be held.
func (m *Manager) refreshLocked(ctx context.Context) bool {
	var err error
	if m.cloud == nil {
		err = errors.New("no cloud endpoint configured")
	} else {
		err = m.probe(ctx, m.cloud)
	}
	available := err == nil
	message := "cloud reachable"
	if err != nil {
		message = fmt.Sprintf("cloud unreachable: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.available != available
	m.available = available
	m.message = message
	m.probedAt = m.config.Now()

	if changed {
		if available {
			m.config.Logger.Println("Cloud is reachable")
		} else {
			m.config.Logger.Printf("Cloud became unreachable: %v", err)
		}
		m.publish(m.statusLocked(message))
	}
	return available
}

func (m *Manager) probe(ctx context.Context, p Pinger) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	return p.Ping(ctx)
}

func (m *Manager) statusLocked(message string) Status {
	return Status{
		IsCloudAvailable: m.available,
		Mode:             m.mode,
		Message:          message,
		Timestamp:        m.config.Now(),
	}
}

// Subscribe registers for status transitions. The returned function
// unsubscribes and closes the channel. Slow subscribers miss notifications
// rather than block the manager.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, subscriberBuffer)

	m.subsMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subsMu.Unlock()

	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// publish fans status out to subscribers. m.mu must be held so that
// notifications leave in the order the state changed.
func (m *Manager) publish(status Status) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	for id, ch := range m.subs {
		select {
		case ch <- status:
		default:
			m.config.Logger.Printf("Warning: subscriber %d is full, dropping status notification", id)
		}
	}
}

// Start probes the cloud once and then keeps refreshing the cache every
// RefreshInterval until Stop is called or ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.CheckCloudStatusNow(ctx)
	if m.config.RefreshInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.config.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckCloudStatusNow(ctx)
			}
		}
	}()
}

// Stop halts the background refresher and closes every subscription.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.subsMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subsMu.Unlock()
}
