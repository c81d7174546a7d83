// Package connectivity tracks whether the remote API is reachable and
// announces transitions on the bus.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/fieldsync/internal/bus"
	"go.uber.org/zap"
)

// DefaultGrace is how long WasOffline stays set after a reconnection.
const DefaultGrace = 5 * time.Second

// ErrUnsupported is returned by a Source that cannot observe reachability.
var ErrUnsupported = errors.New("connectivity signal unsupported")

// Source reports whether the network is currently reachable.
type Source interface {
	Probe(ctx context.Context) (bool, error)
}

// Signals is the snapshot exposed to the UI.
type Signals struct {
	IsOnline     bool      `json:"isOnline"`
	IsOffline    bool      `json:"isOffline"`
	WasOffline   bool      `json:"wasOffline"`
	LastOnlineAt time.Time `json:"lastOnlineAt"`
}

// Options configures a Monitor.
type Options struct {
	Source   Source
	Interval time.Duration
	Grace    time.Duration
}

// Monitor is the single source of truth for reachability. It starts online
// and never fails: an unsupported source leaves it online for good.
type Monitor struct {
	mu           sync.RWMutex
	online       bool
	wasOffline   bool
	lastOnlineAt time.Time
	gen          uint64
	clearTimer   *time.Timer

	source   Source
	interval time.Duration
	grace    time.Duration
	bus      *bus.Bus
	logger   *zap.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor in the online state.
func NewMonitor(b *bus.Bus, logger *zap.Logger, opts Options) *Monitor {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &Monitor{
		online:       true,
		lastOnlineAt: time.Now(),
		source:       opts.Source,
		interval:     opts.Interval,
		grace:        opts.Grace,
		bus:          b,
		logger:       logger,
		now:          time.Now,
	}
}

// Signals returns the current reachability snapshot.
func (m *Monitor) Signals() Signals {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Signals{
		IsOnline:     m.online,
		IsOffline:    !m.online,
		WasOffline:   m.wasOffline,
		LastOnlineAt: m.lastOnlineAt,
	}
}

// IsOnline reports the current reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline applies a reachability observation. Going offline is immediate.
// Coming back online publishes connectivity.reconnected right away and keeps
// WasOffline set for the grace window only.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if online == m.online {
		if online {
			m.lastOnlineAt = m.now()
		}
		m.mu.Unlock()
		return
	}

	m.online = online
	m.gen++
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}

	if !online {
		m.wasOffline = false
		m.mu.Unlock()
		m.logger.Warn("connectivity lost")
		m.emit(bus.ConnectivityLost)
		return
	}

	m.wasOffline = true
	m.lastOnlineAt = m.now()
	gen := m.gen
	m.clearTimer = time.AfterFunc(m.grace, func() { m.clearBanner(gen) })
	m.mu.Unlock()

	m.logger.Info("connectivity restored")
	m.emit(bus.ConnectivityReconnected)
}

func (m *Monitor) clearBanner(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.wasOffline {
		m.mu.Unlock()
		return
	}
	m.wasOffline = false
	m.clearTimer = nil
	m.mu.Unlock()
	m.emit(bus.ConnectivityBannerCleared)
}

func (m *Monitor) emit(kind string) {
	if m.bus != nil {
		m.bus.Emit(kind, m.Signals())
	}
}

// Start begins probing the source in the background.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx)
}

// Stop ends probing and cancels any pending banner timer.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.mu.Lock()
	if m.clearTimer != nil {
		m.clearTimer.Stop()
		m.clearTimer = nil
	}
	m.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	if m.source == nil {
		m.logger.Info("no connectivity source, assuming online")
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if !m.probe(ctx) {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// probe runs one observation. It returns false when probing should stop.
func (m *Monitor) probe(ctx context.Context) bool {
	ok, err := m.source.Probe(ctx)
	switch {
	case errors.Is(err, ErrUnsupported):
		m.logger.Info("connectivity signal unsupported, assuming online")
		m.SetOnline(true)
		return false
	case ctx.Err() != nil:
		return false
	case err != nil:
		m.logger.Debug("connectivity probe failed", zap.Error(err))
		m.SetOnline(false)
	default:
		m.SetOnline(ok)
	}
	return true
}
