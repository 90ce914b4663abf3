// Package connectivity tracks whether the remote server is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
)

// DefaultProbeInterval is how often the Prober checks the server.
const DefaultProbeInterval = 15 * time.Second

// Monitor holds the online flag and notifies listeners of transitions.
type Monitor struct {
	online atomic.Bool
	events events.Publisher
	logger *slog.Logger

	mu        sync.Mutex
	listeners []func(online bool)
}

// NewMonitor creates a Monitor with an initial state. pub may be nil.
func NewMonitor(initial bool, pub events.Publisher, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{events: pub, logger: logger.With("component", "connectivity")}
	m.online.Store(initial)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers fn to be called after every transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Set updates the state and reports whether it changed. Listeners run
// synchronously on the caller's goroutine.
func (m *Monitor) Set(online bool) bool {
	if m.online.Swap(online) == online {
		return false
	}
	m.logger.Info("connectivity changed", "online", online)
	if m.events != nil {
		m.events.Publish(events.Event{Type: events.Connectivity, Data: map[string]bool{"online": online}})
	}

	m.mu.Lock()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// Checker is implemented by the remote client.
type Checker interface {
	Health(ctx context.Context) error
}

// Prober polls a Checker and feeds the result into a Monitor.
type Prober struct {
	checker  Checker
	monitor  *Monitor
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewProber creates a Prober.
func NewProber(checker Checker, monitor *Monitor, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		checker:  checker,
		monitor:  monitor,
		interval: interval,
		clock:    clock,
		logger:   logger.With("component", "prober"),
	}
}

// Probe checks the server once and updates the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	err := p.checker.Health(ctx)
	if err != nil {
		p.logger.Debug("health check failed", "error", err)
	}
	p.monitor.Set(err == nil)
	return err == nil
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			p.Probe(ctx)
		}
	}
}
