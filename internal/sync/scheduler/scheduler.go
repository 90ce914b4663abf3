// Package scheduler decides when the sync engine runs: on a fixed interval,
// when connectivity returns and on request.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	syncpkg "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync"
)

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) (*syncpkg.Result, error)
}

// Config holds scheduler configuration.
type Config struct {
	Interval     time.Duration // How often to sync while online (default: 30 seconds)
	CycleTimeout time.Duration // Upper bound for one cycle (default: 5 minutes)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		CycleTimeout: 5 * time.Minute,
	}
}

type reason string

const (
	reasonTick         reason = "tick"
	reasonConnectivity reason = "connectivity"
	reasonTrigger      reason = "trigger"
)

// Status is a snapshot of the scheduler.
type Status struct {
	Running      bool       `json:"running"`
	Online       bool       `json:"online"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	Cycles       int        `json:"cycles"`
}

// Scheduler feeds sync requests from every source into one goroutine.
// Requests arriving while a cycle is queued are coalesced into it.
type Scheduler struct {
	syncer   Syncer
	interval time.Duration
	timeout  time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	requests chan reason

	mu       sync.RWMutex
	running  bool // started with Start
	loops    int  // active Run calls
	online   bool
	lastSync time.Time
	lastErr  error
	cycles   int
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Scheduler. Zero config fields take their defaults.
func New(syncer Syncer, online bool, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = def.CycleTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		syncer:   syncer,
		interval: cfg.Interval,
		timeout:  cfg.CycleTimeout,
		clock:    clock,
		logger:   logger.With("component", "scheduler"),
		requests: make(chan reason, 1),
		online:   online,
	}
}

// OnTick requests a periodic cycle.
func (s *Scheduler) OnTick() {
	s.request(reasonTick)
}

// OnConnectivityChange records the new state. Coming online requests a cycle.
func (s *Scheduler) OnConnectivityChange(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	s.mu.Unlock()

	if was != online {
		s.logger.Info("online status changed", "was_online", was, "is_online", online)
	}
	if online && !was {
		s.request(reasonConnectivity)
	}
}

// Trigger requests a cycle as soon as possible.
func (s *Scheduler) Trigger() {
	s.request(reasonTrigger)
}

func (s *Scheduler) request(r reason) {
	select {
	case s.requests <- r:
	default:
		s.logger.Debug("sync request coalesced", "reason", r)
	}
}

// Run processes requests and ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.mu.Lock()
	s.loops++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.loops--
		s.mu.Unlock()
	}()

	s.logger.Info("sync scheduler started", "interval", s.interval)
	defer s.logger.Info("sync scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.handle(ctx, reasonTick)
		case r := <-s.requests:
			s.handle(ctx, r)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, r reason) {
	if !s.IsOnline() {
		s.logger.Debug("skipping sync while offline", "reason", r)
		return
	}
	if _, err := s.runCycle(ctx, r); err != nil {
		s.logger.Warn("scheduled sync failed", "reason", r, "error", err)
	}
}

func (s *Scheduler) runCycle(ctx context.Context, r reason) (*syncpkg.Result, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.syncer.Sync(cctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
	if err == nil && res != nil && !res.Skipped {
		s.cycles++
		s.lastSync = s.clock.Now()
		s.logger.Debug("sync cycle finished", "reason", r, "pushed", res.Pushed, "pulled", res.Pulled)
	}
	return res, err
}

// Start runs the scheduler in the background. Calling Start on a running
// scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
}

// Stop halts a scheduler started with Start and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// SyncNow runs a cycle on the caller's goroutine regardless of connectivity
// and returns its result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	return s.runCycle(ctx, reasonTrigger)
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// IsRunning returns whether the scheduler was started or its loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running || s.loops > 0
}

// Status returns the current status of the scheduler.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Running: s.running || s.loops > 0,
		Online:  s.online,
		Cycles:  s.cycles,
	}
	if !s.lastSync.IsZero() {
		last := s.lastSync
		st.LastSyncTime = &last
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
