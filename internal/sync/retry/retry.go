// Package retry provides exponential backoff and a cancellable set of
// delayed tasks keyed by queue entry id.
package retry

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// Delay returns base * 2^attempts, capped at max. A non-positive max leaves
// the delay uncapped.
func Delay(base time.Duration, attempts int, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		if max > 0 && d >= max {
			return max
		}
		if d > time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Task describes one scheduled retry.
type Task struct {
	ID  string    `json:"id"`
	Due time.Time `json:"due"`
}

type task struct {
	due   time.Time
	timer clockwork.Timer
}

// Scheduler runs delayed functions on an injectable clock. Scheduling an id
// that is already scheduled replaces the earlier task.
type Scheduler struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
}

// NewScheduler creates a Scheduler.
func NewScheduler(clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clock,
		logger: logger.With("component", "retry"),
		tasks:  make(map[string]*task),
	}
}

// Schedule runs fn after delay under id. It returns false once the
// scheduler is stopped.
func (s *Scheduler) Schedule(id string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old, ok := s.tasks[id]; ok {
		old.timer.Stop()
	}

	t := &task{due: s.clock.Now().Add(delay)}
	t.timer = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.tasks[id] != t {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, id)
		s.mu.Unlock()
		fn()
	})
	s.tasks[id] = t

	s.logger.Debug("retry scheduled", "entry_id", id, "delay", delay)
	return true
}

// Cancel drops the task for id, reporting whether one was pending.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, id)
	return true
}

// Pending returns the scheduled tasks, earliest first.
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for id, t := range s.tasks {
		out = append(out, Task{ID: id, Due: t.due})
	}
	slices.SortFunc(out, func(a, b Task) int {
		return cmp.Or(a.Due.Compare(b.Due), strings.Compare(a.ID, b.ID))
	})
	return out
}

// Stop cancels every task. Later calls to Schedule are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	s.stopped = true
}
