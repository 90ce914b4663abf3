// Package sync moves local mutations to the server and server changes into
// the local record store.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/remote"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/store"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/conflict"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/queue"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/retry"
)

// WatermarkKey is the sync_meta key holding the last successful pull time.
const WatermarkKey = "last_sync_time"

// State is the phase of the engine.
type State string

const (
	StateIdle     State = "idle"
	StatePushing  State = "pushing"
	StatePulling  State = "pulling"
	StateConflict State = "conflict"
)

// Remote is the subset of the REST client the engine drives.
type Remote interface {
	Create(ctx context.Context, e models.Entity, key string) (models.Entity, error)
	Update(ctx context.Context, id string, e models.Entity, base time.Time) (models.Entity, error)
	Delete(ctx context.Context, t models.EntityType, id string) error
	Get(ctx context.Context, t models.EntityType, id string) (models.Entity, error)
	Push(ctx context.Context, items []remote.PushItem) ([]remote.RemoteEntity, error)
	Pull(ctx context.Context, since time.Time) (*remote.PullResponse, error)
}

// Meta persists small engine values such as the watermark.
type Meta interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	DeleteMeta(ctx context.Context, key string) error
}

// Config tunes retry timing.
type Config struct {
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Options wires an Engine. Events, Clock and Logger are optional.
type Options struct {
	Store     *store.Store
	Queue     *queue.Queue
	Remote    Remote
	Resolver  *conflict.Resolver
	Conflicts *conflict.Log
	Retry     *retry.Scheduler
	Applier   *Applier
	Meta      Meta
	Events    events.Publisher
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Config    Config
}

// Result summarizes one sync cycle.
type Result struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Failed    int           `json:"failed"`
	Purged    int           `json:"purged"`
	Orphans   int           `json:"orphans"`
	// Skipped is set when another cycle was already running.
	Skipped bool `json:"skipped"`
}

// Status is the externally visible sync status.
type Status struct {
	Pending          int        `json:"pending"`
	Failed           int        `json:"failed"`
	LastSyncTime     *time.Time `json:"lastSyncTime,omitempty"`
	InProgress       bool       `json:"inProgress"`
	State            State      `json:"state"`
	LastError        string     `json:"lastError,omitempty"`
	ScheduledRetries int        `json:"scheduledRetries"`
}

// Engine runs sync cycles. At most one cycle runs at a time.
type Engine struct {
	store     *store.Store
	queue     *queue.Queue
	remote    Remote
	resolver  *conflict.Resolver
	conflicts *conflict.Log
	retry     *retry.Scheduler
	applier   *Applier
	meta      Meta
	events    events.Publisher
	clock     clockwork.Clock
	logger    *slog.Logger
	cfg       Config

	running atomic.Bool
	trigger atomic.Pointer[func()]

	mu      sync.Mutex
	state   State
	lastErr error
}

// NewEngine creates an Engine.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config.RetryBaseDelay <= 0 {
		opts.Config.RetryBaseDelay = retry.DefaultBaseDelay
	}
	if opts.Config.RetryMaxDelay <= 0 {
		opts.Config.RetryMaxDelay = retry.DefaultMaxDelay
	}
	if opts.Retry == nil {
		opts.Retry = retry.NewScheduler(opts.Clock, opts.Logger)
	}
	if opts.Applier == nil {
		opts.Applier = NewApplier(opts.Store, opts.Queue, opts.Events, opts.Logger)
	}
	return &Engine{
		store:     opts.Store,
		queue:     opts.Queue,
		remote:    opts.Remote,
		resolver:  opts.Resolver,
		conflicts: opts.Conflicts,
		retry:     opts.Retry,
		applier:   opts.Applier,
		meta:      opts.Meta,
		events:    opts.Events,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "sync"),
		cfg:       opts.Config,
		state:     StateIdle,
	}
}

// SetTrigger registers the function a fired retry calls to request a cycle.
func (e *Engine) SetTrigger(fn func()) {
	e.trigger.Store(&fn)
}

// State returns the current phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InProgress reports whether a cycle is running.
func (e *Engine) InProgress() bool {
	return e.running.Load()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	changed := e.state != s
	e.state = s
	e.mu.Unlock()
	if changed {
		e.logger.Debug("sync state", "state", s)
		e.publish(events.Event{Type: events.SyncState, Data: s})
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.events != nil {
		e.events.Publish(ev)
	}
}

// Sync runs one push and pull cycle. A call made while a cycle is in flight
// returns immediately with Result.Skipped set.
//
// Per-entry push failures are recorded on the entry and do not fail the
// cycle. The watermark only advances when the pull phase completes.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress, skipping")
		return &Result{Skipped: true}, nil
	}
	defer e.running.Store(false)

	res := &Result{StartTime: e.clock.Now()}
	err := e.cycle(ctx, res)
	res.EndTime = e.clock.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	e.setState(StateIdle)

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("sync failed", "error", err, "pushed", res.Pushed, "failed", res.Failed)
		e.publish(events.Event{Type: events.SyncFailed, Data: err.Error()})
		return res, err
	}
	e.logger.Info("sync completed",
		"pushed", res.Pushed,
		"pulled", res.Pulled,
		"conflicts", res.Conflicts,
		"failed", res.Failed,
		"purged", res.Purged,
		"duration", res.Duration)
	e.publish(events.Event{Type: events.SyncCompleted, Data: res})
	return res, nil
}

func (e *Engine) cycle(ctx context.Context, res *Result) error {
	if n, err := e.queue.RequeueDue(ctx); err != nil {
		return fmt.Errorf("requeue due entries: %w", err)
	} else if n > 0 {
		e.logger.Debug("requeued due entries", "count", n)
	}

	e.setState(StatePushing)
	if err := e.push(ctx, res); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	e.setState(StatePulling)
	watermark, err := e.pull(ctx, res)
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}

	if err := e.meta.SetMeta(ctx, WatermarkKey, watermark.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	return nil
}

// FullSync forgets the watermark, pushes unsynced records that lost their
// queue entries and runs a cycle that pulls every collection.
func (e *Engine) FullSync(ctx context.Context) (*Result, error) {
	if err := e.meta.DeleteMeta(ctx, WatermarkKey); err != nil {
		return nil, err
	}
	orphans, err := e.reconcileOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile orphans: %w", err)
	}
	res, err := e.Sync(ctx)
	if res != nil {
		res.Orphans = orphans
	}
	return res, err
}

// Recover prepares the queue after a restart: entries left processing by a
// crash become pending again and orphaned unsynced records are pushed. An
// unreachable server is not an error; the orphans are retried on the next
// recovery or full sync.
func (e *Engine) Recover(ctx context.Context) error {
	n, err := e.queue.RecoverProcessing(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info("recovered interrupted entries", "count", n)
	}
	if _, err := e.reconcileOrphans(ctx); err != nil {
		e.logger.Warn("orphan reconciliation skipped", "error", err)
	}
	return nil
}

// LastSyncTime returns the persisted watermark, or nil before the first sync.
func (e *Engine) LastSyncTime(ctx context.Context) (*time.Time, error) {
	v, err := e.meta.GetMeta(ctx, WatermarkKey)
	if err != nil || v == "" {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, fmt.Errorf("parse watermark %q: %w", v, err)
	}
	return &t, nil
}

// Status reports queue counts and the engine state.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	stats, err := e.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	last, err := e.LastSyncTime(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st := &Status{
		Pending:          stats.Pending + stats.Processing + stats.Failed,
		Failed:           stats.Terminal,
		LastSyncTime:     last,
		InProgress:       e.running.Load(),
		State:            e.state,
		ScheduledRetries: len(e.retry.Pending()),
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()
	return st, nil
}

// Stop cancels scheduled retries.
func (e *Engine) Stop() {
	e.retry.Stop()
}
