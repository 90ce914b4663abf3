// Package services exposes the sync core to the UI layer. DataService is the
// composition root: it builds every component from configuration and owns
// their lifecycle.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/cache"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/config"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/connectivity"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/db"
	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/optimistic"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/remote"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/store"
	syncpkg "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/conflict"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/queue"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/retry"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/scheduler"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/uuid"
)

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	clock clockwork.Clock
}

// WithClock replaces the wall clock, e.g. with a fake in tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// DataService is the facade the UI talks to.
type DataService struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger *slog.Logger

	db        *db.DB
	cache     *cache.Cache
	bus       *events.Bus
	store     *store.Store
	queue     *queue.Queue
	remote    *remote.Client
	conflicts *conflict.Log
	applier   *syncpkg.Applier
	engine    *syncpkg.Engine
	layer     *optimistic.Layer
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	scheduler *scheduler.Scheduler
	ws        *events.WSServer
}

// SyncStatus is what the UI shows about synchronization.
type SyncStatus struct {
	*syncpkg.Status
	Online        bool                 `json:"online"`
	FailedEntries []*models.QueueEntry `json:"failedEntries"`
	Scheduler     scheduler.Status     `json:"scheduler"`
	Cache         cache.Stats          `json:"cache"`
}

// Build opens the database and wires every component.
func Build(cfg *config.Config, logger *slog.Logger, opts ...Option) (*DataService, error) {
	o := buildOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &DataService{cfg: cfg, clock: o.clock, logger: logger.With("component", "service"), db: database}
	if err := s.wire(logger); err != nil {
		database.Close()
		return nil, err
	}
	return s, nil
}

func (s *DataService) wire(logger *slog.Logger) error {
	cfg, clock := s.cfg, s.clock

	c, err := cache.New(cfg.Cache.Size)
	if err != nil {
		return err
	}
	s.cache = c
	s.bus = events.NewBus(clock, logger)

	s.store, err = store.New(s.db, store.Options{Cache: c, Events: s.bus, Clock: clock, Logger: logger})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.queue = queue.New(s.db, queue.Config{
		MaxSize:    cfg.Sync.QueueMaxSize,
		MaxRetries: cfg.Sync.MaxRetries,
	}, clock, logger)
	s.remote = remote.New(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: cfg.Remote.RequestTimeout,
	}, logger)
	s.conflicts = conflict.NewLog(s.db)
	s.applier = syncpkg.NewApplier(s.store, s.queue, s.bus, logger)

	s.engine = syncpkg.NewEngine(syncpkg.Options{
		Store:     s.store,
		Queue:     s.queue,
		Remote:    s.remote,
		Resolver:  conflict.NewResolver(cfg.Sync.Policy(), clock, logger),
		Conflicts: s.conflicts,
		Retry:     retry.NewScheduler(clock, logger),
		Applier:   s.applier,
		Meta:      s.db,
		Events:    s.bus,
		Clock:     clock,
		Logger:    logger,
		Config: syncpkg.Config{
			RetryBaseDelay: cfg.Sync.RetryBaseDelay,
			RetryMaxDelay:  cfg.Sync.RetryMaxDelay,
		},
	})

	s.monitor = connectivity.NewMonitor(false, s.bus, logger)
	s.prober = connectivity.NewProber(s.remote, s.monitor, cfg.Sync.ProbeInterval, clock, logger)
	s.scheduler = scheduler.New(s.engine, s.monitor.Online(), scheduler.Config{
		Interval:     cfg.Sync.Interval,
		CycleTimeout: cfg.Sync.CycleTimeout,
	}, clock, logger)

	s.monitor.OnChange(s.scheduler.OnConnectivityChange)
	s.engine.SetTrigger(s.scheduler.Trigger)

	s.layer = optimistic.New(optimistic.Options{
		Store:    s.store,
		Queue:    s.queue,
		Applier:  s.applier,
		Remote:   s.remote,
		Online:   s.monitor,
		OnQueued: s.scheduler.Trigger,
		Clock:    clock,
		Logger:   logger,
	})

	if cfg.Events.WSAddr != "" {
		s.ws = events.NewWSServer(s.bus, cfg.Events.WSAddr, logger)
	}
	return nil
}

// Run recovers interrupted work and then drives connectivity probing, the
// sync scheduler and the optional event server until ctx is done.
func (s *DataService) Run(ctx context.Context) error {
	if err := s.engine.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	if s.ws != nil {
		if err := s.ws.Start(); err != nil {
			return fmt.Errorf("start event server: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.prober.Run(ctx) })
	g.Go(func() error { return s.scheduler.Run(ctx) })
	if s.ws != nil {
		g.Go(func() error {
			<-ctx.Done()
			return s.ws.Stop()
		})
	}

	s.logger.Info("sync service running", "remote", s.cfg.Remote.BaseURL, "policy", s.cfg.Sync.Policy())
	return g.Wait()
}

// Close stops retries and closes the database.
func (s *DataService) Close() error {
	s.engine.Stop()
	return s.db.Close()
}

// CheckConnectivity probes the server once and returns the result.
func (s *DataService) CheckConnectivity(ctx context.Context) bool {
	return s.prober.Probe(ctx)
}

// Online reports the last known connectivity.
func (s *DataService) Online() bool {
	return s.monitor.Online()
}

// Read returns a live entity. Soft-deleted and absent entities are NOT_FOUND.
func (s *DataService) Read(ctx context.Context, t models.EntityType, id string) (*models.Record, error) {
	rec, err := s.store.Get(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Deleted {
		return nil, apperrors.NotFound(fmt.Sprintf("%s %s", t, id))
	}
	return rec, nil
}

// List returns the entities of t matching f.
func (s *DataService) List(ctx context.Context, t models.EntityType, f store.Filter) ([]*models.Record, error) {
	return s.store.GetAll(ctx, t, f)
}

// Mutate applies a create, update or delete. payload is the entity for a
// create and a field patch for an update; it is ignored for a delete.
func (s *DataService) Mutate(ctx context.Context, t models.EntityType, op models.Operation, id string, payload json.RawMessage) (*models.Record, error) {
	if !t.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %q", t))
	}
	switch op {
	case models.OperationCreate:
		e, err := models.DecodeEntity(t, payload)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode entity", err)
		}
		return s.layer.Create(ctx, t, e)
	case models.OperationUpdate:
		var patch models.Patch
		if err := json.Unmarshal(payload, &patch); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode patch", err)
		}
		return s.layer.Update(ctx, t, id, patch)
	case models.OperationDelete:
		return nil, s.layer.Delete(ctx, t, id)
	}
	return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", op))
}

// GetSyncStatus reports queue counts, the engine state and failed entries.
func (s *DataService) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := s.queue.Failed(ctx)
	if err != nil {
		return nil, err
	}
	return &SyncStatus{
		Status:        st,
		Online:        s.monitor.Online(),
		FailedEntries: failed,
		Scheduler:     s.scheduler.Status(),
		Cache:         s.cache.Stats(),
	}, nil
}

// ForceSync runs a cycle now. full forgets the watermark first and pulls
// every collection.
func (s *DataService) ForceSync(ctx context.Context, full bool) (*syncpkg.Result, error) {
	var (
		res *syncpkg.Result
		err error
	)
	if full {
		res, err = s.engine.FullSync(ctx)
	} else {
		res, err = s.scheduler.SyncNow(ctx)
	}
	if err != nil {
		return res, err
	}
	if res.Skipped {
		return res, apperrors.New(apperrors.ErrSyncInProgress, "a sync cycle is already running")
	}
	return res, nil
}

// RetryFailed resets a failed entry and schedules a cycle.
func (s *DataService) RetryFailed(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := s.queue.RetryEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	s.scheduler.Trigger()
	return entry, nil
}

// RetryAllFailed resets every failed entry and schedules a cycle.
func (s *DataService) RetryAllFailed(ctx context.Context) (int, error) {
	n, err := s.queue.RetryAll(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.scheduler.Trigger()
	}
	return n, nil
}

// DiscardFailed drops a failed entry. When it was the entity's last queued
// change the local copy is reverted: a record the server never saw is
// purged, any other is replaced by the server copy when reachable.
func (s *DataService) DiscardFailed(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.QueueStatusFailed {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("entry %s is not failed", id))
	}
	if _, err := s.queue.Discard(ctx, id); err != nil {
		return nil, err
	}

	rest, err := s.queue.EntriesFor(ctx, entry.EntityID)
	if err != nil || len(rest) > 0 {
		return entry, err
	}
	return entry, s.revert(ctx, entry.EntityType, entry.EntityID)
}

func (s *DataService) revert(ctx context.Context, t models.EntityType, id string) error {
	log := s.logger.With("entity_type", t, "id", id)
	if uuid.IsTemp(id) {
		log.Info("discarded change was never pushed, purging")
		return s.store.Purge(ctx, t, id)
	}

	server, err := s.remote.Get(ctx, t, id)
	switch {
	case err == nil:
		_, err = s.applier.Adopt(ctx, server, 0)
		return err
	case apperrors.Is(err, apperrors.ErrNotFound):
		return s.applier.Remove(ctx, t, id, "", true)
	default:
		// The record stays unsynced until the server copy can be fetched.
		log.Warn("could not revert discarded change", "error", err)
		return nil
	}
}

// Conflicts returns the most recent conflict resolutions.
func (s *DataService) Conflicts(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	return s.conflicts.Recent(ctx, limit)
}

// QueueEntries lists every queued mutation in drain order.
func (s *DataService) QueueEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	return s.queue.All(ctx)
}

// Subscribe returns a subscription to change and sync events.
func (s *DataService) Subscribe(buffer int) *events.Subscription {
	return s.bus.Subscribe(buffer)
}

// EventsAddr returns the websocket event server address, or "" when the
// server is disabled.
func (s *DataService) EventsAddr() string {
	if s.ws == nil {
		return ""
	}
	return s.ws.Addr()
}
