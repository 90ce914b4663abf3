// Package optimistic applies user mutations to the local store immediately
// and forwards them to the server, inline when possible and through the
// mutation queue otherwise.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/store"
	syncpkg "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/queue"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/uuid"
)

// Remote performs single-entity writes.
type Remote interface {
	Create(ctx context.Context, e models.Entity, key string) (models.Entity, error)
	Update(ctx context.Context, id string, e models.Entity, base time.Time) (models.Entity, error)
	Delete(ctx context.Context, t models.EntityType, id string) error
}

// Online reports connectivity.
type Online interface {
	Online() bool
}

// Options wires a Layer. OnQueued, Clock and Logger are optional.
type Options struct {
	Store   *store.Store
	Queue   *queue.Queue
	Applier *syncpkg.Applier
	Remote  Remote
	Online  Online
	// OnQueued is called after a mutation was queued instead of being
	// acknowledged inline.
	OnQueued func()
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

// Layer is the optimistic update layer.
type Layer struct {
	store    *store.Store
	queue    *queue.Queue
	applier  *syncpkg.Applier
	remote   Remote
	online   Online
	onQueued func()
	clock    clockwork.Clock
	logger   *slog.Logger
	locks    *keyedMutex
}

// New creates a Layer.
func New(opts Options) *Layer {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Layer{
		store:    opts.Store,
		queue:    opts.Queue,
		applier:  opts.Applier,
		remote:   opts.Remote,
		online:   opts.Online,
		onQueued: opts.OnQueued,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "optimistic"),
		locks:    newKeyedMutex(),
	}
}

// Create stores a new entity under a temp id and sends it to the server.
// The returned record carries the server id when the create was
// acknowledged inline.
func (l *Layer) Create(ctx context.Context, t models.EntityType, e models.Entity) (*models.Record, error) {
	if e == nil || e.Type() != t {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("expected a %s entity", t))
	}
	e = e.Clone()
	now := l.clock.Now().UTC()
	meta := e.Meta()
	meta.ID = uuid.NewTemp()
	meta.CreatedAt = now
	meta.UpdatedAt = now
	if err := e.Validate(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(meta.ID)
	defer unlock()

	return l.apply(ctx, models.OperationCreate, meta.ID, func(tx *store.Tx) (*models.Record, error) {
		return tx.Put(ctx, &models.Record{Entity: e}, store.PutOptions{})
	})
}

// Update merges patch into the stored entity. The merged entity must be
// valid; nothing is written otherwise.
func (l *Layer) Update(ctx context.Context, t models.EntityType, id string, patch models.Patch) (*models.Record, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	return l.apply(ctx, models.OperationUpdate, id, func(tx *store.Tx) (*models.Record, error) {
		cur, err := tx.Get(ctx, t, id)
		if err != nil {
			return nil, err
		}
		if cur == nil || cur.Deleted {
			return nil, apperrors.NotFound(fmt.Sprintf("%s %s", t, id))
		}
		merged, err := models.ApplyPatch(cur.Entity, patch)
		if err != nil {
			return nil, err
		}
		merged.Meta().UpdatedAt = l.clock.Now().UTC()
		if err := merged.Validate(); err != nil {
			return nil, err
		}
		return tx.Put(ctx, &models.Record{Entity: merged}, store.PutOptions{})
	})
}

// Delete removes an entity. A record that never reached the server is
// dropped together with its queued create. Deleting an already deleted
// record is a no-op.
func (l *Layer) Delete(ctx context.Context, t models.EntityType, id string) error {
	unlock := l.locks.Lock(id)
	defer unlock()

	cur, err := l.store.Get(ctx, t, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return apperrors.NotFound(fmt.Sprintf("%s %s", t, id))
	}
	if cur.Deleted {
		return nil
	}

	if uuid.IsTemp(id) {
		dropped, err := l.dropLocalOnly(ctx, t, id)
		if err != nil || dropped {
			return err
		}
	}

	_, err = l.apply(ctx, models.OperationDelete, id, func(tx *store.Tx) (*models.Record, error) {
		return tx.Delete(ctx, t, id)
	})
	return err
}

// dropLocalOnly purges a temp record and its queued entries unless one of
// them is already being sent.
func (l *Layer) dropLocalOnly(ctx context.Context, t models.EntityType, id string) (bool, error) {
	entries, err := l.queue.EntriesFor(ctx, id)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Status == models.QueueStatusProcessing {
			return false, nil
		}
	}
	err = l.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := l.queue.RemoveForEntityTx(ctx, tx.SQL(), id); err != nil {
			return err
		}
		return tx.Purge(ctx, t, id)
	})
	if err != nil {
		return false, err
	}
	l.logger.Debug("dropped local-only record", "entity_type", t, "id", id)
	return true, nil
}

// apply runs write and either sends the result inline or queues it. write
// runs inside a store transaction; when the mutation is queued the entry
// joins that transaction.
func (l *Layer) apply(ctx context.Context, op models.Operation, id string, write func(*store.Tx) (*models.Record, error)) (*models.Record, error) {
	inline, err := l.sendable(ctx, op, id)
	if err != nil {
		return nil, err
	}

	var rec *models.Record
	err = l.store.Update(ctx, func(tx *store.Tx) error {
		var err error
		rec, err = write(tx)
		if err != nil {
			return err
		}
		if inline && op != models.OperationDelete && referencesTemp(rec.Entity) {
			inline = false
		}
		if inline {
			return nil
		}
		_, err = l.queue.EnqueueTx(ctx, tx.SQL(), newEntry(op, rec, ""))
		return err
	})
	if err != nil {
		return nil, err
	}
	if !inline {
		l.queued(rec)
		return rec, nil
	}
	return l.send(ctx, op, rec)
}

// sendable reports whether the mutation may skip the queue: the server is
// reachable, nothing for the entity is queued and the entity already has a
// server id unless it is being created.
func (l *Layer) sendable(ctx context.Context, op models.Operation, id string) (bool, error) {
	if l.online == nil || l.remote == nil || !l.online.Online() {
		return false, nil
	}
	if op != models.OperationCreate && uuid.IsTemp(id) {
		return false, nil
	}
	entries, err := l.queue.EntriesFor(ctx, id)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func referencesTemp(e models.Entity) bool {
	for _, ref := range models.References(e) {
		if uuid.IsTemp(ref) {
			return true
		}
	}
	return false
}

// send performs the inline write. The idempotency key is reused as the queue
// entry id when the write has to be retried, so the server applies a create
// at most once. The local writes after the call ignore ctx cancellation so a
// cancelled write still ends up queued.
func (l *Layer) send(ctx context.Context, op models.Operation, rec *models.Record) (*models.Record, error) {
	lctx := context.WithoutCancel(ctx)
	key := uuid.New()
	log := l.logger.With("op", op, "entity_type", rec.Type, "id", rec.ID)

	var (
		server models.Entity
		err    error
	)
	switch op {
	case models.OperationCreate:
		server, err = l.remote.Create(ctx, rec.Entity, key)
	case models.OperationUpdate:
		server, err = l.remote.Update(ctx, rec.ID, rec.Entity, rec.BaseTime())
	case models.OperationDelete:
		err = l.remote.Delete(ctx, rec.Type, rec.ID)
	}

	if err == nil {
		if op == models.OperationDelete {
			return nil, l.applier.Remove(lctx, rec.Type, rec.ID, "", false)
		}
		stored, err := l.applier.Confirm(lctx, rec.ID, rec.Version, server, "")
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return rec, nil
		}
		return stored, nil
	}

	if apperrors.Is(err, apperrors.ErrNotFound) && op != models.OperationCreate {
		log.Info("entity gone on server, purging")
		if rmErr := l.applier.Remove(lctx, rec.Type, rec.ID, "", true); rmErr != nil {
			return nil, rmErr
		}
		if op == models.OperationDelete {
			return nil, nil
		}
		return nil, err
	}

	if _, qerr := l.queue.Enqueue(lctx, newEntry(op, rec, key)); qerr != nil {
		return nil, fmt.Errorf("queue after failed write: %w", qerr)
	}

	if apperrors.Is(err, apperrors.ErrValidation) {
		log.Warn("server rejected mutation", "error", err)
		if _, rerr := l.applier.Reject(lctx, key, err); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		return rec, err
	}

	log.Debug("inline write failed, queued", "error", err)
	l.queued(rec)
	return rec, nil
}

func (l *Layer) queued(rec *models.Record) {
	l.logger.Debug("mutation queued", "entity_type", rec.Type, "id", rec.ID, "version", rec.Version)
	if l.onQueued != nil {
		l.onQueued()
	}
}

func newEntry(op models.Operation, rec *models.Record, id string) *models.QueueEntry {
	entry := &models.QueueEntry{
		ID:            id,
		Operation:     op,
		EntityType:    rec.Type,
		EntityID:      rec.ID,
		RecordVersion: rec.Version,
	}
	if op != models.OperationDelete {
		// Encoding a stored entity cannot fail; it was decoded from JSON.
		entry.Payload, _ = models.Encode(rec.Entity)
	}
	return entry
}
