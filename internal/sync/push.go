package sync

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/remote"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/conflict"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/retry"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/uuid"
)

var errStaleResolution = errors.New("record changed while resolving conflict")

// push drains eligible entries in priority order, one at a time. Only local
// storage failures abort the phase.
func (e *Engine) push(ctx context.Context, res *Result) error {
	entries, err := e.queue.DequeueByPriority(ctx)
	if err != nil {
		return err
	}

	// Entities whose earlier entry did not complete in this cycle.
	stalled := make(map[string]bool)

	for _, snap := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		// An earlier acknowledgement may have rewritten the entry.
		entry, err := e.queue.Get(ctx, snap.ID)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !entry.Eligible() || stalled[entry.EntityID] {
			continue
		}
		if ref, err := e.pendingReference(ctx, entry); err != nil {
			return err
		} else if ref != "" {
			e.logger.Debug("entry waits for referenced create", "entry_id", entry.ID, "ref", ref)
			stalled[entry.EntityID] = true
			continue
		}

		claimed, err := e.queue.MarkStatus(ctx, entry.ID, models.QueueStatusProcessing, "")
		if apperrors.Is(err, apperrors.ErrConflict) {
			stalled[entry.EntityID] = true
			continue
		}
		if err != nil {
			return err
		}

		if !e.pushEntry(ctx, claimed, res) {
			stalled[claimed.EntityID] = true
		}
	}
	return nil
}

// pendingReference returns a temp id the entry's payload points at while the
// record it names still waits for its own create to be acknowledged.
func (e *Engine) pendingReference(ctx context.Context, entry *models.QueueEntry) (string, error) {
	if entry.Operation == models.OperationDelete || len(entry.Payload) == 0 {
		return "", nil
	}
	ent, err := models.DecodeEntity(entry.EntityType, entry.Payload)
	if err != nil {
		return "", nil
	}
	for _, ref := range models.References(ent) {
		if !uuid.IsTemp(ref) {
			continue
		}
		for _, t := range models.EntityTypes {
			rec, err := e.store.Get(ctx, t, ref)
			if err != nil {
				return "", err
			}
			if rec != nil {
				return ref, nil
			}
		}
	}
	return "", nil
}

// pushEntry sends one claimed entry and applies the outcome. It reports
// whether the entry left the queue. Remote calls honour ctx; the local writes
// that settle the entry run even after ctx is cancelled, so a claimed entry
// never stays processing.
func (e *Engine) pushEntry(ctx context.Context, entry *models.QueueEntry, res *Result) bool {
	lctx := context.WithoutCancel(ctx)
	log := e.logger.With("entry_id", entry.ID, "op", entry.Operation, "entity_type", entry.EntityType, "entity_id", entry.EntityID)

	var ent models.Entity
	if entry.Operation != models.OperationDelete {
		var err error
		ent, err = models.DecodeEntity(entry.EntityType, entry.Payload)
		if err != nil {
			e.reject(lctx, entry, err, res)
			return false
		}
	}

	var err error
	switch entry.Operation {
	case models.OperationCreate:
		var server models.Entity
		server, err = e.remote.Create(ctx, ent, entry.ID)
		if err == nil {
			_, err = e.applier.Confirm(lctx, entry.EntityID, entry.RecordVersion, server, entry.ID)
			if err != nil {
				log.Error("apply create ack", "error", err)
				e.fail(lctx, entry, err, res)
				return false
			}
			res.Pushed++
			return true
		}
	case models.OperationUpdate:
		var base time.Time
		if cur, gerr := e.store.Get(lctx, entry.EntityType, entry.EntityID); gerr == nil && cur != nil {
			base = cur.BaseTime()
		}
		var server models.Entity
		server, err = e.remote.Update(ctx, entry.EntityID, ent, base)
		if err == nil {
			_, err = e.applier.Confirm(lctx, entry.EntityID, entry.RecordVersion, server, entry.ID)
			if err != nil {
				log.Error("apply update ack", "error", err)
				e.fail(lctx, entry, err, res)
				return false
			}
			res.Pushed++
			return true
		}
	case models.OperationDelete:
		err = e.remote.Delete(ctx, entry.EntityType, entry.EntityID)
		if err == nil {
			if err := e.applier.Remove(lctx, entry.EntityType, entry.EntityID, entry.ID, false); err != nil {
				e.fail(lctx, entry, err, res)
				return false
			}
			res.Pushed++
			return true
		}
	}

	var cerr *apperrors.ConflictError
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		log.Info("entity gone on server, purging")
		if err := e.applier.Remove(lctx, entry.EntityType, entry.EntityID, entry.ID, true); err != nil {
			e.fail(lctx, entry, err, res)
			return false
		}
		res.Purged++
		return true
	case errors.As(err, &cerr):
		return e.resolvePushConflict(ctx, entry, cerr, res)
	case apperrors.Is(err, apperrors.ErrValidation):
		e.reject(lctx, entry, err, res)
		return false
	default:
		log.Warn("push failed", "error", err)
		e.fail(lctx, entry, err, res)
		return false
	}
}

// resolvePushConflict handles a 409. The resolution covers every local edit
// of the entity, so the entity's other queued entries are dropped with it.
func (e *Engine) resolvePushConflict(ctx context.Context, entry *models.QueueEntry, cerr *apperrors.ConflictError, res *Result) bool {
	lctx := context.WithoutCancel(ctx)
	e.setState(StateConflict)
	defer e.setState(StatePushing)

	server, err := e.serverCopy(ctx, entry, cerr)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		if err := e.applier.Remove(lctx, entry.EntityType, entry.EntityID, entry.ID, true); err != nil {
			e.fail(lctx, entry, err, res)
			return false
		}
		res.Purged++
		return true
	}
	if err != nil {
		e.fail(lctx, entry, err, res)
		return false
	}

	local, err := e.store.Get(lctx, entry.EntityType, entry.EntityID)
	if err != nil {
		e.fail(lctx, entry, err, res)
		return false
	}
	if local == nil {
		if _, err := e.applier.Confirm(lctx, entry.EntityID, 0, server, entry.ID); err != nil {
			e.fail(lctx, entry, err, res)
			return false
		}
		return true
	}

	resolution, err := e.resolver.Resolve(&conflict.Conflict{Server: server, Local: local})
	if err != nil {
		e.reject(lctx, entry, err, res)
		return false
	}
	res.Conflicts++

	if local.Deleted && resolution.Winner == conflict.SideClient {
		if err := e.remote.Delete(ctx, entry.EntityType, entry.EntityID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			e.fail(lctx, entry, err, res)
			return false
		}
		if err := e.applier.Remove(lctx, entry.EntityType, entry.EntityID, entry.ID, true); err != nil {
			e.fail(lctx, entry, err, res)
			return false
		}
		e.recordConflict(lctx, resolution)
		res.Purged++
		return true
	}

	final := resolution.Entity
	if resolution.PushToServer && !local.Deleted {
		final, err = e.remote.Update(ctx, entry.EntityID, resolution.Entity, server.Meta().UpdatedAt)
		if err != nil {
			e.fail(lctx, entry, err, res)
			return false
		}
	}

	rec, err := e.applier.Resolve(lctx, final, local.Version)
	if err != nil {
		e.fail(lctx, entry, err, res)
		return false
	}
	if rec == nil {
		e.fail(lctx, entry, errStaleResolution, res)
		return false
	}
	e.recordConflict(lctx, resolution)
	res.Pushed++
	return true
}

// serverCopy returns the server entity sent with the 409, or fetches it.
func (e *Engine) serverCopy(ctx context.Context, entry *models.QueueEntry, cerr *apperrors.ConflictError) (models.Entity, error) {
	if len(cerr.Current) > 0 {
		ent, err := models.DecodeEntity(entry.EntityType, cerr.Current)
		if err == nil {
			return ent, nil
		}
		e.logger.Warn("undecodable conflict body, fetching", "entity_id", entry.EntityID, "error", err)
	}
	return e.remote.Get(ctx, entry.EntityType, entry.EntityID)
}

func (e *Engine) recordConflict(ctx context.Context, r *conflict.Resolution) {
	if r.Log == nil {
		return
	}
	if e.conflicts != nil {
		if err := e.conflicts.Record(ctx, r.Log); err != nil {
			e.logger.Error("record conflict", "error", err, "entity_id", r.Log.EntityID)
		}
	}
	e.publish(events.Event{
		Type:       events.ConflictResolved,
		EntityType: r.Log.EntityType,
		EntityID:   r.Log.EntityID,
		Data:       r.Log,
	})
}

// reject freezes an entry the server will never accept.
func (e *Engine) reject(ctx context.Context, entry *models.QueueEntry, cause error, res *Result) {
	res.Failed++
	e.logger.Warn("entry rejected", "entry_id", entry.ID, "error", cause)
	if _, err := e.applier.Reject(ctx, entry.ID, cause); err != nil {
		e.logger.Error("mark entry terminal", "entry_id", entry.ID, "error", err)
	}
}

// fail records a failed attempt and schedules the next one with backoff.
// After the last allowed attempt the entry becomes terminal.
func (e *Engine) fail(ctx context.Context, entry *models.QueueEntry, cause error, res *Result) {
	res.Failed++
	updated, err := e.queue.MarkStatus(ctx, entry.ID, models.QueueStatusFailed, cause.Error())
	if err != nil {
		e.logger.Error("mark entry failed", "entry_id", entry.ID, "error", err)
		return
	}

	if updated.Terminal {
		e.logger.Warn("entry exhausted retries",
			"entry_id", updated.ID,
			"error", apperrors.ExhaustedRetries(updated.ID, updated.Attempts, cause))
		e.applier.publishFailed(updated)
		return
	}

	delay := e.retryDelay(updated.Attempts)
	due := e.clock.Now().Add(delay)
	if err := e.queue.ScheduleRetry(ctx, updated.ID, due.UnixMilli()); err != nil {
		e.logger.Error("schedule retry", "entry_id", updated.ID, "error", err)
	}
	id := updated.ID
	e.retry.Schedule(id, delay, func() {
		ok, err := e.queue.Requeue(context.Background(), id)
		if err != nil {
			e.logger.Error("requeue entry", "entry_id", id, "error", err)
			return
		}
		if ok {
			if fn := e.trigger.Load(); fn != nil {
				(*fn)()
			}
		}
	})
	e.logger.Debug("retry scheduled", "entry_id", id, "attempts", updated.Attempts, "delay", delay)
}

func (e *Engine) retryDelay(attempts int) time.Duration {
	return retry.Delay(e.cfg.RetryBaseDelay, attempts, e.cfg.RetryMaxDelay)
}

// reconcileOrphans pushes unsynced records that have no queue entry, which
// happens when the process stops between a local write and its enqueue.
func (e *Engine) reconcileOrphans(ctx context.Context) (int, error) {
	unsynced, err := e.store.GetUnsynced(ctx, "")
	if err != nil {
		return 0, err
	}

	var (
		orphans []*models.Record
		items   []remote.PushItem
	)
	for _, rec := range unsynced {
		entries, err := e.queue.EntriesFor(ctx, rec.ID)
		if err != nil {
			return 0, err
		}
		if len(entries) > 0 {
			continue
		}
		payload, err := models.Encode(rec.Entity)
		if err != nil {
			return 0, err
		}
		op := models.OperationUpdate
		switch {
		case rec.Deleted:
			op = models.OperationDelete
		case uuid.IsTemp(rec.ID):
			op = models.OperationCreate
		}
		orphans = append(orphans, rec)
		items = append(items, remote.PushItem{Type: rec.Type, Operation: op, Entity: payload})
	}
	if len(items) == 0 {
		return 0, nil
	}

	e.logger.Info("pushing orphaned records", "count", len(items))
	acks, err := e.remote.Push(ctx, items)
	if err != nil {
		return 0, err
	}

	var live []*models.Record
	for _, rec := range orphans {
		if rec.Deleted {
			if err := e.applier.Remove(ctx, rec.Type, rec.ID, "", false); err != nil {
				return 0, err
			}
			continue
		}
		live = append(live, rec)
	}

	byID := make(map[string]models.Entity, len(acks))
	positional := make([]models.Entity, 0, len(acks))
	for _, ack := range acks {
		ent, err := ack.Decode()
		if err != nil {
			return 0, err
		}
		byID[ent.Meta().ID] = ent
		positional = append(positional, ent)
	}

	applied := 0
	for i, rec := range live {
		var server models.Entity
		if len(positional) == len(live) {
			server = positional[i]
		} else if !uuid.IsTemp(rec.ID) {
			server = byID[rec.ID]
		}
		if server == nil || server.Type() != rec.Type {
			e.logger.Warn("no acknowledgement for orphan", "entity_type", rec.Type, "id", rec.ID)
			continue
		}
		if _, err := e.applier.Confirm(ctx, rec.ID, rec.Version, server, ""); err != nil {
			return applied, err
		}
		applied++
	}
	return applied + len(orphans) - len(live), nil
}

