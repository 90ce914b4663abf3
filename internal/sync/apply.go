package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/store"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/queue"
)

// Applier writes server outcomes into the record store and the mutation
// queue, each in a single transaction. The engine and the optimistic layer
// share it so an acknowledgement is applied the same way on both paths.
type Applier struct {
	store  *store.Store
	queue  *queue.Queue
	events events.Publisher
	logger *slog.Logger
}

// NewApplier creates an Applier. pub may be nil.
func NewApplier(s *store.Store, q *queue.Queue, pub events.Publisher, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{store: s, queue: q, events: pub, logger: logger.With("component", "applier")}
}

// Confirm stores the server's copy of an entity as synced.
//
// localID is the id the record is stored under; when it differs from the
// server id (a create acknowledged for a temp id) the record, every reference
// to it and every queued entry are moved to the server id. version is the
// local version the server saw: the server payload is adopted only while the
// record is still at that version, so a newer local edit stays unsynced and
// only its server base moves forward. entryID, when set, is completed in the same transaction.
//
// The returned record is the stored one, which may be the newer local edit,
// or nil if the record no longer exists locally.
func (a *Applier) Confirm(ctx context.Context, localID string, version int64, server models.Entity, entryID string) (*models.Record, error) {
	t := server.Type()
	serverID := server.Meta().ID
	if localID == "" {
		localID = serverID
	}

	var out *models.Record
	err := a.store.Update(ctx, func(tx *store.Tx) error {
		if localID != serverID {
			if err := a.replaceID(ctx, tx, t, localID, serverID); err != nil {
				return err
			}
		}

		rec, err := tx.Put(ctx, &models.Record{Entity: server, Version: version},
			store.PutOptions{Confirmed: true, IfVersion: version})
		switch {
		case errors.Is(err, store.ErrStale):
			// A newer local edit stays unsynced, but the next push of it
			// is based on the copy the server just acknowledged.
			if at := server.Meta().UpdatedAt; rec != nil && !at.IsZero() {
				if err := tx.SetServerBase(ctx, t, serverID, at); err != nil {
					return err
				}
				rec.ServerUpdatedAt = at.UnixMilli()
			}
		case err != nil:
			return err
		}
		out = rec

		if entryID != "" {
			return a.queue.CompleteTx(ctx, tx.SQL(), entryID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if localID != serverID {
		a.logger.Info("temp id replaced", "entity_type", t, "temp_id", localID, "id", serverID)
	}
	return out, nil
}

func (a *Applier) replaceID(ctx context.Context, tx *store.Tx, t models.EntityType, oldID, newID string) error {
	cur, err := tx.Get(ctx, t, oldID)
	if err != nil {
		return err
	}
	if cur != nil {
		if err := tx.ReplaceID(ctx, t, oldID, newID); err != nil {
			return err
		}
	}
	if _, err := tx.RewriteReferences(ctx, oldID, newID); err != nil {
		return err
	}
	_, err = a.queue.RewriteEntityIDTx(ctx, tx.SQL(), oldID, newID)
	return err
}

// Adopt stores a pulled server entity as synced. ifVersion guards against a
// local edit racing the pull; zero writes unconditionally. The version is
// bumped as for any other write.
func (a *Applier) Adopt(ctx context.Context, server models.Entity, ifVersion int64) (*models.Record, error) {
	rec, err := a.store.Put(ctx, &models.Record{Entity: server},
		store.PutOptions{Confirmed: true, IfVersion: ifVersion})
	if errors.Is(err, store.ErrStale) {
		return rec, nil
	}
	return rec, err
}

// Resolve stores a conflict resolution that both sides now hold and drops
// the queued entries it supersedes. The record must still be at version.
func (a *Applier) Resolve(ctx context.Context, resolved models.Entity, version int64) (*models.Record, error) {
	var out *models.Record
	err := a.store.Update(ctx, func(tx *store.Tx) error {
		rec, err := tx.Put(ctx, &models.Record{Entity: resolved, Version: version},
			store.PutOptions{Confirmed: true, IfVersion: version})
		if err != nil {
			return err
		}
		out = rec
		_, err = a.queue.RemoveForEntityTx(ctx, tx.SQL(), resolved.Meta().ID)
		return err
	})
	if errors.Is(err, store.ErrStale) {
		return nil, nil
	}
	return out, err
}

// Remove purges an entity the server deleted or no longer knows and
// completes entryID in the same transaction. With dropQueued every other
// queued entry of the entity is removed too.
func (a *Applier) Remove(ctx context.Context, t models.EntityType, id, entryID string, dropQueued bool) error {
	return a.store.Update(ctx, func(tx *store.Tx) error {
		if err := tx.Purge(ctx, t, id); err != nil {
			return err
		}
		if dropQueued {
			if _, err := a.queue.RemoveForEntityTx(ctx, tx.SQL(), id); err != nil {
				return err
			}
			return nil
		}
		if entryID != "" {
			return a.queue.CompleteTx(ctx, tx.SQL(), entryID)
		}
		return nil
	})
}

// Reject freezes an entry the server refused as invalid. The local record
// is kept unsynced so the user can fix or discard it.
func (a *Applier) Reject(ctx context.Context, entryID string, cause error) (*models.QueueEntry, error) {
	entry, err := a.queue.MarkTerminal(ctx, entryID, cause.Error())
	if err != nil {
		return nil, err
	}
	a.publishFailed(entry)
	return entry, nil
}

func (a *Applier) publishFailed(entry *models.QueueEntry) {
	if a.events == nil {
		return
	}
	a.events.Publish(events.Event{
		Type:       events.QueueFailed,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		Data:       entry,
	})
}
