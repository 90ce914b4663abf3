package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/remote"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/sync/conflict"
)

// pull fetches server changes since the watermark and merges them into the
// store. It returns the new watermark.
func (e *Engine) pull(ctx context.Context, res *Result) (time.Time, error) {
	since, err := e.LastSyncTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var from time.Time
	if since != nil {
		from = *since
	}

	resp, err := e.remote.Pull(ctx, from)
	if err != nil {
		return time.Time{}, err
	}

	for _, item := range resp.Entities {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		if err := e.pullEntity(ctx, item, res); err != nil {
			return time.Time{}, fmt.Errorf("apply %s: %w", item.Type, err)
		}
	}

	if resp.Timestamp.IsZero() {
		return e.clock.Now(), nil
	}
	return resp.Timestamp, nil
}

// pullEntity merges one server entity. Server deletions always win and drop
// any queued local edits of the entity.
func (e *Engine) pullEntity(ctx context.Context, item remote.RemoteEntity, res *Result) error {
	server, err := item.Decode()
	if err != nil {
		e.logger.Warn("skipping undecodable entity", "entity_type", item.Type, "error", err)
		return nil
	}
	t := server.Type()
	id := server.Meta().ID

	local, err := e.store.Get(ctx, t, id)
	if err != nil {
		return err
	}

	if item.Deleted {
		if local == nil {
			return nil
		}
		if err := e.applier.Remove(ctx, t, id, "", true); err != nil {
			return err
		}
		res.Purged++
		return nil
	}

	if local == nil || local.Synced {
		if local != nil && !local.Deleted && cmp.Equal(local.Entity, server) {
			return nil
		}
		var ifVersion int64
		if local != nil {
			ifVersion = local.Version
		}
		if _, err := e.applier.Adopt(ctx, server, ifVersion); err != nil {
			return err
		}
		res.Pulled++
		return nil
	}

	return e.resolvePullConflict(ctx, server, local, res)
}

func (e *Engine) resolvePullConflict(ctx context.Context, server models.Entity, local *models.Record, res *Result) error {
	e.setState(StateConflict)
	defer e.setState(StatePulling)

	resolution, err := e.resolver.Resolve(&conflict.Conflict{Server: server, Local: local})
	if err != nil {
		e.logger.Warn("unresolvable pulled entity", "entity_id", local.ID, "error", err)
		return nil
	}
	res.Conflicts++

	// A local delete that wins is left to its queued entry.
	if local.Deleted && resolution.Winner == conflict.SideClient {
		e.recordConflict(ctx, resolution)
		return nil
	}

	final := resolution.Entity
	if resolution.PushToServer && !local.Deleted {
		final, err = e.remote.Update(ctx, local.ID, resolution.Entity, server.Meta().UpdatedAt)
		if apperrors.Is(err, apperrors.ErrNotFound) {
			if err := e.applier.Remove(ctx, local.Type, local.ID, "", true); err != nil {
				return err
			}
			res.Purged++
			return nil
		}
		if err != nil {
			// The queued entry pushes the local edit later.
			e.logger.Warn("push of merged entity failed", "entity_id", local.ID, "error", err)
			return nil
		}
	}

	rec, err := e.applier.Resolve(ctx, final, local.Version)
	if err != nil {
		return err
	}
	if rec != nil {
		res.Pulled++
		e.recordConflict(ctx, resolution)
	}
	return nil
}
