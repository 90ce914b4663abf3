package conflict

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/db"
	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

const logColumns = `id, entity_type, entity_id, policy, winner, local_modified, server_updated,
	local_payload, server_payload, resolved_payload, detected_at`

// Log persists resolved conflicts so the user can review what was overwritten.
type Log struct {
	db *db.DB
}

// NewLog creates a Log.
func NewLog(database *db.DB) *Log {
	return &Log{db: database}
}

// Record stores one conflict log entry.
func (l *Log) Record(ctx context.Context, entry *models.ConflictLog) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO conflict_log (`+logColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.EntityType), entry.EntityID, entry.Policy, entry.Winner,
		entry.LocalModified, entry.ServerUpdated,
		text(entry.LocalPayload), text(entry.ServerPayload), text(entry.ResolvedPayload),
		entry.DetectedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "record conflict", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns everything.
func (l *Log) Recent(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	query := "SELECT " + logColumns + " FROM conflict_log ORDER BY detected_at DESC, id"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query conflicts", err)
	}
	defer rows.Close()

	out := []*models.ConflictLog{}
	for rows.Next() {
		var (
			c                       models.ConflictLog
			et                      string
			local, server, resolved sql.NullString
		)
		if err := rows.Scan(&c.ID, &et, &c.EntityID, &c.Policy, &c.Winner, &c.LocalModified, &c.ServerUpdated,
			&local, &server, &resolved, &c.DetectedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan conflict", err)
		}
		c.EntityType = models.EntityType(et)
		c.LocalPayload = raw(local)
		c.ServerPayload = raw(server)
		c.ResolvedPayload = raw(resolved)
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate conflicts", err)
	}
	return out, nil
}

func text(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func raw(s sql.NullString) json.RawMessage {
	if !s.Valid {
		return nil
	}
	return json.RawMessage(s.String)
}
