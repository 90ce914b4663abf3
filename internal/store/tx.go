package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

const recordColumns = "entity_type, id, version, last_modified, synced, deleted, payload, server_updated_at"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type touch struct {
	entityType models.EntityType
	id         string
	record     *models.Record // nil when removed
}

// Tx is a store transaction opened by Store.Update.
type Tx struct {
	store   *Store
	tx      *sql.Tx
	touched []touch
}

// SQL exposes the underlying transaction so other tables (the mutation
// queue) can be changed atomically with the records.
func (t *Tx) SQL() *sql.Tx {
	return t.tx
}

func (t *Tx) touch(et models.EntityType, id string, rec *models.Record) {
	if rec != nil {
		rec = rec.Clone()
	}
	t.touched = append(t.touched, touch{entityType: et, id: id, record: rec})
}

// Get reads a record inside the transaction.
func (t *Tx) Get(ctx context.Context, et models.EntityType, id string) (*models.Record, error) {
	return getRecord(ctx, t.tx, et, id)
}

// Put writes rec.Entity under rec.Type and the entity's id.
//
// Existing records get version+1; new records start at 1. With
// opts.Confirmed the record is stored synced, the entity's updatedAt becomes
// the server base and a positive rec.Version is kept as is, unless that would
// move the version backwards. Unconfirmed writes keep the stored base.
func (t *Tx) Put(ctx context.Context, rec *models.Record, opts PutOptions) (*models.Record, error) {
	if rec == nil || rec.Entity == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "record has no entity")
	}
	et := rec.Entity.Type()
	id := rec.Entity.Meta().ID
	if id == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entity has no id")
	}

	existing, err := getRecord(ctx, t.tx, et, id)
	if err != nil {
		return nil, err
	}
	if opts.IfVersion > 0 && (existing == nil || existing.Version != opts.IfVersion) {
		return existing, ErrStale
	}

	out := &models.Record{
		Type:         et,
		ID:           id,
		Version:      1,
		LastModified: t.store.now(),
		Synced:       opts.Confirmed,
		Deleted:      rec.Deleted,
		Entity:       rec.Entity.Clone(),
	}
	if existing != nil {
		out.Version = existing.Version + 1
		out.ServerUpdatedAt = existing.ServerUpdatedAt
	}
	if opts.Confirmed {
		if at := rec.Entity.Meta().UpdatedAt; !at.IsZero() {
			out.ServerUpdatedAt = at.UnixMilli()
		}
	}
	if opts.Confirmed && rec.Version > 0 && (existing == nil || rec.Version >= existing.Version) {
		out.Version = rec.Version
	}

	if err := writeRecord(ctx, t.tx, out); err != nil {
		return nil, err
	}
	t.touch(et, id, out)
	return out, nil
}

// Delete marks the record deleted, bumps its version and clears synced.
func (t *Tx) Delete(ctx context.Context, et models.EntityType, id string) (*models.Record, error) {
	existing, err := getRecord(ctx, t.tx, et, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("%s %s", et, id))
	}

	existing.Version++
	existing.LastModified = t.store.now()
	existing.Synced = false
	existing.Deleted = true
	if err := writeRecord(ctx, t.tx, existing); err != nil {
		return nil, err
	}
	t.touch(et, id, existing)
	return existing, nil
}

// SetServerBase records that the server holds the entity as of updatedAt
// without touching the local payload, version or sync flag. It is used when
// an acknowledgement arrives for an edit that has since been superseded
// locally.
func (t *Tx) SetServerBase(ctx context.Context, et models.EntityType, id string, updatedAt time.Time) error {
	if updatedAt.IsZero() {
		return nil
	}
	if _, err := t.tx.ExecContext(ctx,
		"UPDATE records SET server_updated_at = ? WHERE entity_type = ? AND id = ?",
		updatedAt.UnixMilli(), string(et), id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "set server base", err)
	}
	rec, err := getRecord(ctx, t.tx, et, id)
	if err != nil {
		return err
	}
	if rec != nil {
		t.touch(et, id, rec)
	}
	return nil
}

// Purge hard-deletes the record. Purging a missing record is not an error.
func (t *Tx) Purge(ctx context.Context, et models.EntityType, id string) error {
	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM records WHERE entity_type = ? AND id = ?", string(et), id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "purge record", err)
	}
	t.touch(et, id, nil)
	return nil
}

// ReplaceID renames a record and rewrites the id inside its payload. A record
// already stored under newID is replaced.
func (t *Tx) ReplaceID(ctx context.Context, et models.EntityType, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	rec, err := getRecord(ctx, t.tx, et, oldID)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperrors.NotFound(fmt.Sprintf("%s %s", et, oldID))
	}

	if _, err := t.tx.ExecContext(ctx,
		"DELETE FROM records WHERE entity_type = ? AND id IN (?, ?)", string(et), oldID, newID); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "replace id", err)
	}

	rec.ID = newID
	rec.Entity.Meta().ID = newID
	if err := writeRecord(ctx, t.tx, rec); err != nil {
		return err
	}
	t.touch(et, oldID, nil)
	t.touch(et, newID, rec)
	return nil
}

// RewriteReferences replaces references to oldID in every record that can
// hold one. Versions and sync flags are left alone. It returns the number of
// records changed.
func (t *Tx) RewriteReferences(ctx context.Context, oldID, newID string) (int, error) {
	// Quoted-id prefilter; RewriteReference makes the exact decision.
	recs, err := queryRecords(ctx, t.tx,
		"SELECT "+recordColumns+" FROM records WHERE entity_type IN ('job', 'material') AND instr(payload, ?) > 0",
		`"`+oldID+`"`)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, rec := range recs {
		if !rec.Entity.RewriteReference(oldID, newID) {
			continue
		}
		if err := writeRecord(ctx, t.tx, rec); err != nil {
			return changed, err
		}
		t.touch(rec.Type, rec.ID, rec)
		changed++
	}
	return changed, nil
}

func getRecord(ctx context.Context, q querier, et models.EntityType, id string) (*models.Record, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE entity_type = ? AND id = ?", string(et), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func queryRecords(ctx context.Context, q querier, query string, args ...any) ([]*models.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query records", err)
	}
	defer rows.Close()

	recs := []*models.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate records", err)
	}
	return recs, nil
}

func scanRecord(row scanner) (*models.Record, error) {
	var (
		rec     models.Record
		et      string
		payload string
	)
	err := row.Scan(&et, &rec.ID, &rec.Version, &rec.LastModified, &rec.Synced, &rec.Deleted, &payload, &rec.ServerUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan record", err)
	}
	rec.Type = models.EntityType(et)
	rec.Entity, err = models.DecodeEntity(rec.Type, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("record %s/%s: %w", et, rec.ID, err)
	}
	return &rec, nil
}

func writeRecord(ctx context.Context, q querier, rec *models.Record) error {
	payload, err := models.Encode(rec.Entity)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO records (entity_type, id, version, last_modified, synced, deleted, payload, server_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			version = excluded.version,
			last_modified = excluded.last_modified,
			synced = excluded.synced,
			deleted = excluded.deleted,
			payload = excluded.payload,
			server_updated_at = excluded.server_updated_at`,
		string(rec.Type), rec.ID, rec.Version, rec.LastModified, rec.Synced, rec.Deleted, string(payload), rec.ServerUpdatedAt)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "write record", err)
	}
	return nil
}
