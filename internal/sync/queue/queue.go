// Package queue provides the durable mutation queue: every local change not
// yet acknowledged by the server, drained by priority then FIFO.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/db"
	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/uuid"
)

const (
	// DefaultMaxSize bounds the number of stored entries.
	DefaultMaxSize = 10000
	// DefaultMaxRetries is the attempt count after which an entry is frozen.
	DefaultMaxRetries = 3
)

const entryColumns = `id, operation, entity_type, entity_id, payload, record_version, enqueued_at, seq,
	priority, status, attempts, last_attempt_at, next_retry_at, error_message, terminal`

// Config holds queue limits.
type Config struct {
	MaxSize    int
	MaxRetries int
}

// Stats summarizes the queue by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Terminal   int `json:"terminal"`
}

// Queue is the SQLite-backed mutation queue.
type Queue struct {
	db         *db.DB
	maxSize    int
	maxRetries int
	clock      clockwork.Clock
	logger     *slog.Logger
}

// New creates a Queue. Zero config values take the defaults.
func New(database *db.DB, cfg Config, clock clockwork.Clock, logger *slog.Logger) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		db:         database,
		maxSize:    cfg.MaxSize,
		maxRetries: cfg.MaxRetries,
		clock:      clock,
		logger:     logger.With("component", "queue"),
	}
}

// MaxRetries returns the configured retry limit.
func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

func (q *Queue) nowMs() int64 {
	return q.clock.Now().UnixMilli()
}

// Enqueue stores a new pending entry. Seq, Priority, Status and EnqueuedAt
// are assigned here, and ID when the caller left it empty.
func (q *Queue) Enqueue(ctx context.Context, entry *models.QueueEntry) (*models.QueueEntry, error) {
	var out *models.QueueEntry
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = q.EnqueueTx(ctx, tx, entry)
		return err
	})
	return out, err
}

// EnqueueTx is Enqueue inside a caller-owned transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *sql.Tx, entry *models.QueueEntry) (*models.QueueEntry, error) {
	if !entry.Operation.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation %q", entry.Operation))
	}
	if !entry.EntityType.Valid() {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown entity type %q", entry.EntityType))
	}
	if entry.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "entry has no entity id")
	}

	var size int
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM mutation_queue").Scan(&size, &maxSeq); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "read queue size", err)
	}
	if size >= q.maxSize {
		return nil, apperrors.New(apperrors.ErrQueueFull, fmt.Sprintf("queue is full (max size: %d)", q.maxSize))
	}

	out := *entry
	if out.ID == "" {
		out.ID = uuid.New()
	}
	out.Seq = maxSeq + 1
	out.Priority = entry.EntityType.Priority()
	out.Status = models.QueueStatusPending
	out.EnqueuedAt = q.nowMs()
	out.Attempts = 0
	out.Terminal = false
	out.ErrorMessage = ""

	_, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, string(out.Operation), string(out.EntityType), out.EntityID, nullableJSON(out.Payload),
		out.RecordVersion, out.EnqueuedAt, out.Seq, out.Priority, string(out.Status),
		out.Attempts, out.LastAttemptAt, out.NextRetryAt, out.ErrorMessage, out.Terminal)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "insert queue entry", err)
	}

	q.logger.Debug("enqueued mutation",
		"entry_id", out.ID, "operation", out.Operation,
		"entity_type", out.EntityType, "entity_id", out.EntityID, "seq", out.Seq)
	return &out, nil
}

// DequeueByPriority returns the entries eligible for draining, highest
// priority first then FIFO. An entry is held back while an earlier entry for
// the same entity is not pending.
func (q *Queue) DequeueByPriority(ctx context.Context) ([]*models.QueueEntry, error) {
	return q.list(ctx, `
		SELECT `+entryColumns+` FROM mutation_queue AS m
		WHERE m.status = 'pending' AND m.terminal = 0
		  AND NOT EXISTS (
			SELECT 1 FROM mutation_queue AS e
			WHERE e.entity_id = m.entity_id AND e.seq < m.seq AND e.status != 'pending')
		ORDER BY m.priority DESC, m.seq ASC`)
}

// Get returns one entry, or a NOT_FOUND error.
func (q *Queue) Get(ctx context.Context, id string) (*models.QueueEntry, error) {
	return getEntry(ctx, q.db, id)
}

// All returns every entry in drain order.
func (q *Queue) All(ctx context.Context) ([]*models.QueueEntry, error) {
	return q.list(ctx, "SELECT "+entryColumns+" FROM mutation_queue ORDER BY priority DESC, seq ASC")
}

// Failed returns entries frozen after exhausting retries or failing validation.
func (q *Queue) Failed(ctx context.Context) ([]*models.QueueEntry, error) {
	return q.list(ctx, "SELECT "+entryColumns+" FROM mutation_queue WHERE terminal = 1 ORDER BY seq ASC")
}

// EntriesFor returns every entry for an entity in FIFO order.
func (q *Queue) EntriesFor(ctx context.Context, entityID string) ([]*models.QueueEntry, error) {
	return q.list(ctx, "SELECT "+entryColumns+" FROM mutation_queue WHERE entity_id = ? ORDER BY seq ASC", entityID)
}

// MarkStatus moves an entry to status. Moving to failed records the attempt
// and freezes the entry once attempts reach the retry limit. Moving to
// processing claims a pending entry; it fails with CONFLICT if the entry is
// not pending or another entry of the same entity is already processing.
func (q *Queue) MarkStatus(ctx context.Context, id string, status models.QueueStatus, errMsg string) (*models.QueueEntry, error) {
	var out *models.QueueEntry
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}

		switch status {
		case models.QueueStatusProcessing:
			if entry.Status != models.QueueStatusPending || entry.Terminal {
				return apperrors.New(apperrors.ErrConflict,
					fmt.Sprintf("entry %s is %s, not pending", id, entry.Status))
			}
			var busy int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM mutation_queue WHERE entity_id = ? AND status = 'processing' AND id != ?",
				entry.EntityID, id).Scan(&busy); err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "check processing", err)
			}
			if busy > 0 {
				return apperrors.New(apperrors.ErrConflict,
					fmt.Sprintf("entity %s already has an entry in flight", entry.EntityID))
			}
			entry.LastAttemptAt = q.nowMs()
		case models.QueueStatusFailed:
			entry.Attempts++
			entry.ErrorMessage = errMsg
			entry.LastAttemptAt = q.nowMs()
			if entry.Attempts >= q.maxRetries {
				entry.Terminal = true
			}
		case models.QueueStatusPending, models.QueueStatusCompleted:
		default:
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown status %q", status))
		}
		entry.Status = status

		if err := updateEntry(ctx, tx, entry); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Terminal && status == models.QueueStatusFailed {
		q.logger.Warn("mutation failed permanently",
			"entry_id", id, "entity_id", out.EntityID, "attempts", out.Attempts, "error", errMsg)
	}
	return out, nil
}

// ScheduleRetry records when a failed entry becomes due again.
func (q *Queue) ScheduleRetry(ctx context.Context, id string, at int64) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE mutation_queue SET next_retry_at = ? WHERE id = ? AND status = 'failed' AND terminal = 0", at, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "schedule retry", err)
	}
	return mustAffect(res, id)
}

// MarkTerminal fails an entry permanently regardless of attempts. Used for
// validation failures, which retrying cannot fix.
func (q *Queue) MarkTerminal(ctx context.Context, id, errMsg string) (*models.QueueEntry, error) {
	var out *models.QueueEntry
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		entry, err := getEntry(ctx, tx, id)
		if err != nil {
			return err
		}
		entry.Attempts++
		entry.Status = models.QueueStatusFailed
		entry.Terminal = true
		entry.ErrorMessage = errMsg
		entry.LastAttemptAt = q.nowMs()
		out = entry
		return updateEntry(ctx, tx, entry)
	})
	if err != nil {
		return nil, err
	}
	q.logger.Warn("mutation rejected", "entry_id", id, "entity_id", out.EntityID, "error", errMsg)
	return out, nil
}

// Complete marks the entry completed and removes it in one transaction.
func (q *Queue) Complete(ctx context.Context, id string) error {
	return q.db.WithTx(ctx, func(tx *sql.Tx) error {
		return q.CompleteTx(ctx, tx, id)
	})
}

// CompleteTx is Complete inside a caller-owned transaction.
func (q *Queue) CompleteTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, "UPDATE mutation_queue SET status = 'completed' WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "complete entry", err)
	}
	if err := mustAffect(res, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ? AND status = 'completed'", id); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "remove completed entry", err)
	}
	q.logger.Debug("completed mutation", "entry_id", id)
	return nil
}

// Remove deletes an entry without completing it.
func (q *Queue) Remove(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM mutation_queue WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "remove entry", err)
	}
	return mustAffect(res, id)
}

// Discard drops a terminal entry the user chose not to retry.
func (q *Queue) Discard(ctx context.Context, id string) (*models.QueueEntry, error) {
	entry, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.Remove(ctx, id); err != nil {
		return nil, err
	}
	q.logger.Info("discarded mutation", "entry_id", id, "entity_id", entry.EntityID)
	return entry, nil
}

// RemoveForEntityTx deletes every entry of an entity and returns how many.
func (q *Queue) RemoveForEntityTx(ctx context.Context, tx *sql.Tx, entityID string) (int, error) {
	res, err := tx.ExecContext(ctx, "DELETE FROM mutation_queue WHERE entity_id = ?", entityID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "remove entity entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RemoveForEntity deletes every entry of an entity.
func (q *Queue) RemoveForEntity(ctx context.Context, entityID string) (int, error) {
	var n int
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = q.RemoveForEntityTx(ctx, tx, entityID)
		return err
	})
	return n, err
}

// RetryEntry resets a failed entry for another round of attempts.
func (q *Queue) RetryEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE mutation_queue
		SET status = 'pending', attempts = 0, terminal = 0, error_message = '', next_retry_at = 0
		WHERE id = ? AND status = 'failed'`, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "retry entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("entry %s is not failed", id))
	}
	q.logger.Info("reset entry for retry", "entry_id", id)
	return q.Get(ctx, id)
}

// RetryAll resets every failed entry and returns how many were reset.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE mutation_queue
		SET status = 'pending', attempts = 0, terminal = 0, error_message = '', next_retry_at = 0
		WHERE status = 'failed'`)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "retry all", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("reset failed entries for retry", "count", n)
	}
	return int(n), nil
}

// Requeue returns a non-terminal failed entry to pending, keeping its
// attempt count. It reports whether the entry was requeued.
func (q *Queue) Requeue(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE mutation_queue SET status = 'pending' WHERE id = ? AND status = 'failed' AND terminal = 0", id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrDatabase, "requeue entry", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueDue returns every non-terminal failed entry whose retry time has
// passed to pending.
func (q *Queue) RequeueDue(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE mutation_queue SET status = 'pending'
		WHERE status = 'failed' AND terminal = 0 AND next_retry_at <= ?`, q.nowMs())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "requeue due entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverProcessing returns entries left processing by a crash to pending.
func (q *Queue) RecoverProcessing(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, "UPDATE mutation_queue SET status = 'pending' WHERE status = 'processing'")
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "recover processing entries", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("recovered interrupted entries", "count", n)
	}
	return int(n), nil
}

// RewriteEntityIDTx substitutes a server id for a temporary id in every
// entry: the entity id itself and references inside payloads.
func (q *Queue) RewriteEntityIDTx(ctx context.Context, tx *sql.Tx, oldID, newID string) (int, error) {
	entries, err := q.listWith(ctx, tx,
		"SELECT "+entryColumns+" FROM mutation_queue WHERE entity_id = ? OR instr(payload, ?) > 0",
		oldID, `"`+oldID+`"`)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, entry := range entries {
		touched := false
		if entry.EntityID == oldID {
			entry.EntityID = newID
			touched = true
		}
		if len(entry.Payload) > 0 {
			e, err := models.DecodeEntity(entry.EntityType, entry.Payload)
			if err != nil {
				return changed, err
			}
			rewritten := e.RewriteReference(oldID, newID)
			if e.Meta().ID == oldID {
				e.Meta().ID = newID
				rewritten = true
			}
			if rewritten {
				if entry.Payload, err = models.Encode(e); err != nil {
					return changed, err
				}
				touched = true
			}
		}
		if !touched {
			continue
		}
		if err := updateEntry(ctx, tx, entry); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// RewriteEntityID is RewriteEntityIDTx in its own transaction.
func (q *Queue) RewriteEntityID(ctx context.Context, oldID, newID string) (int, error) {
	var n int
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = q.RewriteEntityIDTx(ctx, tx, oldID, newID)
		return err
	})
	return n, err
}

// Stats returns entry counts by status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(status = 'pending'), 0),
			COALESCE(SUM(status = 'processing'), 0),
			COALESCE(SUM(status = 'failed' AND terminal = 0), 0),
			COALESCE(SUM(terminal = 1), 0)
		FROM mutation_queue`).Scan(&s.Total, &s.Pending, &s.Processing, &s.Failed, &s.Terminal)
	if err != nil {
		return s, apperrors.Wrap(apperrors.ErrDatabase, "queue stats", err)
	}
	return s, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*models.QueueEntry, error) {
	return q.listWith(ctx, q.db, query, args...)
}

func (q *Queue) listWith(ctx context.Context, db querier, query string, args ...any) ([]*models.QueueEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "query queue", err)
	}
	defer rows.Close()

	entries := []*models.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "iterate queue", err)
	}
	return entries, nil
}

func getEntry(ctx context.Context, db querier, id string) (*models.QueueEntry, error) {
	entry, err := scanEntry(db.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM mutation_queue WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound(fmt.Sprintf("queue entry %s", id))
	}
	return entry, err
}

func scanEntry(row scanner) (*models.QueueEntry, error) {
	var (
		e       models.QueueEntry
		op      string
		et      string
		status  string
		payload sql.NullString
	)
	err := row.Scan(&e.ID, &op, &et, &e.EntityID, &payload, &e.RecordVersion, &e.EnqueuedAt, &e.Seq,
		&e.Priority, &status, &e.Attempts, &e.LastAttemptAt, &e.NextRetryAt, &e.ErrorMessage, &e.Terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "scan queue entry", err)
	}
	e.Operation = models.Operation(op)
	e.EntityType = models.EntityType(et)
	e.Status = models.QueueStatus(status)
	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	return &e, nil
}

func updateEntry(ctx context.Context, tx *sql.Tx, e *models.QueueEntry) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE mutation_queue SET
			entity_id = ?, payload = ?, status = ?, attempts = ?, last_attempt_at = ?,
			next_retry_at = ?, error_message = ?, terminal = ?
		WHERE id = ?`,
		e.EntityID, nullableJSON(e.Payload), string(e.Status), e.Attempts, e.LastAttemptAt,
		e.NextRetryAt, e.ErrorMessage, e.Terminal, e.ID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "update queue entry", err)
	}
	return nil
}

func mustAffect(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "rows affected", err)
	}
	if n == 0 {
		return apperrors.NotFound(fmt.Sprintf("queue entry %s", id))
	}
	return nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
