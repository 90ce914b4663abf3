// Package store provides the versioned local record store. It is the single
// source of truth for reads and holds both confirmed server state and
// unconfirmed local edits.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/cache"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/db"
	apperrors "github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/errors"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/events"
	"github.com/KBH222/Warp-KHS-CRM-3-sub000/internal/models"
)

// ErrStale is returned by a conditional Put when the record moved past the
// expected version. The record is left untouched.
var ErrStale = errors.New("store: record version changed")

var fieldName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Filter narrows a collection query.
type Filter struct {
	// Where matches top-level payload fields by equality. Values compare as text.
	Where          map[string]string
	IncludeDeleted bool
	Limit          int
}

// Key returns a canonical string for the filter, usable as a cache key.
func (f Filter) Key() string {
	keys := make([]string, 0, len(f.Where))
	for k := range f.Where {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%q&", k, f.Where[k])
	}
	fmt.Fprintf(&b, "deleted=%t&limit=%d", f.IncludeDeleted, f.Limit)
	return b.String()
}

func (f Filter) validate() error {
	for k := range f.Where {
		if !fieldName.MatchString(k) {
			return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid filter field %q", k))
		}
	}
	if f.Limit < 0 {
		return apperrors.New(apperrors.ErrInvalid, "limit must not be negative")
	}
	return nil
}

// PutOptions controls how Put stamps the record.
type PutOptions struct {
	// Confirmed marks the payload as acknowledged by the server: the record is
	// stored synced and a positive Record.Version is kept verbatim.
	Confirmed bool
	// IfVersion makes the write conditional on the stored version. Zero
	// disables the check; a missing record never matches a positive value.
	IfVersion int64
}

// Options wires optional collaborators into a Store.
type Options struct {
	Cache  *cache.Cache
	Events events.Publisher
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Store is the versioned record store.
type Store struct {
	db     *db.DB
	cache  *cache.Cache
	events events.Publisher
	clock  clockwork.Clock
	logger *slog.Logger

	mu     sync.Mutex
	lastMs int64
}

// New creates a Store over an opened database.
func New(database *db.DB, opts Options) (*Store, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Store{
		db:     database,
		cache:  opts.Cache,
		events: opts.Events,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "store"),
	}

	// Resume the monotonic clock from the newest persisted write.
	if err := database.QueryRow("SELECT COALESCE(MAX(last_modified), 0) FROM records").Scan(&s.lastMs); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "load last modified", err)
	}
	return s, nil
}

// now returns a millisecond timestamp strictly greater than any previous one.
func (s *Store) now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.clock.Now().UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs + 1
	}
	s.lastMs = ms
	return ms
}

// Get returns the record or nil when absent. Soft-deleted records are
// returned with Deleted set.
func (s *Store) Get(ctx context.Context, t models.EntityType, id string) (*models.Record, error) {
	if s.cache != nil {
		if rec, ok := s.cache.GetRecord(t, id); ok {
			return rec, nil
		}
	}

	var gen uint64
	if s.cache != nil {
		gen = s.cache.Generation(t)
	}
	rec, err := getRecord(ctx, s.db, t, id)
	if err != nil || rec == nil {
		return rec, err
	}
	if s.cache != nil {
		s.cache.PutRecord(rec, gen)
	}
	return rec, nil
}

// GetAll returns the records of type t matching f, ordered by id.
func (s *Store) GetAll(ctx context.Context, t models.EntityType, f Filter) ([]*models.Record, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	key := f.Key()
	if s.cache != nil {
		if recs, ok := s.cache.GetList(t, key); ok {
			return recs, nil
		}
	}

	var gen uint64
	if s.cache != nil {
		gen = s.cache.Generation(t)
	}

	query := "SELECT " + recordColumns + " FROM records WHERE entity_type = ?"
	args := []any{string(t)}
	if !f.IncludeDeleted {
		query += " AND deleted = 0"
	}
	fields := make([]string, 0, len(f.Where))
	for k := range f.Where {
		fields = append(fields, k)
	}
	slices.Sort(fields)
	for _, k := range fields {
		query += fmt.Sprintf(" AND CAST(json_extract(payload, '$.%s') AS TEXT) = ?", k)
		args = append(args, f.Where[k])
	}
	query += " ORDER BY id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	recs, err := queryRecords(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.PutList(t, key, recs, gen)
	}
	return recs, nil
}

// GetUnsynced returns every record not yet acknowledged by the server. An
// empty type selects all types.
func (s *Store) GetUnsynced(ctx context.Context, t models.EntityType) ([]*models.Record, error) {
	query := "SELECT " + recordColumns + " FROM records WHERE synced = 0"
	var args []any
	if t != "" {
		query += " AND entity_type = ?"
		args = append(args, string(t))
	}
	query += " ORDER BY last_modified"
	return queryRecords(ctx, s.db, query, args...)
}

// Put writes the entity, stamping version, lastModified and synced.
func (s *Store) Put(ctx context.Context, rec *models.Record, opts PutOptions) (*models.Record, error) {
	var out *models.Record
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Put(ctx, rec, opts)
		return err
	})
	return out, err
}

// Delete soft-deletes a record pending server confirmation.
func (s *Store) Delete(ctx context.Context, t models.EntityType, id string) (*models.Record, error) {
	var out *models.Record
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Delete(ctx, t, id)
		return err
	})
	return out, err
}

// Purge removes a record permanently.
func (s *Store) Purge(ctx context.Context, t models.EntityType, id string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.Purge(ctx, t, id)
	})
}

// ReplaceID moves a record from a temporary id to its server id.
func (s *Store) ReplaceID(ctx context.Context, t models.EntityType, oldID, newID string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.ReplaceID(ctx, t, oldID, newID)
	})
}

// RewriteReferences points every reference to oldID at newID.
func (s *Store) RewriteReferences(ctx context.Context, oldID, newID string) (int, error) {
	var n int
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.RewriteReferences(ctx, oldID, newID)
		return err
	})
	return n, err
}

// Update runs fn in one transaction. Cache invalidation and change events for
// everything fn touched happen after a successful commit.
//
// fn must use the Tx for every read; the database has a single connection.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	var stx *Tx
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		stx = &Tx{store: s, tx: tx}
		return fn(stx)
	})
	if err != nil {
		if !classified(err) {
			return apperrors.Wrap(apperrors.ErrDatabase, "store update", err)
		}
		return err
	}
	s.afterCommit(stx.touched)
	return nil
}

func (s *Store) afterCommit(touched []touch) {
	for _, t := range touched {
		if s.cache != nil {
			s.cache.Invalidate(t.entityType, t.id)
		}
		if s.events == nil {
			continue
		}
		e := events.Event{Type: events.RecordChanged, EntityType: t.entityType, EntityID: t.id}
		if t.record == nil {
			e.Type = events.RecordDeleted
		} else {
			e.Data = t.record
		}
		s.events.Publish(e)
	}
}

// classified reports whether err already carries a meaning callers branch on.
func classified(err error) bool {
	var appErr *apperrors.AppError
	var conflictErr *apperrors.ConflictError
	return errors.Is(err, ErrStale) || errors.As(err, &appErr) || errors.As(err, &conflictErr)
}
