// Package db provides the SQLite connection that backs the record store,
// the mutation queue and sync metadata.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB wraps the sql.DB with sync-core configuration.
type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A single connection, so every write is serialized and every read
//   observes all prior writes
func Open(path string) (*DB, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	// Open database with modernc.org/sqlite (pure Go, no CGO)
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	m := NewMigrator(sqlDB, migrations)
	if err := m.Initialize(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sqlDB}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMeta returns the sync_meta value for key, or "" when unset.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta upserts a sync_meta value.
func (db *DB) SetMeta(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

// DeleteMeta removes a sync_meta key.
func (db *DB) DeleteMeta(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM sync_meta WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete meta %s: %w", key, err)
	}
	return nil
}
