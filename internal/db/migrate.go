package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies versioned SQL files (V<n>__<description>.up.sql and the
// matching .down.sql) from a file system.
type Migrator struct {
	db    *sql.DB
	files fs.FS
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB, files fs.FS) *Migrator {
	return &Migrator{
		db:    db,
		files: files,
	}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

type migrationFile struct {
	version     int
	name        string
	description string
}

// available lists the .up.sql files in version order.
func (m *Migrator) available() ([]migrationFile, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		version, desc, ok := parseMigrationName(strings.TrimSuffix(name, ".up.sql"))
		if !ok {
			continue
		}
		files = append(files, migrationFile{version: version, name: name, description: desc})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

// parseMigrationName splits "V1__initial_schema" into 1 and "initial_schema".
func parseMigrationName(base string) (int, string, bool) {
	versionPart, desc, found := strings.Cut(base, "__")
	if !found || desc == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(strings.TrimPrefix(versionPart, "V"))
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, desc, true
}

// Up applies all pending migrations. An applied migration whose file content
// changed since it ran is reported as an error.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	checksums := make(map[int]string, len(applied))
	for _, mig := range applied {
		checksums[mig.Version] = mig.Checksum
	}

	files, err := m.available()
	if err != nil {
		return err
	}

	for _, f := range files {
		content, err := fs.ReadFile(m.files, f.name)
		if err != nil {
			return fmt.Errorf("failed to read migration file: %w", err)
		}
		sum := checksum(content)

		if prev, ok := checksums[f.version]; ok {
			if prev != sum {
				return fmt.Errorf("migration V%d was modified after being applied", f.version)
			}
			continue
		}

		if err := m.apply(f, content, sum); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", f.version, err)
		}
	}

	return nil
}

func (m *Migrator) apply(f migrationFile, content []byte, sum string) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, f.version, time.Now().Unix(), f.description, sum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// Down rolls back the last migration.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	matches, err := fs.Glob(m.files, fmt.Sprintf("V%d__*.down.sql", current))
	if err != nil {
		return fmt.Errorf("failed to search for rollback migration: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no rollback migration found for version %d", current)
	}

	content, err := fs.ReadFile(m.files, matches[0])
	if err != nil {
		return fmt.Errorf("failed to read rollback migration: %w", err)
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", current); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}

func checksum(content []byte) string {
	hash := sha256.Sum256(content)
	return hex.EncodeToString(hash[:])
}
