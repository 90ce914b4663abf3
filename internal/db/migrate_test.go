// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
		"V1__widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"V2__gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY);")},
		"V2__gadgets.down.sql": {Data: []byte("DROP TABLE gadgets;")},
		"README.md":            {Data: []byte("ignored")},
		"Vx__broken.up.sql":    {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n))
	return n == 1
}

// TestCurrentVersion verifies version tracking before and after Up.
func TestCurrentVersion(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())

	_, err := m.CurrentVersion()
	assert.Error(t, err, "CurrentVersion() should fail before Initialize()")

	require.NoError(t, m.Initialize())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, m.Up())
	v, err = m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

// TestUp_appliesInOrder verifies pending files are applied and recorded.
func TestUp_appliesInOrder(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	assert.True(t, tableExists(t, db, "widgets"))
	assert.True(t, tableExists(t, db, "gadgets"))

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "widgets", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// Idempotent.
	require.NoError(t, m.Up())
}

// TestUp_detectsModifiedMigration verifies checksum drift is reported.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := openRaw(t)
	files := testMigrations()
	m := NewMigrator(db, files)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Up())

	files["V1__widgets.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE widgets (id INTEGER);")}
	err := m.Up()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "V1")
}

// TestDown verifies the latest migration is rolled back.
func TestDown(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())
	require.NoError(t, m.Initialize())

	assert.Error(t, m.Down(), "Down() with nothing applied should fail")

	require.NoError(t, m.Up())
	require.NoError(t, m.Down())

	assert.False(t, tableExists(t, db, "gadgets"))
	assert.True(t, tableExists(t, db, "widgets"))
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

// TestParseMigrationName covers file name parsing.
func TestParseMigrationName(t *testing.T) {
	v, desc, ok := parseMigrationName("V12__add_index")
	assert.True(t, ok)
	assert.Equal(t, 12, v)
	assert.Equal(t, "add_index", desc)

	for _, bad := range []string{"V1", "V0__zero", "Vx__bad", "V3__"} {
		_, _, ok := parseMigrationName(bad)
		assert.False(t, ok, bad)
	}
}
