package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDB creates a small database with n rows and returns its path.
func newTestDB(t *testing.T, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engram.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE working_items (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err = db.Exec(`INSERT INTO working_items (id) VALUES (?)`, fmt.Sprintf("item-%d", i))
		require.NoError(t, err)
	}
	return path
}

func countRows(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM working_items`).Scan(&n))
	return n
}

func steppedClock() func() time.Time {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		at = at.Add(time.Minute)
		return at
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir()})
	assert.Error(t, err)

	_, err = New(Config{DBPath: "engram.db"})
	assert.Error(t, err)

	s, err := New(Config{DBPath: "engram.db", Dir: filepath.Join(t.TempDir(), "nested")})
	require.NoError(t, err)
	assert.Equal(t, 7, s.cfg.Keep)
}

func TestSnapshotIsVerifiedCopy(t *testing.T) {
	dbPath := newTestDB(t, 3)
	s, err := New(Config{DBPath: dbPath, Dir: t.TempDir(), Verify: true})
	require.NoError(t, err)

	res, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Positive(t, res.Size)
	assert.Equal(t, 3, countRows(t, res.Path))
}

func TestSnapshotMissingDatabase(t *testing.T) {
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "absent.db"), Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestSnapshotPrunesOldest(t *testing.T) {
	dbPath := newTestDB(t, 1)
	s, err := New(Config{DBPath: dbPath, Dir: t.TempDir(), Keep: 2})
	require.NoError(t, err)
	s.now = steppedClock()

	var paths []string
	for i := 0; i < 4; i++ {
		res, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		paths = append(paths, res.Path)
	}

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, paths[3], list[0].Path)
	assert.Equal(t, paths[2], list[1].Path)
	assert.NoFileExists(t, paths[0])
}

func TestListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.db"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engram-snapshot-garbage.db"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "engram-snapshot-20260101-000000.000000.db"), 0o700))

	s, err := New(Config{DBPath: "engram.db", Dir: dir})
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRestoreReplacesDatabase(t *testing.T) {
	dbPath := newTestDB(t, 2)
	s, err := New(Config{DBPath: dbPath, Dir: t.TempDir()})
	require.NoError(t, err)

	res, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO working_items (id) VALUES ('later')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.Equal(t, 3, countRows(t, dbPath))

	require.NoError(t, s.Restore(context.Background(), res.Path))
	assert.Equal(t, 2, countRows(t, dbPath))
	assert.NoFileExists(t, dbPath+".pre-restore")
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	dbPath := newTestDB(t, 2)
	s, err := New(Config{DBPath: dbPath, Dir: t.TempDir()})
	require.NoError(t, err)

	bogus := filepath.Join(t.TempDir(), "bogus.db")
	require.NoError(t, os.WriteFile(bogus, []byte("not a database"), 0o600))

	assert.Error(t, s.Restore(context.Background(), bogus))
	assert.Equal(t, 2, countRows(t, dbPath))
}
