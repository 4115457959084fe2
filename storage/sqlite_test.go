package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doorwatch/layout"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPositionsDirtyLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePositions(ctx, []layout.Position{{ID: "D1", X: 1, Y: 2}, {ID: "D2", X: 3, Y: 4}}, false))
	require.NoError(t, s.SavePositions(ctx, []layout.Position{{ID: "D2", X: 30, Y: 40}}, true))

	all, err := s.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, layout.Position{ID: "D1", X: 1, Y: 2}, all[0].Position)
	assert.False(t, all[0].Dirty)
	assert.Equal(t, layout.Position{ID: "D2", X: 30, Y: 40}, all[1].Position)
	assert.True(t, all[1].Dirty)
	assert.False(t, all[1].UpdatedAt.IsZero())

	dirty, err := s.DirtyPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []layout.Position{{ID: "D2", X: 30, Y: 40}}, dirty)

	// A save acknowledged for an older position leaves the newer edit dirty.
	n, err := s.MarkClean(ctx, []layout.Position{{ID: "D2", X: 3, Y: 4}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.MarkClean(ctx, []layout.Position{{ID: "D2", X: 30, Y: 40}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	dirty, err = s.DirtyPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestDeletePositions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePositions(ctx, []layout.Position{{ID: "a"}, {ID: "b"}, {ID: "c"}}, false))
	removed, err := s.DeletePositions(ctx, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	all, err := s.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].ID)
}

func TestCursorAndBackground(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, c)

	require.NoError(t, s.SetCursor(ctx, 41))
	require.NoError(t, s.SetCursor(ctx, 42))
	c, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), c)

	bg, err := s.Background(ctx)
	require.NoError(t, err)
	assert.Empty(t, bg)
	require.NoError(t, s.SetBackground(ctx, "data:image/png;base64,AAAA"))
	bg, err = s.Background(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAAA", bg)
}

func TestCorruptCursorReadsAsZero(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.setState(ctx, keyCursor, "not-a-number"))
	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Zero(t, c)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SavePositions(ctx, []layout.Position{{ID: "D1", X: 5, Y: 6}}, true))
	require.NoError(t, s.SetCursor(ctx, 7))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	dirty, err := s.DirtyPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []layout.Position{{ID: "D1", X: 5, Y: 6}}, dirty)
	c, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), c)
	assert.Equal(t, schemaVersion, s.currentVersion())
}

func TestNewerSchemaIsRotated(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE schema_version (version INTEGER PRIMARY KEY, applied_at DATETIME NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_version (version, applied_at) VALUES (99, ?)`, time.Now())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, schemaVersion, s.currentVersion())

	backups, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	assert.NotEmpty(t, backups)
}

func TestRotateDatabaseErrors(t *testing.T) {
	t.Parallel()
	_, err := RotateDatabase(":memory:", time.Now())
	assert.Error(t, err)
	_, err = RotateDatabase(filepath.Join(t.TempDir(), "missing.db"), time.Now())
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "x.db")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	backup, err := RotateDatabase(path, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, path+".backup.2025-01-02T03-04-05", backup)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
