// Package storage is the local SQLite cache: device positions (with a dirty
// flag for edits the backend has not accepted yet), the feed cursor and the
// last known background image.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"doorwatch/common/logger"
	"doorwatch/layout"
)

const (
	memoryPath = ":memory:"

	keyCursor     = "feed_cursor"
	keyBackground = "background"
)

// CachedPosition is a position as held in the local cache.
type CachedPosition struct {
	layout.Position
	Dirty     bool
	UpdatedAt time.Time
}

// Store is the SQLite-backed cache. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	dbPath string
	log    logger.Interface
	now    func() time.Time
}

// Open opens (creating if needed) the cache at dbPath. An empty path opens an
// in-memory database. A file whose schema cannot be initialized is rotated
// aside and replaced with a fresh one.
func Open(dbPath string, log logger.Interface) (*Store, error) {
	return open(dbPath, logger.OrNop(log), true)
}

func open(dbPath string, log logger.Interface, allowRotate bool) (*Store, error) {
	if dbPath == "" {
		dbPath = memoryPath
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == memoryPath {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 30000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: db, dbPath: dbPath, log: log, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		if !allowRotate || dbPath == memoryPath {
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}

		log.Error("Cache schema initialization failed, rotating database", "error", err, "path", dbPath)
		backupPath, rotateErr := RotateDatabase(dbPath, s.now())
		if rotateErr != nil {
			return nil, fmt.Errorf("failed to initialize schema and unable to rotate database: %w (rotation error: %v)", err, rotateErr)
		}
		log.Warn("Cache rotated, starting with a fresh database", "backupPath", backupPath, "path", dbPath)
		return open(dbPath, log, false)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database path.
func (s *Store) Path() string { return s.dbPath }

// SavePositions upserts positions with the given dirty flag.
func (s *Store) SavePositions(ctx context.Context, positions []layout.Position, dirty bool) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO positions (device_id, x, y, dirty, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET x = excluded.x, y = excluded.y,
			dirty = excluded.dirty, updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC()
	for _, p := range positions {
		if _, err := stmt.ExecContext(ctx, p.ID, p.X, p.Y, boolInt(dirty), now); err != nil {
			return fmt.Errorf("save position %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// MarkClean clears the dirty flag of each position whose cached coordinates
// still equal the given ones. A position moved again since is left dirty.
func (s *Store) MarkClean(ctx context.Context, positions []layout.Position) (int, error) {
	cleaned := 0
	for _, p := range positions {
		res, err := s.db.ExecContext(ctx,
			`UPDATE positions SET dirty = 0 WHERE device_id = ? AND x = ? AND y = ? AND dirty = 1`,
			p.ID, p.X, p.Y)
		if err != nil {
			return cleaned, fmt.Errorf("mark clean %s: %w", p.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			cleaned += int(n)
		}
	}
	return cleaned, nil
}

// Positions returns every cached position ordered by device id.
func (s *Store) Positions(ctx context.Context) ([]CachedPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, x, y, dirty, updated_at FROM positions ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []CachedPosition
	for rows.Next() {
		var cp CachedPosition
		var dirty int
		if err := rows.Scan(&cp.ID, &cp.X, &cp.Y, &dirty, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		cp.Dirty = dirty != 0
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DirtyPositions returns positions the backend has not accepted yet.
func (s *Store) DirtyPositions(ctx context.Context) ([]layout.Position, error) {
	all, err := s.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var out []layout.Position
	for _, cp := range all {
		if cp.Dirty {
			out = append(out, cp.Position)
		}
	}
	return out, nil
}

// DeletePositions removes cached positions for devices no longer listed.
func (s *Store) DeletePositions(ctx context.Context, keep []string) (int, error) {
	all, err := s.Positions(ctx)
	if err != nil {
		return 0, err
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	removed := 0
	for _, cp := range all {
		if _, ok := keepSet[cp.ID]; ok {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE device_id = ?`, cp.ID); err != nil {
			return removed, fmt.Errorf("delete position %s: %w", cp.ID, err)
		}
		removed++
	}
	return removed, nil
}

// Cursor returns the persisted feed cursor, 0 when none is stored.
func (s *Store) Cursor(ctx context.Context) (int64, error) {
	v, ok, err := s.getState(ctx, keyCursor)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.log.Warn("Ignoring corrupt feed cursor", "value", v)
		return 0, nil
	}
	return n, nil
}

// SetCursor persists the feed cursor.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	return s.setState(ctx, keyCursor, strconv.FormatInt(cursor, 10))
}

// Background returns the last cached background reference.
func (s *Store) Background(ctx context.Context) (string, error) {
	v, _, err := s.getState(ctx, keyBackground)
	return v, err
}

// SetBackground caches the background reference.
func (s *Store) SetBackground(ctx context.Context, ref string) error {
	return s.setState(ctx, keyBackground, ref)
}

func (s *Store) getState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().UTC())
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
