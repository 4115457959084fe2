package storage

import (
	"fmt"
	"os"
	"time"
)

// schemaVersion is bumped whenever migrations gains an entry.
const schemaVersion = 2

var migrations = map[int][]string{
	1: {
		`CREATE TABLE IF NOT EXISTS positions (
			device_id  TEXT PRIMARY KEY,
			x          REAL NOT NULL,
			y          REAL NOT NULL,
			dirty      INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	},
	2: {
		`CREATE INDEX IF NOT EXISTS idx_positions_dirty ON positions(dirty)`,
	},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current := s.currentVersion()
	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", current, schemaVersion)
	}
	for v := current + 1; v <= schemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migration %d: %w", v, err)
			}
		}
		if _, err := s.db.Exec(`INSERT OR REPLACE INTO schema_version (version, applied_at) VALUES (?, ?)`,
			v, s.now().UTC()); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Debug("Applied cache migration", "version", v)
	}
	return nil
}

func (s *Store) currentVersion() int {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0
	}
	return version
}

// RotateDatabase renames the database file (and its WAL/SHM companions) with
// a timestamp suffix and returns the backup path.
//
// Example: cache.db -> cache.db.backup.2025-11-06T14-59-31
func RotateDatabase(dbPath string, at time.Time) (string, error) {
	if dbPath == "" || dbPath == memoryPath {
		return "", fmt.Errorf("cannot rotate in-memory database")
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return "", fmt.Errorf("database file does not exist: %s", dbPath)
	}

	stamp := at.Format("2006-01-02T15-04-05")
	backupPath := fmt.Sprintf("%s.backup.%s", dbPath, stamp)
	if err := os.Rename(dbPath, backupPath); err != nil {
		return "", fmt.Errorf("failed to rename database: %w", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if _, err := os.Stat(dbPath + suffix); err == nil {
			_ = os.Rename(dbPath+suffix, fmt.Sprintf("%s%s.backup.%s", dbPath, suffix, stamp))
		}
	}
	return backupPath, nil
}
