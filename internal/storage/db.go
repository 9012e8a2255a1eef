package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DefaultFile is the database file name used when none is configured.
const DefaultFile = "calls.db"

// DB wraps the SQLite database holding the call log.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database at path, creating parent directories.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc/sqlite connections do not share PRAGMA state; keep one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_logs (
			id               TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			callee_id        TEXT NOT NULL,
			call_type        TEXT NOT NULL,
			status           TEXT NOT NULL,
			start_ms         INTEGER NOT NULL,
			end_ms           INTEGER NOT NULL DEFAULT 0,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			created_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_call_logs_caller ON call_logs(caller_id, start_ms);
		CREATE INDEX IF NOT EXISTS idx_call_logs_callee ON call_logs(callee_id, start_ms);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call_logs table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}
