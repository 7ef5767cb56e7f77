package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

// Database is the sqlite-backed store for advices, engine runs and the day
// risk audit trail. The raw handle is exported because the dedupe store
// shares it.
type Database struct {
	DB *sql.DB
}

// openPragmas are applied once per open, not per schema migration, so they
// also hold for databases that were migrated by an earlier version.
var openPragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA busy_timeout=5000;",
	"PRAGMA foreign_keys=ON;",
}

// New opens the database at path, creating parent directories as needed.
// Writes are serialized through a single connection; sqlite allows only one
// writer anyway, and queueing in database/sql beats SQLITE_BUSY retries.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	handle, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetConnMaxLifetime(time.Hour)

	for _, pragma := range openPragmas {
		if _, err := handle.Exec(pragma); err != nil {
			handle.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	return &Database{DB: handle}, nil
}

// Close releases the underlying handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
