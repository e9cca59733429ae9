// Package db opens the session store's backing database. SQLite is the
// default; Postgres is available for deployments that already run one.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const defaultBusyTimeout = 5 * time.Second

// OpenSQLite opens a SQLite database configured for the store's single-writer
// discipline: one connection, WAL journal, foreign keys on.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	normalized, err := filepath.Abs(dbPath)
	if err != nil {
		normalized = dbPath
	}
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}

	// busy_timeout waits briefly on locks to reduce transient "database is
	// locked"; WAL lets attach-snapshot reads proceed alongside the writer.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}
