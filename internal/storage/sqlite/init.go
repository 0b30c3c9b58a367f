package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS downloads (
	id               TEXT PRIMARY KEY,
	tag              TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL,
	file_name        TEXT NOT NULL,
	destination_path TEXT NOT NULL,
	destination      TEXT NOT NULL,
	headers          TEXT NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL DEFAULT 'DEFAULT',
	progress         INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes INTEGER NOT NULL DEFAULT 0,
	total_bytes      INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	retry_count      INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS downloads_url_destination ON downloads (url, destination);
CREATE INDEX IF NOT EXISTS downloads_tag ON downloads (tag);
CREATE INDEX IF NOT EXISTS downloads_status ON downloads (status);
`

// InitDB opens the SQLite database at path and creates the downloads table if it doesn't exist.
func InitDB(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}
