package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the key/value table if it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS kv_store (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at DATETIME NOT NULL
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create kv_store table: %w", err)
	}

	return db, nil
}
