package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// KV implements storage.KV on a single SQLite table.
type KV struct {
	db *sql.DB
}

func NewKV(dbConn *sql.DB) *KV {
	return &KV{db: dbConn}
}

func (r *KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte

	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, err
	}

	return value, true, nil
}

// Set upserts the blob stored under key.
func (r *KV) Set(ctx context.Context, key string, value []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UTC().Format(time.RFC3339))

	return err
}

func (r *KV) Close() error {
	return r.db.Close()
}
