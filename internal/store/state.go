package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutState upserts a key/value checkpoint in sync_state.
func (db *DB) PutState(ctx context.Context, key, value string) error {
	return putState(ctx, db.DB, key, value)
}

func putState(ctx context.Context, e execer, key, value string) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put state %s: %w", key, err)
	}
	return nil
}

// GetState returns a checkpoint value and whether it exists.
func (db *DB) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

// DeleteStatePrefix removes every checkpoint whose key starts with prefix.
func (db *DB) DeleteStatePrefix(ctx context.Context, prefix string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM sync_state WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("delete state %s*: %w", prefix, err)
	}
	return nil
}

// DeleteState removes one checkpoint.
func (db *DB) DeleteState(ctx context.Context, key string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// ListState returns every checkpoint whose key starts with prefix, keyed by
// the remainder of the key.
func (db *DB) ListState(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT key, value FROM sync_state WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("list state %s*: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("list state %s*: %w", prefix, err)
		}
		out[key[len(prefix):]] = value
	}
	return out, rows.Err()
}
