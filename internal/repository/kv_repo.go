package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liliang-cn/modelchat/internal/domain"
)

// Keys owned by the history store.
const (
	KeyChatHistory     = "chatHistory"
	KeyActiveSessionID = "activeChatSessionId"
)

// KVStore is a key-value store with a total size ceiling, the server-side
// stand-in for browser local storage.
type KVStore struct {
	db       *DB
	maxBytes int64
}

// NewKVStore creates a new key-value store. maxBytes <= 0 disables the ceiling.
func NewKVStore(db *DB, maxBytes int64) *KVStore {
	return &KVStore{db: db, maxBytes: maxBytes}
}

// Get returns the value for key; ok is false when the key is absent.
func (r *KVStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores value under key, failing with ErrQuotaExceeded when the total
// size of all values would pass the ceiling.
func (r *KVStore) Set(ctx context.Context, key, value string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if r.maxBytes > 0 {
		var others int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(CAST(value AS BLOB))), 0) FROM kv WHERE key != ?`, key,
		).Scan(&others); err != nil {
			return err
		}
		if total := others + int64(len(value)); total > r.maxBytes {
			return fmt.Errorf("%w: %d bytes for %q, limit %d", domain.ErrQuotaExceeded, total, key, r.maxBytes)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now()); err != nil {
		return err
	}

	return tx.Commit()
}

// Remove deletes key. Removing a missing key is not an error.
func (r *KVStore) Remove(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

// GetJSON decodes the value for key into v.
func (r *KVStore) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it under key.
func (r *KVStore) SetJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return r.Set(ctx, key, string(data))
}
