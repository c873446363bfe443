package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/dbx"
)

// KV is the persistent key-value store backing the account registry, the
// credential vault, activity stamps, preferences and cache snapshots.
//
// Get returns (nil, nil) when the key does not exist.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	List(ctx context.Context) (map[string][]byte, error)
	Clear(ctx context.Context) error
}

// Atomic runs fn against kv so that its reads and writes form one
// transaction when kv supports it. Other stores run fn directly.
func Atomic(ctx context.Context, kv KV, fn func(ctx context.Context, kv KV) error) error {
	if t, ok := kv.(interface {
		InTx(ctx context.Context, fn func(ctx context.Context, kv KV) error) error
	}); ok {
		return t.InTx(ctx, fn)
	}
	return fn(ctx, kv)
}

type SQLiteKV struct {
	db dbx.DBTX
}

func NewSQLiteKV(db dbx.DBTX) *SQLiteKV {
	return &SQLiteKV{db: db}
}

// InTx runs fn with a store bound to a single transaction. A store that
// already runs inside one reuses it.
func (r *SQLiteKV) InTx(ctx context.Context, fn func(ctx context.Context, kv KV) error) error {
	db, ok := r.db.(*sql.DB)
	if !ok {
		return fn(ctx, r)
	}
	return dbx.WithTx(ctx, db, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, NewSQLiteKV(tx))
	})
}

func (r *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get kv[%s]: %w", key, err)
	}
	return value, nil
}

func (r *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set kv[%s]: %w", key, err)
	}
	return nil
}

func (r *SQLiteKV) Delete(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete kv[%s]: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix. substr is used
// instead of LIKE so '%' and '_' in keys need no escaping.
func (r *SQLiteKV) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM kv WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return fmt.Errorf("failed to delete kv prefix %q: %w", prefix, err)
	}
	return nil
}

func (r *SQLiteKV) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	return nil
}

func (r *SQLiteKV) List(ctx context.Context) (map[string][]byte, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("failed to list kv: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan kv row: %w", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate kv rows: %w", err)
	}
	return result, nil
}
