package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophmarket/internal/dbx"
)

// Cookies is a name/value jar with per-cookie expiry. Expired cookies are
// invisible to Get.
type Cookies interface {
	Get(ctx context.Context, name string) (string, bool, error)
	Set(ctx context.Context, name, value string, maxAge time.Duration) error
	Delete(ctx context.Context, name string) error
	Clear(ctx context.Context) error
}

type SQLiteCookies struct {
	db  dbx.DBTX
	now func() time.Time
}

func NewSQLiteCookies(db dbx.DBTX) *SQLiteCookies {
	return &SQLiteCookies{db: db, now: time.Now}
}

func (c *SQLiteCookies) Get(ctx context.Context, name string) (string, bool, error) {
	var (
		value     string
		expiresAt int64
	)
	err := c.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cookies WHERE name = ?`, name).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get cookie %s: %w", name, err)
	}
	if expiresAt > 0 && c.now().UnixMilli() >= expiresAt {
		return "", false, nil
	}
	return value, true, nil
}

// Set stores a cookie. A non-positive maxAge means the cookie never expires.
func (c *SQLiteCookies) Set(ctx context.Context, name, value string, maxAge time.Duration) error {
	var expiresAt int64
	if maxAge > 0 {
		expiresAt = c.now().Add(maxAge).UnixMilli()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cookies (name, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, name, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set cookie %s: %w", name, err)
	}
	return nil
}

func (c *SQLiteCookies) Delete(ctx context.Context, name string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cookies WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to delete cookie %s: %w", name, err)
	}
	return nil
}

func (c *SQLiteCookies) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cookies`); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}
