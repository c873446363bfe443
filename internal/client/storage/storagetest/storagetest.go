// Package storagetest opens throwaway local stores for tests.
package storagetest

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/gophmarket/internal/client/storage"
)

// OpenDB creates a migrated SQLite database under t.TempDir.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := storage.InitDatabase(context.Background(), storage.DSN(filepath.Join(t.TempDir(), "client.db")))
	if err != nil {
		t.Fatalf("init database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func NewKV(t testing.TB) *storage.SQLiteKV {
	return storage.NewSQLiteKV(OpenDB(t))
}

// Stores bundles every local store sharing one database.
type Stores struct {
	KV        *storage.SQLiteKV
	Cookies   *storage.SQLiteCookies
	Ephemeral *storage.MemoryEphemeral
}

func NewStores(t testing.TB) Stores {
	db := OpenDB(t)
	return Stores{
		KV:        storage.NewSQLiteKV(db),
		Cookies:   storage.NewSQLiteCookies(db),
		Ephemeral: storage.NewMemoryEphemeral(),
	}
}

var ErrBroken = errors.New("storage is broken")

// BrokenKV fails every call with ErrBroken.
type BrokenKV struct{}

func (BrokenKV) Get(context.Context, string) ([]byte, error)     { return nil, ErrBroken }
func (BrokenKV) Set(context.Context, string, []byte) error       { return ErrBroken }
func (BrokenKV) Delete(context.Context, string) error            { return ErrBroken }
func (BrokenKV) DeletePrefix(context.Context, string) error      { return ErrBroken }
func (BrokenKV) List(context.Context) (map[string][]byte, error) { return nil, ErrBroken }
func (BrokenKV) Clear(context.Context) error                     { return ErrBroken }
