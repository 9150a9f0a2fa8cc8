package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

type sqliteBackend struct {
	pool *sqlitex.Pool
	path string
}

// OpenSQLiteStore keeps credentials in a small SQLite database at path.
func OpenSQLiteStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("credstore: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("credstore: creating %s: %w", filepath.Dir(path), err)
	}

	// SQLite gives the -wal and -shm files the mode of the database file, so
	// the database has to exist with the right mode before the first open
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("credstore: creating %s: %w", path, err)
	}
	f.Close()

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    2,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("credstore: opening %s: %w", path, err)
	}

	b := &sqliteBackend{pool: pool, path: path}

	// PrepareConn runs lazily, so take one connection to get the schema in place
	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("credstore: opening %s: %w", path, err)
	}
	pool.Put(conn)

	// Databases created before the mode was enforced may still be readable by others
	for _, name := range []string{path, path + "-wal", path + "-shm"} {
		err := os.Chmod(name, 0o600)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			pool.Close()
			return nil, fmt.Errorf("credstore: chmod %s: %w", name, err)
		}
	}
	return newStore(b), nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("credstore: %s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

func (s *sqliteBackend) get(ctx context.Context, key string) (string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return "", err
	}
	defer s.pool.Put(conn)

	var (
		value string
		found bool
	)
	err = sqlitex.Execute(conn, "SELECT value FROM credentials WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("credstore: reading %s: %w", key, err)
	}
	if !found {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *sqliteBackend) put(ctx context.Context, key, value string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO credentials (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{key, value}},
	)
	if err != nil {
		return fmt.Errorf("credstore: writing %s: %w", key, err)
	}
	return nil
}

func (s *sqliteBackend) delete(ctx context.Context, keys ...string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("credstore: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, key := range keys {
		err = sqlitex.Execute(conn, "DELETE FROM credentials WHERE key = ?", &sqlitex.ExecOptions{
			Args: []any{key},
		})
		if err != nil {
			return fmt.Errorf("credstore: deleting %s: %w", key, err)
		}
	}
	return nil
}

func (s *sqliteBackend) close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("credstore: closing %s: %w", s.path, err)
	}
	return nil
}
