// Package kvstore is pollwatch's persisted key-value store: string keys,
// JSON values, one SQLite table. It is the stand-in for the extension's
// local storage area (get / set / remove by key) and survives restarts.
//
// Every write bumps a single revision counter so readers can cheaply detect
// change (see Watcher).
//
// Usage:
//
//	import _ "modernc.org/sqlite"
//	st, err := kvstore.Open("data/pollwatch.db", kvstore.WithMkdirAll())
//	err = st.Set(ctx, map[string]any{"lastCheck": time.Now()})
//
// In tests:
//
//	st := kvstore.OpenMemory(t)
package kvstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// Schema is applied by Open. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_revision (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	rev INTEGER NOT NULL
);

INSERT OR IGNORE INTO kv_revision (id, rev) VALUES (1, 0);
`

// Store is a JSON key-value store backed by SQLite. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

type config struct {
	driver      string
	busyTimeout int
	mkdirAll    bool
}

// Option customises Open.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// Open opens (or creates) the store at path. The caller must blank-import
// the driver:
//
//	import _ "modernc.org/sqlite"
func Open(path string, opts ...Option) (*Store, error) {
	cfg := config{driver: "sqlite", busyTimeout: 10_000}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("kvstore: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("kvstore: %s: %w", p, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: schema: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store for testing. Open pins ":memory:" to a
// single connection since each connection is a separate database.
// The store is closed by t.Cleanup.
func OpenMemory(t testing.TB, opts ...Option) *Store {
	t.Helper()
	s, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("kvstore.OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw JSON values of the requested keys. Keys that are not
// present are absent from the result. With no keys, every entry is returned.
func (s *Store) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	query := `SELECT key, value FROM kv`
	args := make([]any, len(keys))
	if len(keys) > 0 {
		query += ` WHERE key IN (?` + strings.Repeat(",?", len(keys)-1) + `)`
		for i, k := range keys {
			args[i] = k
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kvstore: get: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage, len(keys))
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kvstore: scan: %w", err)
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

// GetInto decodes the value stored under key into dst. It reports whether
// the key was present.
func (s *Store) GetInto(ctx context.Context, key string, dst any) (bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(v), dst); err != nil {
		return true, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	return true, nil
}

// Set JSON-encodes and upserts every entry of values in one transaction.
func (s *Store) Set(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	encoded := make(map[string]string, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("kvstore: encode %s: %w", k, err)
		}
		encoded[k] = string(data)
	}

	now := time.Now().UnixMilli()
	return RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for k, v := range encoded {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, v, now); err != nil {
				return fmt.Errorf("kvstore: set %s: %w", k, err)
			}
		}
		return bumpRevision(ctx, tx)
	})
}

// Remove deletes the given keys. Missing keys are ignored.
func (s *Store) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
				return fmt.Errorf("kvstore: remove %s: %w", k, err)
			}
		}
		return bumpRevision(ctx, tx)
	})
}

// Keys lists the keys starting with prefix, in lexical order.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("kvstore: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("kvstore: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Revision returns the write counter. It increases on every Set and Remove.
func (s *Store) Revision(ctx context.Context) (int64, error) {
	var rev int64
	err := s.db.QueryRowContext(ctx, `SELECT rev FROM kv_revision WHERE id = 1`).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("kvstore: revision: %w", err)
	}
	return rev, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `UPDATE kv_revision SET rev = rev + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("kvstore: bump revision: %w", err)
	}
	return nil
}
