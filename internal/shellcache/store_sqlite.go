package shellcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	store     TEXT    NOT NULL,
	key       TEXT    NOT NULL,
	status    INTEGER NOT NULL,
	header    BLOB    NOT NULL,
	body      BLOB    NOT NULL,
	stored_at INTEGER NOT NULL,
	hash      INTEGER NOT NULL,
	PRIMARY KEY (store, key)
);
`

// SQLiteStorage persists stores in a SQLite database.
type SQLiteStorage struct {
	sqlDB *sql.DB
}

// OpenSQLiteStorage opens the database file at path and creates the schema.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{sqlDB: sqlDB}, nil
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT OR IGNORE INTO stores (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}
	return &sqliteStore{db: s.sqlDB, name: name}, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `DELETE FROM stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE store = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (st *sqliteStore) Get(ctx context.Context, key string) (CacheEntry, error) {
	row := st.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at, hash FROM entries WHERE store = ? AND key = ?`,
		st.name, key)
	var (
		ent    CacheEntry
		header []byte
		hash   int64
	)
	if err := row.Scan(&ent.Status, &header, &ent.Body, &ent.StoredAt, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CacheEntry{}, ErrNotFound
		}
		return CacheEntry{}, err
	}
	ent.Header = make(http.Header)
	if err := json.Unmarshal(header, &ent.Header); err != nil {
		return CacheEntry{}, fmt.Errorf("decode header of %q: %w", key, err)
	}
	ent.Hash64 = uint64(hash)
	return ent, nil
}

func (st *sqliteStore) Put(ctx context.Context, key string, ent CacheEntry) error {
	header, err := json.Marshal(ent.Header)
	if err != nil {
		return err
	}
	body := ent.Body
	if body == nil {
		body = []byte{}
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO stores (name) VALUES (?)`, st.name); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (store, key, status, header, body, stored_at, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(store, key) DO UPDATE SET
		   status = excluded.status, header = excluded.header, body = excluded.body,
		   stored_at = excluded.stored_at, hash = excluded.hash`,
		st.name, key, ent.Status, header, body, ent.StoredAt, int64(ent.Hash64))
	if err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return tx.Commit()
}

func (st *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := st.db.ExecContext(ctx, `DELETE FROM entries WHERE store = ? AND key = ?`, st.name, key)
	return err
}

func (st *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `SELECT key FROM entries WHERE store = ? ORDER BY key`, st.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Usage reports entry counts and body sizes per store.
func (s *SQLiteStorage) Usage() map[string]StoreUsage {
	out := map[string]StoreUsage{}
	rows, err := s.sqlDB.Query(
		`SELECT s.name, COUNT(e.key), COALESCE(SUM(LENGTH(e.body)), 0)
		 FROM stores s LEFT JOIN entries e ON e.store = s.name GROUP BY s.name`)
	if err != nil {
		return out
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			u    StoreUsage
		)
		if err := rows.Scan(&name, &u.Entries, &u.Bytes); err != nil {
			return out
		}
		out[name] = u
	}
	return out
}
