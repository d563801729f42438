package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	// Postgres SQL driver; also used to classify constraint errors.
	"github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists namespaces and entries in SQLite or Postgres so the
// cache survives process restarts.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore opens a SQLite-backed store. dsn can be a file path or a
// SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "seasonworker-cache.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache store: %w", err)
	}
	// One connection serialises writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore opens a Postgres-backed store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cache store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s cache store: %w", s.dialect, err)
	}

	var ddl []string
	switch s.dialect {
	case dialectPostgres:
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS cache_namespaces (
	id BIGSERIAL PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS cache_entries (
	namespace TEXT NOT NULL REFERENCES cache_namespaces(name) ON DELETE CASCADE,
	key TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BYTEA NOT NULL,
	stored_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, key)
)`,
		}
	default:
		ddl = []string{
			`CREATE TABLE IF NOT EXISTS cache_namespaces (
	id INTEGER PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	created_at DATETIME NOT NULL
)`,
			`CREATE TABLE IF NOT EXISTS cache_entries (
	namespace TEXT NOT NULL REFERENCES cache_namespaces(name) ON DELETE CASCADE,
	key TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at DATETIME NOT NULL,
	PRIMARY KEY (namespace, key)
)`,
		}
	}

	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s cache schema: %w", s.dialect, err)
		}
	}
	return nil
}

// Open creates namespace if it does not exist.
func (s *SQLStore) Open(ctx context.Context, namespace string) error {
	q := s.bind(`INSERT INTO cache_namespaces(name, created_at) VALUES(?, ?) ON CONFLICT(name) DO NOTHING`)
	if _, err := s.db.ExecContext(ctx, q, namespace, time.Now().UTC()); err != nil {
		return fmt.Errorf("open namespace %q: %w", namespace, err)
	}
	return nil
}

// Namespaces lists namespaces in creation order.
func (s *SQLStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_namespaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan namespace: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Retain deletes every namespace except keep inside one transaction.
func (s *SQLStore) Retain(ctx context.Context, keep string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin purge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.bind(`SELECT name FROM cache_namespaces WHERE name <> ? ORDER BY id`), keep)
	if err != nil {
		return nil, fmt.Errorf("list stale namespaces: %w", err)
	}
	var deleted []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan stale namespace: %w", err)
		}
		deleted = append(deleted, name)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("list stale namespaces: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM cache_entries WHERE namespace <> ?`), keep); err != nil {
		return nil, fmt.Errorf("delete stale entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.bind(`DELETE FROM cache_namespaces WHERE name <> ?`), keep); err != nil {
		return nil, fmt.Errorf("delete stale namespaces: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit purge: %w", err)
	}
	return deleted, nil
}

// Get returns the entry stored under key in namespace.
func (s *SQLStore) Get(ctx context.Context, namespace string, key Key) (*Entry, bool, error) {
	q := s.bind(`SELECT status, header, body, stored_at FROM cache_entries WHERE namespace = ? AND key = ?`)

	var (
		e         = Entry{Key: key}
		headerRaw string
	)
	err := s.db.QueryRowContext(ctx, q, namespace, string(key)).Scan(&e.Status, &headerRaw, &e.Body, &e.StoredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(headerRaw), &e.Header); err != nil {
		return nil, false, fmt.Errorf("decode cached header: %w", err)
	}
	return &e, true, nil
}

// Put upserts entries into namespace in a single transaction.
func (s *SQLStore) Put(ctx context.Context, namespace string, entries ...Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, s.namespaceLockQuery(), namespace).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNamespaceNotFound
	}
	if err != nil {
		return fmt.Errorf("check namespace %q: %w", namespace, err)
	}

	q := s.bind(`
INSERT INTO cache_entries(namespace, key, status, header, body, stored_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(namespace, key) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	stored_at = excluded.stored_at`)

	now := time.Now().UTC()
	for _, e := range entries {
		header := e.Header
		if header == nil {
			header = http.Header{}
		}
		headerJSON, err := json.Marshal(header)
		if err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
		storedAt := e.StoredAt
		if storedAt.IsZero() {
			storedAt = now
		}
		body := e.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(ctx, q, namespace, string(e.Key), e.Status, string(headerJSON), body, storedAt.UTC()); err != nil {
			if isForeignKeyViolation(err) {
				return ErrNamespaceNotFound
			}
			return fmt.Errorf("put cache entry %q: %w", e.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		if isForeignKeyViolation(err) {
			return ErrNamespaceNotFound
		}
		return fmt.Errorf("commit put: %w", err)
	}
	return nil
}

// namespaceLockQuery checks that a namespace exists. On Postgres the row is
// share-locked so a concurrent Retain cannot delete it before the put
// commits. SQLite runs on a single connection and needs no lock.
func (s *SQLStore) namespaceLockQuery() string {
	q := `SELECT 1 FROM cache_namespaces WHERE name = ?`
	if s.dialect == dialectPostgres {
		q += ` FOR SHARE`
	}
	return s.bind(q)
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// Keys lists the keys stored in namespace.
func (s *SQLStore) Keys(ctx context.Context, namespace string) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT key FROM cache_entries WHERE namespace = ? ORDER BY key`), namespace)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []Key
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, Key(k))
	}
	return keys, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
