// Package sqlitekv is a single process kv.Backend stored in SQLite.
//
// SQLite serialises writers but cannot report read/write conflicts between
// optimistic transactions, so conflicts are tracked in process with
// kv.ConflictTracker. Only one process may open a given database file.
package sqlitekv

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/petrijr/gasoline/pkg/kv"
)

// Store is a kv.Backend over a *sql.DB using the "sqlite" driver.
type Store struct {
	db      *sql.DB
	tracker *kv.ConflictTracker
	ownsDB  bool
}

// Ensure Store implements kv.Backend.
var _ kv.Backend = (*Store)(nil)

// Open opens (or creates) the database at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite only supports one writer at a time; an in-memory database also
	// only exists on the connection that created it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New initialises the schema in db and returns a Store. The caller keeps
// ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var version uint64
	if err := db.QueryRow(`SELECT version FROM kv_meta WHERE id = 1`).Scan(&version); err != nil {
		return nil, fmt.Errorf("read commit version: %w", err)
	}
	s.tracker = kv.NewConflictTrackerAt(version, 0)
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`PRAGMA busy_timeout = 5000`,
		`CREATE TABLE IF NOT EXISTS kv (
			key BLOB PRIMARY KEY,
			value BLOB NOT NULL
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS kv_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO kv_meta (id, version) VALUES (1, 1)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Begin implements kv.Backend.
func (s *Store) Begin(ctx context.Context) (kv.BackendTx, error) {
	return &tx{s: s, readVersion: s.tracker.ReadVersion()}, nil
}

// Close implements kv.Backend. The *sql.DB is closed only if Open created
// it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

type tx struct {
	s           *Store
	readVersion uint64
}

func (t *tx) ReadVersion() uint64 { return t.readVersion }

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, blob(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kv.BackendError(err)
	}
	return value, true, nil
}

func (t *tx) Scan(ctx context.Context, begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := t.s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key `+order+` LIMIT ?`,
		blob(begin), blob(end), limit,
	)
	if err != nil {
		return nil, kv.BackendError(err)
	}
	defer rows.Close()

	var out []kv.KeyValue
	for rows.Next() {
		var row kv.KeyValue
		if err := rows.Scan(&row.Key, &row.Value); err != nil {
			return nil, kv.BackendError(err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, kv.BackendError(err)
	}
	return out, nil
}

func (t *tx) Commit(ctx context.Context, req *kv.CommitRequest) error {
	return t.s.tracker.Commit(t.readVersion, req.ReadConflicts, req.WriteConflicts, func(version uint64) ([]kv.KeyRange, error) {
		sqlTx, err := t.s.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, kv.BackendError(err)
		}
		defer sqlTx.Rollback() //nolint:errcheck

		stamped, err := kv.ApplyMutations(ctx, sqlWriter{sqlTx}, req.Mutations, kv.StampFromVersion(version))
		if err != nil {
			return nil, err
		}
		if _, err := sqlTx.ExecContext(ctx, `UPDATE kv_meta SET version = ? WHERE id = 1`, version); err != nil {
			return nil, kv.BackendError(err)
		}
		if err := sqlTx.Commit(); err != nil {
			return nil, kv.BackendError(err)
		}
		return stamped, nil
	})
}

func (t *tx) Rollback(ctx context.Context) error { return nil }

type sqlWriter struct {
	tx *sql.Tx
}

func (w sqlWriter) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := w.tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, blob(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kv.BackendError(err)
	}
	return value, true, nil
}

func (w sqlWriter) Put(ctx context.Context, key, value []byte) error {
	_, err := w.tx.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		blob(key), blob(value),
	)
	if err != nil {
		return kv.BackendError(err)
	}
	return nil
}

func (w sqlWriter) Delete(ctx context.Context, key []byte) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, blob(key)); err != nil {
		return kv.BackendError(err)
	}
	return nil
}

func (w sqlWriter) DeleteRange(ctx context.Context, begin, end []byte) error {
	if _, err := w.tx.ExecContext(ctx, `DELETE FROM kv WHERE key >= ? AND key < ?`, blob(begin), blob(end)); err != nil {
		return kv.BackendError(err)
	}
	return nil
}

// blob keeps empty keys and values from being bound as NULL.
func blob(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
