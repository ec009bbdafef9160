// Package pgkv is a kv.Backend stored in PostgreSQL.
//
// Every kv transaction runs in a SERIALIZABLE PostgreSQL transaction, so
// conflicts between concurrent reads and writes of stored rows are detected
// by the server and surface as kv.ErrNotCommitted. Conflict ranges that were
// added explicitly are materialised in the kv_conflicts table: write ranges
// are inserted as rows and read ranges are read back as predicates, which
// lets serializable snapshot isolation see them as ordinary data conflicts.
package pgkv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/gasoline/pkg/kv"
)

// conflictRetention is how long materialised write conflict ranges are kept.
// Transactions older than this fail their commit anyway.
const conflictRetention = time.Minute

// Store is a kv.Backend over a pgx connection pool.
type Store struct {
	pool    *pgxpool.Pool
	ownPool bool
}

// Ensure Store implements kv.Backend.
var _ kv.Backend = (*Store)(nil)

// Open connects to dsn and prepares the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.ownPool = true
	return s, nil
}

// New prepares the schema in pool. The caller keeps ownership of pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS kv (
			key BYTEA PRIMARY KEY,
			value BYTEA NOT NULL
		);
		CREATE TABLE IF NOT EXISTS kv_conflicts (
			range_begin BYTEA NOT NULL,
			range_end BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS kv_conflicts_begin_idx ON kv_conflicts (range_begin);
		CREATE SEQUENCE IF NOT EXISTS kv_commit_version;
	`)
	return err
}

// Truncate removes every key. Tests use it between cases.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE kv, kv_conflicts`)
	return err
}

// Begin implements kv.Backend.
func (s *Store) Begin(ctx context.Context) (kv.BackendTx, error) {
	ptx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, mapError(err)
	}
	return &tx{ptx: ptx}, nil
}

// Close implements kv.Backend.
func (s *Store) Close() error {
	if s.ownPool {
		s.pool.Close()
	}
	return nil
}

type tx struct {
	ptx pgx.Tx
}

func (t *tx) ReadVersion() uint64 { return 0 }

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := t.ptx.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mapError(err)
	}
	return value, true, nil
}

func (t *tx) Scan(ctx context.Context, begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	query := `SELECT key, value FROM kv WHERE key >= $1 AND key < $2 ORDER BY key ` + order
	args := []any{begin, end}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := t.ptx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []kv.KeyValue
	for rows.Next() {
		var row kv.KeyValue
		if err := rows.Scan(&row.Key, &row.Value); err != nil {
			return nil, mapError(err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (t *tx) Commit(ctx context.Context, req *kv.CommitRequest) error {
	if err := t.materialiseConflicts(ctx, req.Explicit); err != nil {
		_ = t.ptx.Rollback(ctx)
		return err
	}

	var stamp [10]byte
	if needsVersionstamp(req.Mutations) {
		var version int64
		if err := t.ptx.QueryRow(ctx, `SELECT nextval('kv_commit_version')`).Scan(&version); err != nil {
			_ = t.ptx.Rollback(ctx)
			return mapError(err)
		}
		stamp = kv.StampFromVersion(uint64(version))
	}

	if _, err := kv.ApplyMutations(ctx, writer{t.ptx}, req.Mutations, stamp); err != nil {
		_ = t.ptx.Rollback(ctx)
		return mapError(err)
	}

	if err := t.ptx.Commit(ctx); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return mapError(err)
		}
		// The COMMIT may or may not have reached the server.
		return kv.NewError(kv.CodeCommitUnknownResult, err)
	}
	return nil
}

func (t *tx) materialiseConflicts(ctx context.Context, conflicts []kv.ExplicitConflict) error {
	for _, c := range conflicts {
		switch c.Kind {
		case kv.ConflictRead:
			var n int64
			err := t.ptx.QueryRow(ctx, `
				SELECT count(*) FROM kv_conflicts
				WHERE range_begin < $2 AND range_end > $1
				  AND created_at > now() - make_interval(secs => $3)
			`, c.Range.Begin, c.Range.End, conflictRetention.Seconds()).Scan(&n)
			if err != nil {
				return mapError(err)
			}
		case kv.ConflictWrite:
			_, err := t.ptx.Exec(ctx,
				`INSERT INTO kv_conflicts (range_begin, range_end) VALUES ($1, $2)`,
				c.Range.Begin, c.Range.End)
			if err != nil {
				return mapError(err)
			}
		}
	}
	if len(conflicts) > 0 {
		_, err := t.ptx.Exec(ctx,
			`DELETE FROM kv_conflicts WHERE created_at < now() - make_interval(secs => $1)`,
			conflictRetention.Seconds())
		if err != nil {
			return mapError(err)
		}
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.ptx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func needsVersionstamp(muts []kv.Mutation) bool {
	for _, m := range muts {
		if m.Type == kv.MutationSetVersionstampedKey || m.Type == kv.MutationSetVersionstampedValue {
			return true
		}
	}
	return false
}

type writer struct {
	ptx pgx.Tx
}

func (w writer) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := w.ptx.QueryRow(ctx, `SELECT value FROM kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	return value, err == nil, err
}

func (w writer) Put(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := w.ptx.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func (w writer) Delete(ctx context.Context, key []byte) error {
	_, err := w.ptx.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
	return err
}

func (w writer) DeleteRange(ctx context.Context, begin, end []byte) error {
	_, err := w.ptx.Exec(ctx, `DELETE FROM kv WHERE key >= $1 AND key < $2`, begin, end)
	return err
}

// mapError translates PostgreSQL failures into kv errors. Serialization
// failures and deadlocks become not_committed so Database.Run retries them.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var kerr *kv.Error
	if errors.As(err, &kerr) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return kv.NewError(kv.CodeNotCommitted, err)
		}
	}
	return kv.BackendError(err)
}
