package kv

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// DefaultMaxRetries bounds Database.Run.
const DefaultMaxRetries = 100

// Config tunes a Database. Zero values select the defaults.
type Config struct {
	// MaxRetries is the number of retryable failures tolerated by Run
	// before the last error is returned (default 100).
	MaxRetries int
	// InitialBackoff is the first retry delay (default 10ms).
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay (default 1s).
	MaxBackoff time.Duration
	// Logger receives retry diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Database runs transactions against a Backend.
type Database struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
}

// New wraps backend.
func New(backend Backend, cfg Config) *Database {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Database{backend: backend, cfg: cfg, logger: logger}
}

// CreateTransaction starts a fresh read-your-writes transaction. Callers
// own retries; most code should use Run instead.
func (db *Database) CreateTransaction(ctx context.Context) (*Transaction, error) {
	btx, err := db.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return newTransaction(db, btx, false), nil
}

// Run executes fn in a transaction and commits it, retrying the whole
// function on retryable errors with exponential backoff. After a
// commit_unknown_result failure, later attempts see MaybeCommitted() == true
// so non-idempotent logic can check whether its previous attempt landed.
func (db *Database) Run(ctx context.Context, fn func(tx *Transaction) error) error {
	_, err := Transact(ctx, db, func(tx *Transaction) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// Transact is Run for functions that produce a value.
func Transact[T any](ctx context.Context, db *Database, fn func(tx *Transaction) (T, error)) (T, error) {
	var zero T
	maybeCommitted := false
	backoff := db.cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		btx, err := db.backend.Begin(ctx)
		if err != nil {
			return zero, err
		}
		tx := newTransaction(db, btx, maybeCommitted)

		out, err := fn(tx)
		if err == nil {
			err = tx.Commit(ctx)
			if err == nil {
				return out, nil
			}
		} else {
			_ = tx.Cancel(ctx)
		}

		var kerr *Error
		if !errors.As(err, &kerr) || !kerr.Retryable() {
			return zero, err
		}
		if attempt+1 >= db.cfg.MaxRetries {
			db.logger.WarnContext(ctx, "kv_retries_exhausted",
				slog.Int("attempts", attempt+1),
				slog.Any("error", err),
			)
			return zero, err
		}
		if kerr.MaybeCommitted() {
			maybeCommitted = true
		}

		db.logger.DebugContext(ctx, "kv_retry",
			slog.Int("attempt", attempt+1),
			slog.Int("code", kerr.Code),
			slog.Duration("backoff", backoff),
		)

		// jitter in [backoff/2, backoff)
		delay := backoff/2 + time.Duration(rand.Int64N(int64(backoff/2)+1))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > db.cfg.MaxBackoff {
			backoff = db.cfg.MaxBackoff
		}
	}
}

// Close releases the backend.
func (db *Database) Close() error {
	return db.backend.Close()
}
