// Package persistence is the workflow database: workflow rows, indices,
// signals, leases and history stored in the ordered key-value store.
package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/pkg/kv"
	"github.com/petrijr/gasoline/pkg/pubsub"
)

const (
	// DefaultLeaseTTL is how long a lease survives without a worker ping.
	DefaultLeaseTTL = 30 * time.Second

	// WakeSubject is published whenever a workflow becomes runnable now, so
	// idle workers poll immediately.
	WakeSubject = "gasoline.worker.wake"

	defaultListLimit = 100
)

// Options configures a Database.
type Options struct {
	// Namespace prefixes every key.
	Namespace []byte
	// Bus receives wake notifications. Optional.
	Bus *pubsub.Client
	// LeaseTTL defaults to DefaultLeaseTTL.
	LeaseTTL time.Duration
	// Now is the clock; tests replace it.
	Now func() time.Time
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Database is the workflow database.
type Database struct {
	db       *kv.Database
	ks       keys.Keyspace
	bus      *pubsub.Client
	leaseTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New wraps db.
func New(db *kv.Database, opts Options) *Database {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Database{
		db:       db,
		ks:       keys.New(opts.Namespace),
		bus:      opts.Bus,
		leaseTTL: opts.LeaseTTL,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// KV exposes the underlying store to activities.
func (d *Database) KV() *kv.Database { return d.db }

// LeaseTTL is the configured lease lifetime.
func (d *Database) LeaseTTL() time.Duration { return d.leaseTTL }

// Now reads the database clock.
func (d *Database) Now() time.Time { return d.now() }

func (d *Database) nowMillis() int64 { return d.now().UnixMilli() }

// notifyWake tells workers that something became runnable. The bus is
// advisory; workers poll anyway.
func (d *Database) notifyWake(ctx context.Context) {
	if d.bus == nil {
		return
	}
	if err := d.bus.Publish(ctx, WakeSubject, nil); err != nil {
		d.logger.WarnContext(ctx, "workflow_wake_publish_failed", slog.Any("error", err))
	}
}

// Keyspace is the key layout this database writes under.
func (d *Database) Keyspace() keys.Keyspace { return d.ks }
