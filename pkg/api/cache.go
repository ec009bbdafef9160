package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/petrijr/gasoline/internal/keys"
	"github.com/petrijr/gasoline/internal/persistence"
	"github.com/petrijr/gasoline/pkg/kv"
)

// Cache is a small TTL cache for activities, stored next to the workflow
// data so every worker sees the same entries.
type Cache struct {
	db *persistence.Database
}

func NewCache(db *persistence.Database) *Cache {
	return &Cache{db: db}
}

// Get decodes the entry under key into v. It reports false for missing or
// expired entries.
func (c *Cache) Get(ctx context.Context, key string, v any) (bool, error) {
	k := c.db.Keyspace().Cache(key)
	var entry keys.CacheEntry
	var found bool
	err := c.db.KV().Run(ctx, func(tx *kv.Transaction) error {
		var err error
		entry, found, err = keys.Get(ctx, tx, k)
		return err
	})
	if err != nil || !found {
		return false, err
	}
	if entry.ExpiresTS > 0 && entry.ExpiresTS <= c.db.Now().UnixMilli() {
		return false, nil
	}
	if err := json.Unmarshal(entry.Value, v); err != nil {
		return false, serializeErr("cache entry "+key, err)
	}
	return true, nil
}

// Set stores v under key for ttl. A zero ttl never expires.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return serializeErr("cache entry "+key, err)
	}
	entry := keys.CacheEntry{Value: raw}
	if ttl > 0 {
		entry.ExpiresTS = c.db.Now().Add(ttl).UnixMilli()
	}
	return c.db.KV().Run(ctx, func(tx *kv.Transaction) error {
		return keys.Set(tx, c.db.Keyspace().Cache(key), entry)
	})
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.db.KV().Run(ctx, func(tx *kv.Transaction) error {
		return keys.Clear(tx, c.db.Keyspace().Cache(key))
	})
}

// GetOrLoad returns the cached value, or calls load and caches its result.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var v T
	ok, err := c.Get(ctx, key, &v)
	if err != nil {
		return v, err
	}
	if ok {
		return v, nil
	}
	v, err = load(ctx)
	if err != nil {
		return v, err
	}
	return v, c.Set(ctx, key, v, ttl)
}
