// Package mongokv is a kv.Backend stored in a MongoDB collection.
//
// Keys are stored hex encoded in _id so that the collection's default
// ordering matches byte order. Conflicts are tracked in process with
// kv.ConflictTracker and commits are serialised by it, so only one process
// may write to a given collection.
package mongokv

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/gasoline/pkg/kv"
)

const metaID = "meta"

// Store is a kv.Backend over a MongoDB database.
type Store struct {
	client  *mongo.Client
	kv      *mongo.Collection
	meta    *mongo.Collection
	tracker *kv.ConflictTracker
	ownsCli bool
}

// Ensure Store implements kv.Backend.
var _ kv.Backend = (*Store)(nil)

type row struct {
	ID    string `bson:"_id"`
	Value []byte `bson:"v"`
}

type metaDoc struct {
	ID      string `bson:"_id"`
	Version int64  `bson:"version"`
}

// Open connects to uri and uses the given database.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	s, err := New(ctx, client.Database(database))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	s.ownsCli = true
	return s, nil
}

// New uses db. The caller keeps ownership of the client.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		kv:   db.Collection("kv"),
		meta: db.Collection("kv_meta"),
	}

	var m metaDoc
	err := s.meta.FindOne(ctx, bson.M{"_id": metaID}).Decode(&m)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		m.Version = 1
	case err != nil:
		return nil, fmt.Errorf("read commit version: %w", err)
	}
	s.tracker = kv.NewConflictTrackerAt(uint64(m.Version), 0)
	return s, nil
}

// Drop removes every key. Tests use it between cases.
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.kv.DeleteMany(ctx, bson.M{}); err != nil {
		return err
	}
	_, err := s.meta.DeleteMany(ctx, bson.M{})
	return err
}

// Begin implements kv.Backend.
func (s *Store) Begin(ctx context.Context) (kv.BackendTx, error) {
	return &tx{s: s, readVersion: s.tracker.ReadVersion()}, nil
}

// Close implements kv.Backend.
func (s *Store) Close() error {
	if s.ownsCli {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func encodeKey(key []byte) string { return hex.EncodeToString(key) }

func decodeKey(id string) ([]byte, error) { return hex.DecodeString(id) }

type tx struct {
	s           *Store
	readVersion uint64
}

func (t *tx) ReadVersion() uint64 { return t.readVersion }

func (t *tx) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return get(ctx, t.s.kv, key)
}

func get(ctx context.Context, coll *mongo.Collection, key []byte) ([]byte, bool, error) {
	var r row
	err := coll.FindOne(ctx, bson.M{"_id": encodeKey(key)}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, kv.BackendError(err)
	}
	if r.Value == nil {
		r.Value = []byte{}
	}
	return r.Value, true, nil
}

func (t *tx) Scan(ctx context.Context, begin, end []byte, limit int, reverse bool) ([]kv.KeyValue, error) {
	dir := 1
	if reverse {
		dir = -1
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: dir}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{"_id": bson.M{"$gte": encodeKey(begin), "$lt": encodeKey(end)}}

	cur, err := t.s.kv.Find(ctx, filter, opts)
	if err != nil {
		return nil, kv.BackendError(err)
	}
	defer cur.Close(ctx)

	var out []kv.KeyValue
	for cur.Next(ctx) {
		var r row
		if err := cur.Decode(&r); err != nil {
			return nil, kv.BackendError(err)
		}
		key, err := decodeKey(r.ID)
		if err != nil {
			return nil, kv.BackendError(err)
		}
		if r.Value == nil {
			r.Value = []byte{}
		}
		out = append(out, kv.KeyValue{Key: key, Value: r.Value})
	}
	if err := cur.Err(); err != nil {
		return nil, kv.BackendError(err)
	}
	return out, nil
}

func (t *tx) Commit(ctx context.Context, req *kv.CommitRequest) error {
	return t.s.tracker.Commit(t.readVersion, req.ReadConflicts, req.WriteConflicts, func(version uint64) ([]kv.KeyRange, error) {
		stamped, err := kv.ApplyMutations(ctx, writer{t.s.kv}, req.Mutations, kv.StampFromVersion(version))
		if err != nil {
			return nil, kv.BackendError(err)
		}
		_, err = t.s.meta.UpdateOne(ctx,
			bson.M{"_id": metaID},
			bson.M{"$set": bson.M{"version": int64(version)}},
			options.Update().SetUpsert(true))
		if err != nil {
			return nil, kv.BackendError(err)
		}
		return stamped, nil
	})
}

func (t *tx) Rollback(ctx context.Context) error { return nil }

type writer struct {
	coll *mongo.Collection
}

func (w writer) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	return get(ctx, w.coll, key)
}

func (w writer) Put(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	id := encodeKey(key)
	_, err := w.coll.ReplaceOne(ctx, bson.M{"_id": id}, row{ID: id, Value: value}, options.Replace().SetUpsert(true))
	return err
}

func (w writer) Delete(ctx context.Context, key []byte) error {
	_, err := w.coll.DeleteOne(ctx, bson.M{"_id": encodeKey(key)})
	return err
}

func (w writer) DeleteRange(ctx context.Context, begin, end []byte) error {
	_, err := w.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$gte": encodeKey(begin), "$lt": encodeKey(end)}})
	return err
}
