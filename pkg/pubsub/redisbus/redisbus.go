// Package redisbus is a pubsub.Driver over Redis PUBLISH/SUBSCRIBE.
//
// Redis messages have no reply field, so the reply subject travels in a
// pubsub envelope in front of the payload.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/gasoline/pkg/pubsub"
)

// channelSize is the go-redis receive buffer per subscription.
const channelSize = 1024

// Driver publishes and subscribes through a Redis client.
type Driver struct {
	rdb    *redis.Client
	logger *slog.Logger
}

var (
	_ pubsub.Driver            = (*Driver)(nil)
	_ pubsub.SubscriberCounter = (*Driver)(nil)
)

// Connect parses a redis:// URL.
func Connect(url string, logger *slog.Logger) (*Driver, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opt), logger), nil
}

// New wraps rdb. Close closes it.
func New(rdb *redis.Client, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{rdb: rdb, logger: logger}
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}
}

func (s *subscription) Unsubscribe() error {
	err := s.ps.Close()
	<-s.done
	return err
}

func (d *Driver) Subscribe(ctx context.Context, subject string, deliver func(pubsub.RawMessage)) (pubsub.Unsubscriber, error) {
	ps := d.rdb.Subscribe(ctx, subject)
	// Wait for the subscription confirmation so that later publishes are
	// observed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &subscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel(redis.WithChannelSize(channelSize))
	go func() {
		defer close(sub.done)
		for m := range ch {
			reply, payload, err := pubsub.DecodeEnvelope([]byte(m.Payload))
			if err != nil {
				d.logger.Warn("redisbus_bad_message", slog.String("channel", m.Channel), slog.Any("error", err))
				continue
			}
			deliver(pubsub.RawMessage{Subject: m.Channel, Payload: payload, Reply: reply})
		}
	}()
	return sub, nil
}

func (d *Driver) Publish(ctx context.Context, msg pubsub.RawMessage) error {
	return d.rdb.Publish(ctx, msg.Subject, pubsub.EncodeEnvelope(msg.Reply, msg.Payload)).Err()
}

// Subscribers uses PUBSUB NUMSUB.
func (d *Driver) Subscribers(ctx context.Context, subject string) (int, error) {
	counts, err := d.rdb.PubSubNumSub(ctx, subject).Result()
	if err != nil {
		return 0, err
	}
	return int(counts[subject]), nil
}

func (d *Driver) Flush(ctx context.Context) error { return nil }

func (d *Driver) Close() error {
	return d.rdb.Close()
}
