// Package natsbus is a pubsub.Driver over NATS core messaging.
package natsbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/petrijr/gasoline/pkg/pubsub"
)

// Driver publishes and subscribes through a NATS connection.
type Driver struct {
	nc *nats.Conn
}

var (
	_ pubsub.Driver    = (*Driver)(nil)
	_ pubsub.Requester = (*Driver)(nil)
)

// Connect dials url.
func Connect(url string, opts ...nats.Option) (*Driver, error) {
	opts = append([]nats.Option{nats.Name("gasoline"), nats.MaxReconnects(-1)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Driver{nc: nc}, nil
}

// New wraps an existing connection. Close closes it.
func New(nc *nats.Conn) *Driver {
	return &Driver{nc: nc}
}

func (d *Driver) Subscribe(ctx context.Context, subject string, deliver func(pubsub.RawMessage)) (pubsub.Unsubscriber, error) {
	sub, err := d.nc.Subscribe(subject, func(m *nats.Msg) {
		deliver(pubsub.RawMessage{Subject: m.Subject, Payload: m.Data, Reply: m.Reply})
	})
	if err != nil {
		return nil, err
	}
	// Make sure the server knows about the interest before returning, so a
	// publish right after Subscribe is not lost.
	if err := d.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (d *Driver) Publish(ctx context.Context, msg pubsub.RawMessage) error {
	return d.nc.PublishMsg(&nats.Msg{Subject: msg.Subject, Data: msg.Payload, Reply: msg.Reply})
}

// Request uses the native NATS request path, which reports missing
// subscribers through the no-responders status.
func (d *Driver) Request(ctx context.Context, subject string, payload []byte) ([]byte, error) {
	msg, err := d.nc.RequestWithContext(ctx, subject, payload)
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return nil, pubsub.ErrNoResponders
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, pubsub.ErrRequestTimeout
	case err != nil:
		return nil, err
	}
	return msg.Data, nil
}

func (d *Driver) Flush(ctx context.Context) error {
	return d.nc.FlushWithContext(ctx)
}

func (d *Driver) Close() error {
	d.nc.Close()
	return nil
}
