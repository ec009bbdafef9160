// Package pubsub is a subject based publish/subscribe bus with
// request/reply.
//
// A Client wraps a Driver (in-memory, NATS, Redis or PostgreSQL
// LISTEN/NOTIFY). Subscribers own a bounded inbox; a subscriber that falls
// behind is terminated with ErrSlowConsumer instead of silently losing
// messages. Subjects are dot delimited; wildcards are not interpreted.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnsubscribed is returned by Next after Unsubscribe or Close.
	ErrUnsubscribed = errors.New("pubsub: unsubscribed")
	// ErrSlowConsumer terminates a subscription whose inbox overflowed.
	ErrSlowConsumer = errors.New("pubsub: slow consumer")
	// ErrNoResponders is returned by Request when nobody listens on the
	// subject.
	ErrNoResponders = errors.New("pubsub: no responders")
	// ErrRequestTimeout is returned by Request when no reply arrived in
	// time.
	ErrRequestTimeout = errors.New("pubsub: request timeout")
	// ErrClosed is returned after Client.Close.
	ErrClosed = errors.New("pubsub: client closed")
)

const (
	// DefaultInboxSize bounds the number of undelivered messages per
	// subscription.
	DefaultInboxSize = 1024
	// DefaultRequestTimeout applies when Request is called with timeout 0.
	DefaultRequestTimeout = 30 * time.Second

	inboxPrefix = "_INBOX."
)

// RawMessage is what drivers transport.
type RawMessage struct {
	Subject string
	Payload []byte
	Reply   string
}

// Driver moves raw messages between processes.
type Driver interface {
	// Subscribe calls deliver for every message published on subject until
	// the returned Unsubscriber is used. deliver must not block.
	Subscribe(ctx context.Context, subject string, deliver func(RawMessage)) (Unsubscriber, error)
	Publish(ctx context.Context, msg RawMessage) error
	Flush(ctx context.Context) error
	Close() error
}

// Unsubscriber cancels a driver subscription.
type Unsubscriber interface {
	Unsubscribe() error
}

// SubscriberCounter is implemented by drivers that can tell how many
// subscribers a subject has. Request uses it to fail fast with
// ErrNoResponders.
type SubscriberCounter interface {
	Subscribers(ctx context.Context, subject string) (int, error)
}

// Requester is implemented by drivers with native request/reply. It must
// return ErrNoResponders or ErrRequestTimeout where applicable.
type Requester interface {
	Request(ctx context.Context, subject string, payload []byte) ([]byte, error)
}

// Options configures a Client.
type Options struct {
	// InboxSize is the per subscription buffer (default 1024).
	InboxSize int
	// LocalFastPath delivers one-subscriber publishes (replies, requests)
	// straight to subscribers in the same process without a driver round
	// trip.
	LocalFastPath bool
	// Logger receives diagnostics. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is the bus handle shared by a process.
type Client struct {
	driver Driver
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	local  map[string]map[*Subscription]struct{}
	closed bool
}

// New wraps driver.
func New(driver Driver, opts Options) *Client {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		driver: driver,
		opts:   opts,
		logger: logger,
		local:  make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe starts receiving messages published on subject.
func (c *Client) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	sub := newSubscription(c, subject, c.opts.InboxSize)
	unsub, err := c.driver.Subscribe(ctx, subject, func(raw RawMessage) {
		sub.deliver(&Message{Subject: raw.Subject, Payload: raw.Payload, ReplyTo: raw.Reply, client: c})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	if !sub.attach(unsub) {
		_ = unsub.Unsubscribe()
		return sub, nil
	}

	c.mu.Lock()
	set, ok := c.local[subject]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.local[subject] = set
	}
	set[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

func (c *Client) forget(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.local[sub.subject]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(c.local, sub.subject)
		}
	}
}

func (c *Client) localSubscribers(subject string) []*Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set := c.local[subject]
	out := make([]*Subscription, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// Publish broadcasts payload on subject through the driver, so every
// subscriber in every process receives it.
func (c *Client) Publish(ctx context.Context, subject string, payload []byte) error {
	return c.publish(ctx, RawMessage{Subject: subject, Payload: payload}, false)
}

// PublishOne publishes a message meant for a single subscriber. With
// LocalFastPath it is handed to in-process subscribers directly when there
// are any.
func (c *Client) PublishOne(ctx context.Context, subject string, payload []byte) error {
	return c.publish(ctx, RawMessage{Subject: subject, Payload: payload}, true)
}

func (c *Client) publish(ctx context.Context, msg RawMessage, one bool) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if one && c.opts.LocalFastPath {
		if subs := c.localSubscribers(msg.Subject); len(subs) > 0 {
			for _, s := range subs {
				s.deliver(&Message{Subject: msg.Subject, Payload: msg.Payload, ReplyTo: msg.Reply, client: c})
			}
			return nil
		}
	}
	if err := c.driver.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Flush waits until published messages have been handed to the server.
func (c *Client) Flush(ctx context.Context) error {
	return c.driver.Flush(ctx)
}

// Request publishes payload with a private reply subject and waits for the
// first reply. timeout 0 means DefaultRequestTimeout.
func (c *Client) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hasLocal := c.opts.LocalFastPath && len(c.localSubscribers(subject)) > 0
	if !hasLocal {
		if r, ok := c.driver.(Requester); ok {
			return r.Request(ctx, subject, payload)
		}
		if counter, ok := c.driver.(SubscriberCounter); ok {
			n, err := counter.Subscribers(ctx, subject)
			if err != nil {
				return nil, err
			}
			if n == 0 {
				return nil, ErrNoResponders
			}
		}
	}

	inbox := inboxPrefix + uuid.NewString()
	replies, err := c.Subscribe(ctx, inbox)
	if err != nil {
		return nil, err
	}
	defer replies.Unsubscribe() //nolint:errcheck

	if err := c.publish(ctx, RawMessage{Subject: subject, Payload: payload, Reply: inbox}, true); err != nil {
		return nil, err
	}

	msg, err := replies.Next(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrRequestTimeout
		}
		return nil, err
	}
	return msg.Payload, nil
}

// Close terminates every subscription and the driver.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	var subs []*Subscription
	for _, set := range c.local {
		for s := range set {
			subs = append(subs, s)
		}
	}
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return c.driver.Close()
}

// Message is a delivered message.
type Message struct {
	Subject string
	Payload []byte
	// ReplyTo is set for requests.
	ReplyTo string

	client *Client
}

// Respond answers a request. It is a no-op for messages without a reply
// subject.
func (m *Message) Respond(ctx context.Context, payload []byte) error {
	if m.ReplyTo == "" {
		return nil
	}
	return m.client.PublishOne(ctx, m.ReplyTo, payload)
}
