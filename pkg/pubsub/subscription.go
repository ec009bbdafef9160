package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

type subState uint8

const (
	subActive subState = iota
	subUnsubscribed
	subSlow
)

// Subscription receives the messages of one subject.
type Subscription struct {
	client    *Client
	subject   string
	limit     int
	driverSub Unsubscriber

	mu     sync.Mutex
	queue  []*Message
	notify chan struct{}
	state  subState
}

func newSubscription(c *Client, subject string, limit int) *Subscription {
	return &Subscription{
		client:  c,
		subject: subject,
		limit:   limit,
		notify:  make(chan struct{}, 1),
	}
}

// Subject returns the subscribed subject.
func (s *Subscription) Subject() string { return s.subject }

func (s *Subscription) deliver(m *Message) {
	s.mu.Lock()
	if s.state != subActive {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.limit {
		s.state = subSlow
		s.mu.Unlock()
		s.client.logger.Warn("pubsub_slow_consumer",
			slog.String("subject", s.subject),
			slog.Int("inbox", s.limit),
		)
		// Drivers call deliver from their receive loop; detaching there
		// could deadlock.
		go s.detach() //nolint:errcheck
		s.wake()
		return
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a message arrives. Messages queued before the
// subscription ended are still returned; after that Next returns
// ErrUnsubscribed or ErrSlowConsumer.
func (s *Subscription) Next(ctx context.Context) (*Message, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 && s.state != subUnsubscribed {
			m := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return m, nil
		}
		state := s.state
		s.mu.Unlock()

		switch state {
		case subUnsubscribed:
			return nil, ErrUnsubscribed
		case subSlow:
			return nil, ErrSlowConsumer
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Unsubscribe stops delivery. Pending messages are discarded.
func (s *Subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.state == subUnsubscribed {
		s.mu.Unlock()
		return nil
	}
	wasActive := s.state == subActive
	s.state = subUnsubscribed
	s.queue = nil
	s.mu.Unlock()

	var err error
	if wasActive {
		err = s.detach()
	}
	s.wake()
	return err
}

func (s *Subscription) detach() error {
	s.client.forget(s)
	s.mu.Lock()
	ds := s.driverSub
	s.driverSub = nil
	s.mu.Unlock()
	if ds == nil {
		return nil
	}
	return ds.Unsubscribe()
}

// attach records the driver subscription. It reports false when the
// subscription already ended, in which case the caller drops it.
func (s *Subscription) attach(ds Unsubscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != subActive {
		return false
	}
	s.driverSub = ds
	return true
}
