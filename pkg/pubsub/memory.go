package pubsub

import (
	"context"
	"sync"
)

// MemoryHub routes messages between memory drivers. Clients that share a
// hub behave like processes connected to the same server.
type MemoryHub struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]func(RawMessage)
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[uint64]func(RawMessage))}
}

// MemoryDriver is an in-process Driver.
type MemoryDriver struct {
	hub *MemoryHub
}

var (
	_ Driver            = (*MemoryDriver)(nil)
	_ SubscriberCounter = (*MemoryDriver)(nil)
)

// NewMemoryDriver attaches a driver to hub. A nil hub creates a private one.
func NewMemoryDriver(hub *MemoryHub) *MemoryDriver {
	if hub == nil {
		hub = NewMemoryHub()
	}
	return &MemoryDriver{hub: hub}
}

// NewMemory returns a client over a private hub.
func NewMemory() *Client {
	return New(NewMemoryDriver(nil), Options{LocalFastPath: true})
}

type memorySub struct {
	hub     *MemoryHub
	subject string
	id      uint64
}

func (s memorySub) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if set, ok := s.hub.subs[s.subject]; ok {
		delete(set, s.id)
		if len(set) == 0 {
			delete(s.hub.subs, s.subject)
		}
	}
	return nil
}

func (d *MemoryDriver) Subscribe(ctx context.Context, subject string, deliver func(RawMessage)) (Unsubscriber, error) {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	set, ok := h.subs[subject]
	if !ok {
		set = make(map[uint64]func(RawMessage))
		h.subs[subject] = set
	}
	set[h.next] = deliver
	return memorySub{hub: h, subject: subject, id: h.next}, nil
}

func (d *MemoryDriver) Publish(ctx context.Context, msg RawMessage) error {
	d.hub.mu.RLock()
	targets := make([]func(RawMessage), 0, len(d.hub.subs[msg.Subject]))
	for _, fn := range d.hub.subs[msg.Subject] {
		targets = append(targets, fn)
	}
	d.hub.mu.RUnlock()

	for _, fn := range targets {
		fn(msg)
	}
	return nil
}

func (d *MemoryDriver) Subscribers(ctx context.Context, subject string) (int, error) {
	d.hub.mu.RLock()
	defer d.hub.mu.RUnlock()
	return len(d.hub.subs[subject]), nil
}

func (d *MemoryDriver) Flush(ctx context.Context) error { return nil }

func (d *MemoryDriver) Close() error { return nil }
