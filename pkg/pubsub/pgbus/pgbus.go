// Package pgbus is a pubsub.Driver over PostgreSQL LISTEN/NOTIFY.
//
// NOTIFY payloads are text limited to 8000 bytes, so messages are base64
// encoded and split into chunks that receivers reassemble. Channel names
// are derived from a hash of the subject because identifiers are limited
// to 63 bytes.
package pgbus

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/gasoline/pkg/pubsub"
)

const (
	maxNotifyLength = 8000
	// chunkHeader is message id, chunk index and chunk count.
	chunkHeader = 16 + 4 + 4
	// maxChunkBody keeps the base64 form of a chunk under the NOTIFY
	// limit.
	maxChunkBody = maxNotifyLength/4*3 - chunkHeader - 3

	pollInterval     = 250 * time.Millisecond
	chunkBufferTTL   = 30 * time.Second
	reconnectBackoff = time.Second
)

// Driver listens on a dedicated connection and notifies through a pool.
type Driver struct {
	dsn    string
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[uint64]handler
	nextID   uint64
	cmds     chan command
	chunks   map[uuid.UUID]*partial

	cancel context.CancelFunc
	done   chan struct{}
}

type handler struct {
	subject string
	deliver func(pubsub.RawMessage)
}

type command struct {
	sql  string
	done chan error
}

type partial struct {
	parts    [][]byte
	received int
	started  time.Time
}

var _ pubsub.Driver = (*Driver)(nil)

// Connect opens the notify pool and the listen connection for dsn.
func Connect(ctx context.Context, dsn string, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres listener: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		dsn:      dsn,
		pool:     pool,
		logger:   logger,
		handlers: make(map[string]map[uint64]handler),
		cmds:     make(chan command),
		chunks:   make(map[uuid.UUID]*partial),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go d.listen(loopCtx, conn)
	return d, nil
}

// channelName maps a subject to a valid Postgres identifier.
func channelName(subject string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(subject))
	return fmt.Sprintf("ups_%x", h.Sum64())
}

func (d *Driver) listen(ctx context.Context, conn *pgx.Conn) {
	defer close(d.done)
	defer func() { _ = conn.Close(context.Background()) }()

	lastGC := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-d.cmds:
			_, err := conn.Exec(ctx, cmd.sql)
			cmd.done <- err
			continue
		default:
		}

		waitCtx, cancel := context.WithTimeout(ctx, pollInterval)
		n, err := conn.WaitForNotification(waitCtx)
		cancel()
		switch {
		case err == nil:
			d.dispatch(n.Channel, n.Payload)
		case ctx.Err() != nil:
			return
		case pgconn.Timeout(err):
		default:
			d.logger.Warn("pgbus_listen_failed", slog.Any("error", err))
			conn = d.reconnect(ctx, conn)
			if conn == nil {
				return
			}
		}

		if time.Since(lastGC) > chunkBufferTTL {
			d.gcChunks()
			lastGC = time.Now()
		}
	}
}

// reconnect replaces a broken listen connection and re-issues LISTEN for
// every subscribed channel.
func (d *Driver) reconnect(ctx context.Context, old *pgx.Conn) *pgx.Conn {
	_ = old.Close(context.Background())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
		conn, err := pgx.Connect(ctx, d.dsn)
		if err != nil {
			d.logger.Warn("pgbus_reconnect_failed", slog.Any("error", err))
			continue
		}
		d.mu.Lock()
		channels := make([]string, 0, len(d.handlers))
		for ch := range d.handlers {
			channels = append(channels, ch)
		}
		d.mu.Unlock()

		ok := true
		for _, ch := range channels {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				d.logger.Warn("pgbus_relisten_failed", slog.String("channel", ch), slog.Any("error", err))
				ok = false
				break
			}
		}
		if ok {
			d.logger.Info("pgbus_reconnected", slog.Int("channels", len(channels)))
			return conn
		}
		_ = conn.Close(context.Background())
	}
}

func (d *Driver) exec(ctx context.Context, sql string) error {
	cmd := command{sql: sql, done: make(chan error, 1)}
	select {
	case d.cmds <- cmd:
	case <-d.done:
		return pubsub.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) Subscribe(ctx context.Context, subject string, deliver func(pubsub.RawMessage)) (pubsub.Unsubscriber, error) {
	ch := channelName(subject)

	d.mu.Lock()
	set, listening := d.handlers[ch]
	if !listening {
		set = make(map[uint64]handler)
		d.handlers[ch] = set
	}
	d.nextID++
	id := d.nextID
	set[id] = handler{subject: subject, deliver: deliver}
	d.mu.Unlock()

	if !listening {
		if err := d.exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			d.remove(ch, id)
			return nil, err
		}
	}
	return &subscription{d: d, channel: ch, id: id}, nil
}

// remove drops a handler and reports whether the channel has no handlers
// left.
func (d *Driver) remove(ch string, id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.handlers[ch]
	if !ok {
		return false
	}
	delete(set, id)
	if len(set) == 0 {
		delete(d.handlers, ch)
		return true
	}
	return false
}

type subscription struct {
	d       *Driver
	channel string
	id      uint64
	once    sync.Once
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.d.remove(s.channel, s.id) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = s.d.exec(ctx, "UNLISTEN "+pgx.Identifier{s.channel}.Sanitize())
			if errors.Is(err, pubsub.ErrClosed) {
				err = nil
			}
		}
	})
	return err
}

func (d *Driver) Publish(ctx context.Context, msg pubsub.RawMessage) error {
	body := pubsub.EncodeEnvelope(msg.Reply, msg.Payload)
	ch := channelName(msg.Subject)
	id := uuid.New()

	count := (len(body) + maxChunkBody - 1) / maxChunkBody
	if count == 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		lo := i * maxChunkBody
		hi := min(lo+maxChunkBody, len(body))

		chunk := make([]byte, 0, chunkHeader+hi-lo)
		chunk = append(chunk, id[:]...)
		chunk = binary.BigEndian.AppendUint32(chunk, uint32(i))
		chunk = binary.BigEndian.AppendUint32(chunk, uint32(count))
		chunk = append(chunk, body[lo:hi]...)

		if _, err := d.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ch, base64.StdEncoding.EncodeToString(chunk)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) dispatch(channel, payload string) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(raw) < chunkHeader {
		d.logger.Warn("pgbus_bad_notification", slog.String("channel", channel))
		return
	}
	body, complete := d.assemble(raw)
	if !complete {
		return
	}
	reply, data, err := pubsub.DecodeEnvelope(body)
	if err != nil {
		d.logger.Warn("pgbus_bad_message", slog.String("channel", channel), slog.Any("error", err))
		return
	}

	d.mu.Lock()
	targets := make([]handler, 0, len(d.handlers[channel]))
	for _, h := range d.handlers[channel] {
		targets = append(targets, h)
	}
	d.mu.Unlock()
	for _, h := range targets {
		h.deliver(pubsub.RawMessage{Subject: h.subject, Payload: data, Reply: reply})
	}
}

func (d *Driver) assemble(raw []byte) ([]byte, bool) {
	var id uuid.UUID
	copy(id[:], raw[:16])
	idx := int(binary.BigEndian.Uint32(raw[16:20]))
	count := int(binary.BigEndian.Uint32(raw[20:24]))
	body := raw[chunkHeader:]

	if count == 1 {
		return body, true
	}
	if idx >= count {
		return nil, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.chunks[id]
	if !ok {
		p = &partial{parts: make([][]byte, count), started: time.Now()}
		d.chunks[id] = p
	}
	if p.parts[idx] == nil {
		p.parts[idx] = body
		p.received++
	}
	if p.received < count {
		return nil, false
	}
	delete(d.chunks, id)

	var out []byte
	for _, part := range p.parts {
		out = append(out, part...)
	}
	return out, true
}

func (d *Driver) gcChunks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, p := range d.chunks {
		if time.Since(p.started) > chunkBufferTTL {
			delete(d.chunks, id)
		}
	}
}

func (d *Driver) Flush(ctx context.Context) error { return nil }

func (d *Driver) Close() error {
	d.cancel()
	<-d.done
	d.pool.Close()
	return nil
}
