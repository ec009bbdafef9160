// Package pubsubtest is a conformance suite for pubsub drivers.
package pubsubtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/pkg/pubsub"
)

// Factory returns two clients connected to the same bus, standing in for
// two processes.
type Factory func(t *testing.T) (a, b *pubsub.Client)

// Run executes the suite.
func Run(t *testing.T, newClients Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, a, b *pubsub.Client)
	}{
		{"PublishSubscribe", testPublishSubscribe},
		{"BroadcastReachesEverySubscriber", testBroadcast},
		{"RequestReply", testRequestReply},
		{"RequestTimeout", testRequestTimeout},
		{"Unsubscribe", testUnsubscribe},
		{"LargePayload", testLargePayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := newClients(t)
			tt.fn(t, a, b)
		})
	}
}

func subject(t *testing.T) string {
	return fmt.Sprintf("test.%s", uuid.NewString())
}

func next(t *testing.T, sub *pubsub.Subscription) *pubsub.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

func testPublishSubscribe(t *testing.T, a, b *pubsub.Client) {
	ctx := context.Background()
	subj := subject(t)
	sub, err := b.Subscribe(ctx, subj)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Publish(ctx, subj, []byte(fmt.Sprint(i))))
	}
	require.NoError(t, a.Flush(ctx))

	for i := 0; i < 3; i++ {
		msg := next(t, sub)
		require.Equal(t, subj, msg.Subject)
		require.Equal(t, fmt.Sprint(i), string(msg.Payload), "per publisher order")
	}
}

func testBroadcast(t *testing.T, a, b *pubsub.Client) {
	ctx := context.Background()
	subj := subject(t)
	s1, err := a.Subscribe(ctx, subj)
	require.NoError(t, err)
	defer s1.Unsubscribe() //nolint:errcheck
	s2, err := b.Subscribe(ctx, subj)
	require.NoError(t, err)
	defer s2.Unsubscribe() //nolint:errcheck

	require.NoError(t, a.Publish(ctx, subj, []byte("hello")))
	require.Equal(t, "hello", string(next(t, s1).Payload))
	require.Equal(t, "hello", string(next(t, s2).Payload))
}

func testRequestReply(t *testing.T, a, b *pubsub.Client) {
	ctx := context.Background()
	subj := subject(t)
	sub, err := b.Subscribe(ctx, subj)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck

	go func() {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		_ = msg.Respond(ctx, append([]byte("re:"), msg.Payload...))
	}()

	resp, err := a.Request(ctx, subj, []byte("ping"), 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "re:ping", string(resp))
}

func testRequestTimeout(t *testing.T, a, b *pubsub.Client) {
	ctx := context.Background()
	subj := subject(t)

	// Nobody listens: drivers that can tell report no responders, the
	// others time out.
	_, err := a.Request(ctx, subj, []byte("ping"), 300*time.Millisecond)
	require.True(t, errors.Is(err, pubsub.ErrNoResponders) || errors.Is(err, pubsub.ErrRequestTimeout), "got %v", err)

	// A silent listener always produces a timeout.
	sub, err := b.Subscribe(ctx, subj)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck
	_, err = a.Request(ctx, subj, []byte("ping"), 300*time.Millisecond)
	require.ErrorIs(t, err, pubsub.ErrRequestTimeout)
}

func testUnsubscribe(t *testing.T, a, b *pubsub.Client) {
	ctx := context.Background()
	subj := subject(t)
	sub, err := b.Subscribe(ctx, subj)
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, pubsub.ErrUnsubscribed)
	require.NoError(t, sub.Unsubscribe(), "idempotent")
}

func testLargePayload(t *testing.T, a, b *pubsub.Client) {
	ctx := context.Background()
	subj := subject(t)
	sub, err := b.Subscribe(ctx, subj)
	require.NoError(t, err)
	defer sub.Unsubscribe() //nolint:errcheck

	payload := make([]byte, 64*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, a.Publish(ctx, subj, payload))
	require.Equal(t, payload, next(t, sub).Payload)
}
