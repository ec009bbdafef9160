package pgbus

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // driver for the container readiness probe
	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/internal/testutil"
	"github.com/petrijr/gasoline/pkg/pubsub"
	"github.com/petrijr/gasoline/pkg/pubsub/pubsubtest"
)

func TestConformance(t *testing.T) {
	dsn := testutil.StartPostgres(t)

	pubsubtest.Run(t, func(t *testing.T) (*pubsub.Client, *pubsub.Client) {
		clients := make([]*pubsub.Client, 2)
		for i := range clients {
			d, err := Connect(context.Background(), dsn, nil)
			require.NoError(t, err)
			c := pubsub.New(d, pubsub.Options{})
			t.Cleanup(func() { _ = c.Close() })
			clients[i] = c
		}
		return clients[0], clients[1]
	})
}

func TestChannelNameIsValidIdentifier(t *testing.T) {
	name := channelName("workflow.3f0b8f1e-6a4b-4b8e-9a55-0a4c2d1e9f10.completed.with.a.very.long.subject")
	require.LessOrEqual(t, len(name), 63)
	require.Equal(t, name, channelName("workflow.3f0b8f1e-6a4b-4b8e-9a55-0a4c2d1e9f10.completed.with.a.very.long.subject"))
	require.NotEqual(t, name, channelName("other"))
}

func TestAssembleOutOfOrderChunks(t *testing.T) {
	d := &Driver{chunks: make(map[uuid.UUID]*partial)}
	id := uuid.New()
	chunk := func(i int, body string) []byte {
		b := append([]byte{}, id[:]...)
		b = binary.BigEndian.AppendUint32(b, uint32(i))
		b = binary.BigEndian.AppendUint32(b, 3)
		return append(b, body...)
	}

	_, done := d.assemble(chunk(2, "c"))
	require.False(t, done)
	_, done = d.assemble(chunk(0, "a"))
	require.False(t, done)
	_, done = d.assemble(chunk(0, "a"))
	require.False(t, done, "duplicates are ignored")
	out, done := d.assemble(chunk(1, "b"))
	require.True(t, done)
	require.Equal(t, "abc", string(out))
	require.Empty(t, d.chunks)
}
