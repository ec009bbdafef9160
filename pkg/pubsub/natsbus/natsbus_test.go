package natsbus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/gasoline/internal/testutil"
	"github.com/petrijr/gasoline/pkg/pubsub"
	"github.com/petrijr/gasoline/pkg/pubsub/pubsubtest"
)

func TestConformance(t *testing.T) {
	url := testutil.StartNATS(t)

	pubsubtest.Run(t, func(t *testing.T) (*pubsub.Client, *pubsub.Client) {
		clients := make([]*pubsub.Client, 2)
		for i := range clients {
			d, err := Connect(url)
			require.NoError(t, err)
			c := pubsub.New(d, pubsub.Options{})
			t.Cleanup(func() { _ = c.Close() })
			clients[i] = c
		}
		return clients[0], clients[1]
	})
}
