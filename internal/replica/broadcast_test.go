package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

func TestBroadcastAppliesOnAllReplicasAndReplies(t *testing.T) {
	c := newCluster(t, config.AlgBroadcast, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp := c.sendRequest(t, ctx, c.replicaCores[0], 1, 1, 42, 100, 200)
	require.Equal(t, message.TagResponse, resp.Tag)
	require.Equal(t, uint16(1), resp.ClientID)
	require.Equal(t, uint32(1), resp.RequestID)

	require.Eventually(t, func() bool {
		for _, s := range c.stores {
			v, err := s.Get(42)
			if err != nil || v.V1 != 100 || v.V2 != 200 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastDuplicateRequestDoesNotReapply(t *testing.T) {
	c := newCluster(t, config.AlgBroadcast, 2)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c.sendRequest(t, ctx, c.replicaCores[0], 5, 1, 7, 1, 1)
	resp := c.sendRequest(t, ctx, c.replicaCores[0], 5, 1, 7, 99, 99)
	require.Equal(t, message.TagResponse, resp.Tag)

	v, err := c.stores[0].Get(7)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v.V1, "duplicate request_id must not overwrite the already-applied value")
}
