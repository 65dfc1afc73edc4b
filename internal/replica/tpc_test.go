package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

func TestTPCCommitsOnceEveryFollowerIsReady(t *testing.T) {
	c := newCluster(t, config.AlgTPC, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp := c.sendRequest(t, ctx, c.replicaCores[0], 9, 1, 3, 11, 22)
	require.Equal(t, message.TagResponse, resp.Tag)

	require.Eventually(t, func() bool {
		for _, s := range c.stores {
			v, err := s.Get(3)
			if err != nil || v.V1 != 11 || v.V2 != 22 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestTPCQueuesOverlappingRequestsBehindInFlightRound(t *testing.T) {
	c := newCluster(t, config.AlgTPC, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ep, err := c.tr.Endpoint(c.clientCore, c.replicaCores[0])
	require.NoError(t, err)

	for i := uint32(1); i <= 3; i++ {
		require.NoError(t, ep.Send(ctx, message.Message{
			Tag:       message.TagRequest,
			ClientID:  1,
			RequestID: i,
			ReplyTo:   uint64(c.clientCore),
			Payload:   message.KVSPayload(uint64(i), uint64(i)*10, 0),
		}))
	}

	seen := map[uint32]bool{}
	for i := 0; i < 3; i++ {
		resp, err := ep.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, message.TagResponse, resp.Tag)
		seen[resp.RequestID] = true
	}
	require.Len(t, seen, 3)
}
