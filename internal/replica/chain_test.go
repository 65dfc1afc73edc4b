package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// Chain replies are always sent by the tail directly to the client, never
// by the head that received the REQUEST, so the test sends on the
// head's endpoint and receives on the tail's.
func TestChainRepliesFromTailAfterApplyingOnEveryLink(t *testing.T) {
	c := newCluster(t, config.AlgChain, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	head := c.replicaCores[0]
	tail := c.replicaCores[len(c.replicaCores)-1]

	sendEp, err := c.tr.Endpoint(c.clientCore, head)
	require.NoError(t, err)
	recvEp, err := c.tr.Endpoint(c.clientCore, tail)
	require.NoError(t, err)

	req := message.Message{
		Tag:       message.TagRequest,
		ClientID:  2,
		RequestID: 1,
		ReplyTo:   uint64(c.clientCore),
		Payload:   message.KVSPayload(10, 55, 66),
	}
	require.NoError(t, sendEp.Send(ctx, req))

	resp, err := recvEp.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, message.TagResponse, resp.Tag)
	require.Equal(t, uint16(2), resp.ClientID)

	require.Eventually(t, func() bool {
		for _, s := range c.stores {
			v, err := s.Get(10)
			if err != nil || v.V1 != 55 || v.V2 != 66 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestChainSingleReplicaHeadIsAlsoTail(t *testing.T) {
	c := newCluster(t, config.AlgChain, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp := c.sendRequest(t, ctx, c.replicaCores[0], 3, 1, 1, 2, 3)
	require.Equal(t, message.TagResponse, resp.Tag)
}
