package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

func TestPaxosLikeLeaderForwardsToAcceptorAndLearnsEverywhere(t *testing.T) {
	c := newCluster(t, config.AlgPaxosLike, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp := c.sendRequest(t, ctx, c.replicaCores[0], 4, 1, 20, 1, 2)
	require.Equal(t, message.TagResponse, resp.Tag)

	require.Eventually(t, func() bool {
		for _, s := range c.stores {
			v, err := s.Get(20)
			if err != nil || v.V1 != 1 || v.V2 != 2 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestPaxosLikeNonLeaderForwardsRequestToLeader(t *testing.T) {
	c := newCluster(t, config.AlgPaxosLike, 3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Replica 2 is neither the initial leader (0) nor the initial acceptor
	// (1); a REQUEST sent there must be forwarded to the leader and still
	// get a reply delivered back to the client's endpoint with the leader.
	sendEp, err := c.tr.Endpoint(c.clientCore, c.replicaCores[2])
	require.NoError(t, err)
	recvEp, err := c.tr.Endpoint(c.clientCore, c.replicaCores[0])
	require.NoError(t, err)
	req := message.Message{
		Tag:       message.TagRequest,
		ClientID:  6,
		RequestID: 1,
		ReplyTo:   uint64(c.clientCore),
		Payload:   message.KVSPayload(30, 7, 8),
	}
	require.NoError(t, sendEp.Send(ctx, req))
	resp, err := recvEp.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, message.TagResponse, resp.Tag)
}
