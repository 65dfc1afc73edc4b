package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

func TestRaftElectsALeaderAndCommitsAfterMajorityAck(t *testing.T) {
	c := newCluster(t, config.AlgRaft, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp := c.sendRequestAnyLeader(t, ctx, 11, 1, 50, 123, 456)
	require.Equal(t, message.TagResponse, resp.Tag)

	require.Eventually(t, func() bool {
		for _, s := range c.stores {
			v, err := s.Get(50)
			if err != nil || v.V1 != 123 || v.V2 != 456 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRaftSecondRequestAfterFirstCommitStillCommits(t *testing.T) {
	c := newCluster(t, config.AlgRaft, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := c.sendRequestAnyLeader(t, ctx, 12, 1, 60, 1, 1)
	require.Equal(t, message.TagResponse, first.Tag)

	second := c.sendRequestAnyLeader(t, ctx, 12, 2, 61, 2, 2)
	require.Equal(t, message.TagResponse, second.Tag)

	require.Eventually(t, func() bool {
		v, err := c.stores[0].Get(61)
		return err == nil && v.V1 == 2 && v.V2 == 2
	}, 2*time.Second, 10*time.Millisecond)
}
