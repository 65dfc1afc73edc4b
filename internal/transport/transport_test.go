package transport

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/message"
)

func TestEndpointIsSharedBetweenBothCores(t *testing.T) {
	tr := NewInProcess(8, zerolog.Nop())
	a, err := tr.Endpoint(0, 1)
	require.NoError(t, err)
	b, err := tr.Endpoint(1, 0)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, message.Message{Payload: message.KVSPayload(5, 0, 0)}))
	got, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.Payload[0])
}

func TestEndpointRejectsSelfAddressing(t *testing.T) {
	tr := NewInProcess(8, zerolog.Nop())
	_, err := tr.Endpoint(2, 2)
	require.Error(t, err)
}

func TestBuildTopologyStarRootReachesAllChildren(t *testing.T) {
	tr := NewInProcess(8, zerolog.Nop())
	tree, links, err := tr.BuildTopology(0, []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.Len(t, tree.Children(0), 3)
	require.Len(t, links[0].ToChildren, 3)
	for _, c := range []int{1, 2, 3} {
		require.NotNil(t, links[c].ToParent)
	}
}

func TestSpawnCoreThreadRuns(t *testing.T) {
	tr := NewInProcess(8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	err := tr.SpawnCoreThread(ctx, 0, func(ctx context.Context) {
		close(ran)
		<-ctx.Done()
	})
	require.NoError(t, err)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("spawned function never ran")
	}
	cancel()
}

func TestCanRecvReflectsPendingMessage(t *testing.T) {
	tr := NewInProcess(8, zerolog.Nop())
	require.False(t, tr.CanRecv(1, 0))

	a, err := tr.Endpoint(0, 1)
	require.NoError(t, err)
	require.NoError(t, a.Send(context.Background(), message.Message{}))

	require.True(t, tr.CanRecv(1, 0))
}
