package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/client"
	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/transport"
)

func testTunables() *config.Tunables {
	return &config.Tunables{
		ElectionTimeoutMin: 15 * time.Millisecond,
		ElectionBackoffMax: 10 * time.Millisecond,
		AcceptorTimeout:    15 * time.Millisecond,
		HeartbeatInterval:  5 * time.Millisecond,
		SHMQSlots:          64,
		SessionSecret:      "test-secret",
		SessionTokenTTL:    time.Hour,
	}
}

func TestClusterBroadcastNoTier2CommitsAndReplies(t *testing.T) {
	tr := transport.NewInProcess(64, zerolog.Nop())
	cfg := &config.ClusterConfig{
		NumTier1Replicas: 3,
		NodeSize:         1,
		NumClients:       1,
		ReplicaCores:     [][]uint8{{0}, {1}, {2}},
		ClientCores:      []uint8{100},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cl, err := NewCluster(ctx, cfg, config.AlgBroadcast, config.AlgNone, testTunables(), tr, zerolog.Nop(), nil)
	require.NoError(t, err)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()

	sess := client.NewSession(100, cl.Tier1LeaderCore(), cl.Tier1LeaderCore(), tr)
	require.NoError(t, sess.Setup(reqCtx))
	require.NoError(t, sess.SendRequest(reqCtx, 4, 77, 88))

	require.Eventually(t, func() bool {
		for _, core := range []int{0, 1, 2} {
			s, ok := cl.Store(core)
			if !ok {
				return false
			}
			v, err := s.Get(4)
			if err != nil || v.V1 != 77 || v.V2 != 88 {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestClusterBroadcastTier1WithSHMTier2PropagatesToEveryCore(t *testing.T) {
	tr := transport.NewInProcess(64, zerolog.Nop())
	cfg := &config.ClusterConfig{
		NumTier1Replicas: 3,
		NodeSize:         3,
		NumClients:       1,
		ReplicaCores: [][]uint8{
			{0, 10, 11},
			{1, 20, 21},
			{2, 30, 31},
		},
		ClientCores: []uint8{200},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cl, err := NewCluster(ctx, cfg, config.AlgBroadcast, config.AlgSHM, testTunables(), tr, zerolog.Nop(), nil)
	require.NoError(t, err)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	sess := client.NewSession(200, cl.Tier1LeaderCore(), cl.Tier1LeaderCore(), tr)
	require.NoError(t, sess.Setup(reqCtx))
	require.NoError(t, sess.SendRequest(reqCtx, 9, 123, 456))

	require.Eventually(t, func() bool {
		for _, core := range []int{0, 10, 11, 1, 20, 21, 2, 30, 31} {
			s, ok := cl.Store(core)
			if !ok {
				return false
			}
			v, err := s.Get(9)
			if err != nil || v.V1 != 123 || v.V2 != 456 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
