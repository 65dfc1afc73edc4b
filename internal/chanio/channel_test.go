package chanio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/message"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, b, err := NewDuplexChannel(8)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Send(ctx, message.Message{Tag: message.TagRequest, Payload: message.KVSPayload(42, 0, 0)}))
	m, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), m.Payload[0])
}

func TestCreditExhaustionBlocksUntilAck(t *testing.T) {
	const capacity = 4
	a, b, err := NewDuplexChannel(capacity)
	require.NoError(t, err)

	ctx := context.Background()
	// Fill the window without the peer ever receiving: TrySend must stop
	// accepting once capacity in-flight messages are outstanding.
	for i := 0; i < capacity; i++ {
		require.True(t, a.TrySend(message.Message{Tag: message.TagRequest}), "send %d should fit in the credit window", i)
	}
	require.False(t, a.TrySend(message.Message{Tag: message.TagRequest}), "credit should be exhausted")

	// Peer drains enough messages to cross the ACK threshold
	// (seq_id - last_ack >= capacity-1), which must emit an explicit ACK.
	for i := 0; i < capacity-1; i++ {
		_, err := b.Receive(ctx)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return a.TrySend(message.Message{Tag: message.TagRequest})
	}, time.Second, time.Millisecond, "sender should regain credit once the ACK is processed")
}

func TestBlockingSendWakesOnPeerReceive(t *testing.T) {
	const capacity = 2
	a, b, err := NewDuplexChannel(capacity)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < capacity; i++ {
		require.True(t, a.TrySend(message.Message{Tag: message.TagRequest}))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer wg.Done()
		err := a.Send(ctx, message.Message{Tag: message.TagRequest, Payload: message.KVSPayload(7, 0, 0)})
		require.NoError(t, err)
		close(done)
	}()

	// Drain enough on the peer side to free credit and trigger the wake.
	for i := 0; i < capacity; i++ {
		_, err := b.Receive(ctx)
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Send never unblocked after peer drained the window")
	}
	wg.Wait()
}

func TestSendRespectsContextCancellation(t *testing.T) {
	a, _, err := NewDuplexChannel(1)
	require.NoError(t, err)
	require.True(t, a.TrySend(message.Message{Tag: message.TagRequest}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = a.Send(ctx, message.Message{Tag: message.TagRequest})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNoMessageLossOrReorderUnderLoad(t *testing.T) {
	a, b, err := NewDuplexChannel(16)
	require.NoError(t, err)
	ctx := context.Background()
	const n = 5000

	go func() {
		for i := 0; i < n; i++ {
			_ = a.Send(ctx, message.Message{Tag: message.TagRequest, Payload: message.KVSPayload(uint64(i), 0, 0)})
		}
	}()

	for i := 0; i < n; i++ {
		m, err := b.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(i), m.Payload[0], "message %d must arrive in order without loss or duplication", i)
	}
}
