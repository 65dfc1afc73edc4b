package client

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/message"
	"github.com/haeckir91/smelt-consensus/internal/transport"
)

// fakeReplica answers SETUP with a fixed id and echoes every REQUEST back
// as a RESPONSE, enough to exercise Session without a full replica.Protocol.
func fakeReplica(t *testing.T, ctx context.Context, tr transport.Transport, replicaCore, clientCore int, id uint64) {
	t.Helper()
	ep, err := tr.Endpoint(replicaCore, clientCore)
	require.NoError(t, err)
	go func() {
		for {
			m, err := ep.Receive(ctx)
			if err != nil {
				return
			}
			switch m.Tag {
			case message.TagSetup:
				_ = ep.Send(ctx, message.Message{Tag: message.TagSetup, Payload: [3]uint64{id, 0, 0}})
			case message.TagRequest:
				_ = ep.Send(ctx, message.Message{
					Tag:       message.TagResponse,
					ClientID:  m.ClientID,
					RequestID: m.RequestID,
				})
			}
		}
	}()
}

func TestSessionSetupAssignsIDAndIsIdempotent(t *testing.T) {
	tr := transport.NewInProcess(16, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const replicaCore, clientCore = 0, 100
	fakeReplica(t, ctx, tr, replicaCore, clientCore, 7)

	s := NewSession(clientCore, replicaCore, replicaCore, tr)
	require.NoError(t, s.Setup(ctx))
	require.Equal(t, uint16(7), s.ID())
	require.Equal(t, StateReady, s.State())

	require.NoError(t, s.Setup(ctx))
	require.Equal(t, uint16(7), s.ID())
}

func TestSendRequestBlocksUntilMatchingResponse(t *testing.T) {
	tr := transport.NewInProcess(16, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const replicaCore, clientCore = 1, 101
	fakeReplica(t, ctx, tr, replicaCore, clientCore, 3)

	s := NewSession(clientCore, replicaCore, replicaCore, tr)
	require.NoError(t, s.Setup(ctx))

	require.NoError(t, s.SendRequest(ctx, 5, 10, 20))
	require.NoError(t, s.SendRequest(ctx, 6, 11, 21))
}

func TestSendRequestBeforeSetupFails(t *testing.T) {
	tr := transport.NewInProcess(16, zerolog.Nop())
	s := NewSession(102, 2, 2, tr)
	err := s.SendRequest(context.Background(), 1, 2, 3)
	require.Error(t, err)
}
