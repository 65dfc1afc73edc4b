package kvs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

func TestApplyThenGetRoundTrips(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Apply(message.KVSPayload(3, 10, 20)))

	v, err := s.Get(3)
	require.NoError(t, err)
	require.Equal(t, Value{V1: 10, V2: 20}, v)
}

func TestApplyRejectsKeyOutOfRange(t *testing.T) {
	s := NewStore()
	err := s.Apply(message.KVSPayload(maxKey+1, 1, 2))
	require.Error(t, err)
	require.True(t, consensuserr.Is(err, consensuserr.KeyOutOfRange))
}

func TestGetRejectsKeyOutOfRange(t *testing.T) {
	s := NewStore()
	_, err := s.Get(maxKey + 1)
	require.True(t, consensuserr.Is(err, consensuserr.KeyOutOfRange))
}

func TestLastWriteWinsPerKey(t *testing.T) {
	s := NewStore()
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, s.Apply(message.KVSPayload(7, i, i*2)))
	}
	v, err := s.Get(7)
	require.NoError(t, err)
	require.Equal(t, Value{V1: 4, V2: 8}, v)
}
