package message

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		Tag:       TagRequest,
		ClientID:  7,
		RequestID: 1234,
		Index:     99,
		Term:      3,
		ReplyTo:   2,
		Payload:   KVSPayload(5, 10, 20),
	}

	buf := make([]byte, Size)
	m.Encode(buf)
	got := Decode(buf)

	require.Equal(t, m, got)
}

func TestRID(t *testing.T) {
	m := Message{ClientID: 3, RequestID: 42}
	require.Equal(t, RID{ClientID: 3, RequestID: 42}, m.RID())
}

func TestTagString(t *testing.T) {
	require.Equal(t, "REQUEST", TagRequest.String())
	require.Contains(t, Tag(9999).String(), "Tag(")
}
