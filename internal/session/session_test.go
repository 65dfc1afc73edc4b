package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrips(t *testing.T) {
	mgr, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	token, err := mgr.Issue(3, 7)
	require.NoError(t, err)

	claims, err := mgr.Verify(token)
	require.NoError(t, err)
	require.Equal(t, 3, claims.Core)
	require.Equal(t, uint16(7), claims.ClientID)
}

func TestNewManagerRejectsEmptySecret(t *testing.T) {
	_, err := NewManager("", time.Hour)
	require.Error(t, err)
}

func TestRegistryRecordsLatestTokenPerCore(t *testing.T) {
	mgr, err := NewManager("test-secret", time.Hour)
	require.NoError(t, err)
	reg := NewRegistry(mgr)

	reg.Record(1, 0)
	reg.Record(2, 1)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)

	claims, err := mgr.Verify(snap[1])
	require.NoError(t, err)
	require.Equal(t, uint16(0), claims.ClientID)
}
