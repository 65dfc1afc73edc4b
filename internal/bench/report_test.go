package bench

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorderDropsOutliersAndTracksPerRunStats(t *testing.T) {
	rec := NewRecorder(100 * time.Millisecond)
	rec.Observe(10 * time.Millisecond)
	rec.Observe(12 * time.Millisecond)
	rec.Observe(500 * time.Millisecond) // dropped: over threshold
	rec.EndRun()

	runs := rec.Runs()
	require.Len(t, runs, 1)
	require.Equal(t, uint32(3), runs[0].NumReqs)
	require.InDelta(t, float64(11*time.Millisecond), float64(runs[0].Avg), float64(2*time.Millisecond))
}

func TestWriteResultsFileCreatesDirAndAppends(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	params := ResultFileParams{NumReplicas: 3, ClientID: 1, Algo: 2, AlgoBelow: 6, NumClients: 1, Topology: "star"}
	runs := []RunStats{{Avg: time.Millisecond, StdDev: time.Microsecond, CI95: time.Microsecond, NumReqs: 100}}

	require.NoError(t, WriteResultsFile(params, runs))

	path := filepath.Join("results", "rep_3", "client_id_1_algo_2_below_6_star_num_1")
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(body), "Algo 2 algo_below 6 num_clients 1")
	require.Contains(t, string(body), "avg rt")
}
