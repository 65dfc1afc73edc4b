package bench

import (
	"context"
	"time"

	"github.com/haeckir91/smelt-consensus/internal/bench/resultsfeed"
	"github.com/haeckir91/smelt-consensus/internal/client"
	"github.com/haeckir91/smelt-consensus/internal/transport"
)

// Payload generates one request's command words given its zero-based
// request index, e.g. key ∈ [0,9], v1=rid, v2=22 per spec.md §8 scenario 1.
type Payload func(reqID uint32) (key, v1, v2 uint64)

// ClientParams configures one benchmark client thread — the Go analogue
// of client.c's benchmark_client_args_t.
type ClientParams struct {
	Core       int
	LeaderCore int
	RecvCore   int

	NumRuns     int           // client.c runs 5 measured windows (run 0 is warmup)
	RunDuration time.Duration // 20s in the original
	SleepTime   time.Duration // delay between requests; 0 = back-to-back

	OutlierThreshold time.Duration // samples at or above this are dropped
	Payload          Payload

	Result    ResultFileParams
	Publisher *resultsfeed.Publisher // nil disables Kafka publication
}

// Run drives one client session through SETUP then NumRuns request
// windows, writing a results file (and optionally publishing to Kafka)
// when done — the Go shape of client.c's init_benchmark_client plus
// measure_thread, collapsed into a single goroutine since Go has no need
// for the original's separate reporting thread.
func Run(ctx context.Context, tr transport.Transport, p ClientParams) error {
	sess := client.NewSession(p.Core, p.LeaderCore, p.RecvCore, tr)
	if err := sess.Setup(ctx); err != nil {
		return err
	}

	rec := NewRecorder(p.OutlierThreshold)
	var reqID uint32

	for run := 0; run < p.NumRuns; run++ {
		deadline := time.Now().Add(p.RunDuration)
		for time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			key, v1, v2 := p.Payload(reqID)
			start := time.Now()
			if err := sess.SendRequest(ctx, key, v1, v2); err != nil {
				return err
			}
			rec.Observe(time.Since(start))
			reqID++

			if p.SleepTime > 0 {
				time.Sleep(p.SleepTime)
			}
		}
		rec.EndRun()

		if p.Publisher != nil {
			runs := rec.Runs()
			latest := runs[len(runs)-1]
			p.Publisher.Publish(ctx, resultsfeed.RunSummary{
				NumReplicas: p.Result.NumReplicas,
				ClientID:    sess.ID(),
				Algo:        p.Result.Algo,
				AlgoBelow:   p.Result.AlgoBelow,
				NumClients:  p.Result.NumClients,
				Topology:    p.Result.Topology,
				RunIndex:    run,
				AvgNanos:    float64(latest.Avg),
				StdDevNanos: float64(latest.StdDev),
				CI95Nanos:   float64(latest.CI95),
				NumRequests: latest.NumReqs,
			})
		}
	}

	result := p.Result
	result.ClientID = sess.ID()
	return WriteResultsFile(result, rec.Runs())
}
