// Package bench is the benchmark client harness of spec.md §6: it drives
// client.Session in a request loop, tracks per-run latency statistics,
// and writes the results file format spec.md §6 describes. Grounded on
// _examples/original_source/client.c's measure_thread/print_results_file
// (six 20-second runs, per-run avg/stdev/95%-CI, a final summary row) —
// the rdtsc/pthread machinery is replaced with time.Since and a plain
// goroutine, the file format is kept.
package bench

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// stats is an incremental (Welford) mean/variance accumulator — the Go
// equivalent of client.c's incr_stats, without needing the original's
// separate running-min/max accumulators since spec.md's results format
// only ever prints avg/stdev/95%-CI.
type stats struct {
	n    int
	mean float64
	m2   float64
}

func (s *stats) add(x float64) {
	s.n++
	d := x - s.mean
	s.mean += d / float64(s.n)
	s.m2 += d * (x - s.mean)
}

func (s *stats) avg() float64 { return s.mean }

func (s *stats) stddev() float64 {
	if s.n < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.n-1))
}

// confInterval95 is the half-width of a 95% confidence interval around
// the mean, assuming a normal approximation — 1.96 * stddev / sqrt(n),
// the formula client.c's get_conf_interval computes.
func (s *stats) confInterval95() float64 {
	if s.n == 0 {
		return 0
	}
	return 1.96 * s.stddev() / math.Sqrt(float64(s.n))
}

// RunStats holds one run's latency distribution plus how many requests
// it covered.
type RunStats struct {
	Avg       time.Duration
	StdDev    time.Duration
	CI95      time.Duration
	NumReqs   uint32
}

// Recorder accumulates per-run latency samples, discarding scheduling
// outliers the way client.c's init_benchmark_client does ("avoid
// scheduling measurements": samples at or over the threshold are dropped).
type Recorder struct {
	threshold time.Duration
	cur       stats
	reqCount  uint32
	runs      []RunStats
}

// NewRecorder builds a Recorder that discards any single sample at or
// above threshold (client.c uses a fixed rdtsc-cycle threshold; here it's a
// wall-clock duration since Go measures latency with time.Since, not a
// cycle counter).
func NewRecorder(threshold time.Duration) *Recorder {
	return &Recorder{threshold: threshold}
}

// Observe records one request's round-trip latency.
func (r *Recorder) Observe(d time.Duration) {
	r.reqCount++
	if d < r.threshold {
		r.cur.add(float64(d))
	}
}

// EndRun closes out the current run's window and starts a fresh one.
func (r *Recorder) EndRun() {
	r.runs = append(r.runs, RunStats{
		Avg:     time.Duration(r.cur.avg()),
		StdDev:  time.Duration(r.cur.stddev()),
		CI95:    time.Duration(r.cur.confInterval95()),
		NumReqs: r.reqCount,
	})
	r.cur = stats{}
	r.reqCount = 0
}

// Runs returns every completed run's stats in order.
func (r *Recorder) Runs() []RunStats { return r.runs }

// ResultFileParams names the dimensions spec.md §6's results filename
// encodes: "protocol ids, client count, and topology name".
type ResultFileParams struct {
	NumReplicas int
	ClientID    uint16
	Algo        int
	AlgoBelow   int
	NumClients  int
	Topology    string
}

// WriteResultsFile writes runs to results/rep_<n>/client_id_<id>_algo_<a>
// _below_<b>_<topo>_num_<c>, creating the directory if needed, matching
// the layout and header/summary-row format of client.c's
// print_results_file.
func WriteResultsFile(p ResultFileParams, runs []RunStats) error {
	dir := filepath.Join("results", fmt.Sprintf("rep_%d", p.NumReplicas))
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return fmt.Errorf("bench: making result directory: %w", err)
	}

	name := fmt.Sprintf("client_id_%d_algo_%d_below_%d_%s_num_%d",
		p.ClientID, p.Algo, p.AlgoBelow, p.Topology, p.NumClients)
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("bench: opening result file: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "Algo %d algo_below %d num_clients %d\n", p.Algo, p.AlgoBelow, p.NumClients)
	fmt.Fprintf(f, "#####################################################"+
		"#####################\n")

	var avgAvg, avgStdv stats
	for _, run := range runs {
		fmt.Fprintf(f, "avg rt %10.3f, stdv %10.3f, 95 %% avg +- %10.3f\n",
			float64(run.Avg), float64(run.StdDev), float64(run.CI95))
		avgAvg.add(float64(run.Avg))
		avgStdv.add(float64(run.StdDev))
	}

	fmt.Fprintf(f, "\t avg \t avg_stdv \t 95%%_CI\n")
	fmt.Fprintf(f, "||\t%10.3f\t%10.3f\t%10.3f\n", avgAvg.avg(), avgStdv.avg(), avgAvg.confInterval95())
	return nil
}
