// Command smelt is the process entrypoint of spec.md §6: it parses the
// CLI and cluster config file, brings up the composition layer, starts
// one benchmark client per configured client core, and serves Prometheus
// metrics until every client has finished its run or a signal arrives.
// Structure follows go-server-3's cmd/odin-ws/main.go: config → logger →
// metrics registry → collaborators → signal-driven shutdown.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from the cgroup limit on import
	"go.uber.org/zap"

	"github.com/haeckir91/smelt-consensus/internal/bench"
	"github.com/haeckir91/smelt-consensus/internal/bench/resultsfeed"
	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/dispatch"
	"github.com/haeckir91/smelt-consensus/internal/logging"
	"github.com/haeckir91/smelt-consensus/internal/metrics"
	"github.com/haeckir91/smelt-consensus/internal/transport"
)

func main() {
	// Load .env next to the binary if present; a missing file is not an
	// error, it just means every tunable comes from its own env var or
	// default (dev convenience, as in the teacher's main.go).
	_ = godotenv.Load()

	cli, err := config.ParseCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "smelt: %v\n", err)
		os.Exit(1)
	}

	clusterCfg, err := config.LoadClusterConfig(cli.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smelt: %v\n", err)
		os.Exit(1)
	}

	tunables, err := config.LoadTunables()
	if err != nil {
		fmt.Fprintf(os.Stderr, "smelt: %v\n", err)
		os.Exit(1)
	}

	zapLog, err := logging.NewDispatchLogger(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "smelt: logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() // nolint:errcheck

	replicaLog := zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr := transport.NewInProcess(tunables.ChannelCapacity, replicaLog)

	cluster, err := dispatch.NewCluster(ctx, clusterCfg, cli.Tier1Algo, cli.Tier2Algo, tunables, tr, replicaLog, metricsReg)
	if err != nil {
		zapLog.Fatal("cluster init failed", zap.Error(err))
	}
	defer cluster.Shutdown()

	go serveMetrics(ctx, tunables.MetricsListenAddr, reg, cluster, zapLog)

	runClients(ctx, tr, clusterCfg, cli, tunables, zapLog)

	zapLog.Info("all clients finished, shutting down")
}

// runClients spawns one benchmark client goroutine per configured client
// core and waits for all of them to finish their measured runs — the
// "Start client threads" step of spec.md §4.D's startup sequence.
func runClients(ctx context.Context, tr transport.Transport, clusterCfg *config.ClusterConfig, cli *config.CLI, tunables *config.Tunables, zapLog *zap.Logger) {
	var publisher *resultsfeed.Publisher
	if len(tunables.ResultsFeedBrokers) > 0 {
		p, err := resultsfeed.NewPublisher(resultsfeed.Config{
			Brokers: tunables.ResultsFeedBrokers,
			Topic:   tunables.ResultsFeedTopic,
		})
		if err != nil {
			zapLog.Warn("resultsfeed disabled", zap.Error(err))
		} else {
			publisher = p
			defer publisher.Close()
		}
	}

	leaderCore := clusterCfg.ReplicaCores[0][0]

	var wg sync.WaitGroup
	for i, core := range clusterCfg.ClientCores {
		i, core := i, int(core)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := bench.Run(ctx, tr, bench.ClientParams{
				Core:             core,
				LeaderCore:       int(leaderCore),
				RecvCore:         core,
				NumRuns:          6,
				RunDuration:      20 * time.Second,
				OutlierThreshold: 500 * time.Microsecond,
				Payload: func(reqID uint32) (key, v1, v2 uint64) {
					return uint64(reqID) % 10, uint64(reqID), 22
				},
				Result: bench.ResultFileParams{
					NumReplicas: clusterCfg.NumTier1Replicas,
					Algo:        int(cli.Tier1Algo),
					AlgoBelow:   int(cli.Tier2Algo),
					NumClients:  clusterCfg.NumClients,
					Topology:    fmt.Sprintf("topo%d", cli.TopoIdx),
				},
				Publisher: publisher,
			})
			if err != nil && ctx.Err() == nil {
				zapLog.Error("benchmark client failed", zap.Int("client_index", i), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

// serveMetrics answers Prometheus scrapes plus a small /sessions admin
// endpoint listing every core that has completed the SETUP handshake,
// backed by the audit tokens internal/session issues.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, cluster *dispatch.Cluster, zapLog *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(cluster.Sessions().Snapshot()); err != nil {
			zapLog.Warn("sessions encode failed", zap.Error(err))
		}
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		zapLog.Warn("metrics server stopped", zap.Error(err))
	}
}
