// Package metrics wires github.com/prometheus/client_golang across the
// composition layer, replicas, SHMQ, and client sessions — every teacher
// variant exposes a Prometheus registry (go-server-3's internal/metrics,
// src/metrics.go); this generalizes it to the consensus domain.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every Prometheus collector used by the core.
type Registry struct {
	CommandsCommitted   *prometheus.CounterVec
	CommandsApplied     *prometheus.CounterVec
	ElectionsStarted    *prometheus.CounterVec
	ClientRequestLatSec *prometheus.HistogramVec
	ShmqQueueDepth      *prometheus.GaugeVec
	ChannelCreditUsed   *prometheus.GaugeVec
	TransportErrors     *prometheus.CounterVec
	DroppedMessages     *prometheus.CounterVec
}

// NewRegistry constructs and registers all collectors against reg (pass
// prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer for production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		CommandsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smelt_commands_committed_total",
			Help: "Total commands committed by a tier-1 replica, by protocol.",
		}, []string{"protocol", "replica"}),
		CommandsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smelt_commands_applied_total",
			Help: "Total commands applied via the up-call, by core and tier.",
		}, []string{"tier", "core"}),
		ElectionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smelt_elections_started_total",
			Help: "Total leader/acceptor elections initiated, by protocol.",
		}, []string{"protocol"}),
		ClientRequestLatSec: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smelt_client_request_latency_seconds",
			Help:    "Client-observed request-to-response latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		ShmqQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smelt_shmq_queue_depth",
			Help: "Outstanding slots between SHMQ writer and slowest reader.",
		}, []string{"ring"}),
		ChannelCreditUsed: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "smelt_channel_credit_used",
			Help: "In-flight (unacked) messages on a directional channel.",
		}, []string{"channel"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smelt_transport_errors_total",
			Help: "Transport-level send/receive failures.",
		}, []string{"op"}),
		DroppedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smelt_dropped_messages_total",
			Help: "Messages dropped due to protocol violations or key-out-of-range.",
		}, []string{"reason"}),
	}
}

// Serve starts the Prometheus scrape endpoint on addr. Matches the
// teacher's pattern of a dedicated metrics listener separate from the
// data-plane listener.
func Serve(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go srv.ListenAndServe()
	return srv
}
