// Package resultsfeed optionally publishes per-run benchmark summaries to
// a Kafka/Redpanda topic, alongside the on-disk results files spec.md §6
// defines. This is an enrichment the distillation dropped; it is wired
// the way the teacher's ws/kafka consumer.go wires franz-go, mirrored to
// the producer side.
package resultsfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// RunSummary is the JSON payload published for one completed benchmark
// run — the same fields internal/bench.RunStats prints to the results
// file, plus the identifying dimensions of its filename.
type RunSummary struct {
	NumReplicas int     `json:"num_replicas"`
	ClientID    uint16  `json:"client_id"`
	Algo        int     `json:"algo"`
	AlgoBelow   int     `json:"algo_below"`
	NumClients  int     `json:"num_clients"`
	Topology    string  `json:"topology"`
	RunIndex    int     `json:"run_index"`
	AvgNanos    float64 `json:"avg_ns"`
	StdDevNanos float64 `json:"stddev_ns"`
	CI95Nanos   float64 `json:"ci95_ns"`
	NumRequests uint32  `json:"num_requests"`
}

// Publisher is a thin wrapper over a franz-go producer client.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// Config is the subset of franz-go client options resultsfeed needs.
type Config struct {
	Brokers []string
	Topic   string
	Logger  zerolog.Logger
}

// NewPublisher connects a franz-go client to Brokers. A nil *Publisher
// with a nil error is never returned; callers that configured no brokers
// should simply skip constructing one (resultsfeed is optional, not a
// hard dependency of the benchmark harness).
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("resultsfeed: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("resultsfeed: topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("resultsfeed: %w", err)
	}
	return &Publisher{client: client, topic: cfg.Topic, logger: cfg.Logger}, nil
}

// Publish sends one run summary, fire-and-forget: a publish failure is
// logged but never fails the benchmark run, since the on-disk results
// file is already the system of record (spec.md §6).
func (p *Publisher) Publish(ctx context.Context, s RunSummary) {
	body, err := json.Marshal(s)
	if err != nil {
		p.logger.Error().Err(err).Msg("resultsfeed: marshal failed")
		return
	}
	rec := &kgo.Record{Topic: p.topic, Value: body}
	p.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.Error().Err(err).Msg("resultsfeed: publish failed")
		}
	})
}

// Close flushes and releases the underlying client.
func (p *Publisher) Close() { p.client.Close() }
