// Package config parses the program's two configuration surfaces: the CLI
// invocation (spec.md §6, "CLI") and the positional-integer cluster config
// file (spec.md §6, "Config file format"). Runtime tunables that spec.md
// leaves unspecified (timeouts, backoff ranges, queue sizes) are layered on
// top with viper + env var overrides, the way go-server-3 and src/ws
// respectively configure themselves.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
)

// Algo enumerates the tier-1/tier-2 protocol selector, matching the CLI
// integer encoding in spec.md §6 and includes/consensus.h's ALG_* defines.
type Algo int

const (
	AlgPaxosLike Algo = iota // ALG_1PAXOS
	AlgTPC                   // ALG_TPC
	AlgBroadcast             // ALG_BROAD
	AlgChain                 // ALG_CHAIN
	AlgRaft                  // ALG_RAFT
	AlgSHM                   // ALG_SHM — legal only as a tier-2 protocol
	AlgNone                  // ALG_NONE — no tier-2 at all
)

func (a Algo) String() string {
	switch a {
	case AlgPaxosLike:
		return "paxos-like"
	case AlgTPC:
		return "tpc"
	case AlgBroadcast:
		return "broadcast"
	case AlgChain:
		return "chain"
	case AlgRaft:
		return "raft"
	case AlgSHM:
		return "shm"
	case AlgNone:
		return "none"
	default:
		return fmt.Sprintf("algo(%d)", a)
	}
}

// ParseAlgo parses one of the CLI's algorithm integers (0..6).
func ParseAlgo(s string) (Algo, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < int(AlgPaxosLike) || n > int(AlgNone) {
		return 0, consensuserr.New(consensuserr.InvalidConfiguration, "ParseAlgo", fmt.Errorf("unknown protocol id %q", s))
	}
	return Algo(n), nil
}

// CLI is the parsed command line: `<program> <tier1_algo> <tier2_algo>
// [config_path] [topo_idx]`.
type CLI struct {
	Tier1Algo  Algo
	Tier2Algo  Algo
	ConfigPath string
	TopoIdx    int
}

// ParseCLI parses os.Args[1:]-shaped arguments.
func ParseCLI(args []string) (*CLI, error) {
	if len(args) < 2 {
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "ParseCLI",
			fmt.Errorf("usage: <program> <tier1_algo> <tier2_algo> [config_path] [topo_idx]"))
	}
	tier1, err := ParseAlgo(args[0])
	if err != nil {
		return nil, err
	}
	tier2, err := ParseAlgo(args[1])
	if err != nil {
		return nil, err
	}
	if tier2 == AlgSHM {
		// ALG_SHM is legal only as tier-2; that's precisely what we're
		// parsing here, so no rejection at this stage. The rejection
		// belongs to the tier1/tier2 pairing check, done once both algos
		// and alg_below are known (dispatch.Validate).
	}
	cli := &CLI{Tier1Algo: tier1, Tier2Algo: tier2, ConfigPath: "config.txt", TopoIdx: 0}
	if len(args) >= 3 {
		cli.ConfigPath = args[2]
	}
	if len(args) >= 4 {
		idx, err := strconv.Atoi(args[3])
		if err != nil {
			return nil, consensuserr.New(consensuserr.InvalidConfiguration, "ParseCLI", fmt.Errorf("bad topo_idx %q", args[3]))
		}
		cli.TopoIdx = idx
	}
	return cli, nil
}

// ClusterConfig is the parsed config file: the core/replica/client layout
// of spec.md §6.
type ClusterConfig struct {
	NumCores         int
	NumTier1Replicas int
	NodeSize         int
	NumClients       int
	// ReplicaCores[i] holds node_size core ids for tier-1 replica i; index 0
	// is the tier-1 representative, the rest are that node's tier-2 cores.
	ReplicaCores [][]uint8
	ClientCores  []uint8
}

// LoadClusterConfig reads and validates the whitespace-separated integer
// format described in spec.md §6.
func LoadClusterConfig(path string) (*ClusterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "LoadClusterConfig", err)
	}
	defer f.Close()

	toks := tokenizer{sc: bufio.NewScanner(f)}
	toks.sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	toks.sc.Split(bufio.ScanWords)

	numCores, err := toks.nextInt()
	if err != nil {
		return nil, badConfig("num_cores", err)
	}
	numReplicas, err := toks.nextInt()
	if err != nil {
		return nil, badConfig("num_tier1_replicas", err)
	}
	nodeSize, err := toks.nextInt()
	if err != nil {
		return nil, badConfig("node_size", err)
	}
	numClients, err := toks.nextInt()
	if err != nil {
		return nil, badConfig("num_clients", err)
	}

	cfg := &ClusterConfig{
		NumCores:         numCores,
		NumTier1Replicas: numReplicas,
		NodeSize:         nodeSize,
		NumClients:       numClients,
		ReplicaCores:     make([][]uint8, numReplicas),
	}

	for i := 0; i < numReplicas; i++ {
		row := make([]uint8, nodeSize)
		for j := 0; j < nodeSize; j++ {
			v, err := toks.nextInt()
			if err != nil {
				return nil, badConfig(fmt.Sprintf("replica %d core %d", i, j), err)
			}
			if v < 0 || v >= numCores {
				return nil, consensuserr.New(consensuserr.InvalidConfiguration, "LoadClusterConfig",
					fmt.Errorf("core %d out of range [0,%d)", v, numCores))
			}
			row[j] = uint8(v)
		}
		cfg.ReplicaCores[i] = row
	}

	cfg.ClientCores = make([]uint8, numClients)
	for i := 0; i < numClients; i++ {
		v, err := toks.nextInt()
		if err != nil {
			return nil, badConfig(fmt.Sprintf("client core %d", i), err)
		}
		cfg.ClientCores[i] = uint8(v)
	}

	return cfg, nil
}

func badConfig(field string, err error) error {
	return consensuserr.New(consensuserr.InvalidConfiguration, "LoadClusterConfig", fmt.Errorf("field %q: %w", field, err))
}

type tokenizer struct{ sc *bufio.Scanner }

func (t *tokenizer) nextInt() (int, error) {
	if !t.sc.Scan() {
		if err := t.sc.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("unexpected end of config file")
	}
	return strconv.Atoi(strings.TrimSpace(t.sc.Text()))
}

// Tunables are runtime knobs spec.md leaves to the implementation:
// liveness timeouts (§5, "50-350ms plus randomized backoff"), SHMQ sizing,
// and channel capacity. Resolved by viper (file/defaults) layered with
// struct-tag env overrides (caarlos0/env), matching go-server-3 and
// src/ws's respective configuration idioms.
type Tunables struct {
	ElectionTimeoutMin time.Duration `mapstructure:"election_timeout_min" env:"SMELT_ELECTION_TIMEOUT_MIN" envDefault:"150ms"`
	ElectionBackoffMax time.Duration `mapstructure:"election_backoff_max" env:"SMELT_ELECTION_BACKOFF_MAX" envDefault:"200ms"`
	AcceptorTimeout    time.Duration `mapstructure:"acceptor_timeout" env:"SMELT_ACCEPTOR_TIMEOUT" envDefault:"100ms"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" env:"SMELT_HEARTBEAT_INTERVAL" envDefault:"50ms"`
	MaxBackoffMs       int           `mapstructure:"max_backoff_ms" env:"SMELT_MAX_BACKOFF_MS" envDefault:"50"`
	SHMQSlots          int           `mapstructure:"shmq_slots" env:"SMELT_SHMQ_SLOTS" envDefault:"1024"`
	ChannelCapacity    int           `mapstructure:"channel_capacity" env:"SMELT_CHANNEL_CAPACITY" envDefault:"256"`
	MetricsListenAddr  string        `mapstructure:"metrics_listen_addr" env:"SMELT_METRICS_ADDR" envDefault:":9090"`
	NATSUrl            string        `mapstructure:"nats_url" env:"SMELT_NATS_URL" envDefault:""`

	// ResultsFeedBrokers/Topic configure the optional Kafka/Redpanda
	// publication of per-run benchmark summaries (internal/bench/resultsfeed).
	// Empty brokers disables it.
	ResultsFeedBrokers []string `mapstructure:"results_feed_brokers" env:"SMELT_RESULTS_FEED_BROKERS" envSeparator:","`
	ResultsFeedTopic   string   `mapstructure:"results_feed_topic" env:"SMELT_RESULTS_FEED_TOPIC" envDefault:"smelt-bench-results"`

	// SessionSecret signs the client-registration audit tokens
	// internal/session issues; a default is fine for local development
	// but SMELT_SESSION_SECRET should always be set in any shared
	// environment.
	SessionSecret    string        `mapstructure:"session_secret" env:"SMELT_SESSION_SECRET" envDefault:"dev-only-smelt-secret"`
	SessionTokenTTL  time.Duration `mapstructure:"session_token_ttl" env:"SMELT_SESSION_TOKEN_TTL" envDefault:"24h"`
}

// LoadTunables resolves Tunables from optional viper config (tunables.yaml
// / tunables.toml next to the binary, if present) then env var overrides.
func LoadTunables() (*Tunables, error) {
	v := viper.New()
	v.SetConfigName("tunables")
	v.AddConfigPath(".")
	v.SetDefault("election_timeout_min", "150ms")
	v.SetDefault("election_backoff_max", "200ms")
	v.SetDefault("acceptor_timeout", "100ms")
	v.SetDefault("heartbeat_interval", "50ms")
	v.SetDefault("max_backoff_ms", 50)
	v.SetDefault("shmq_slots", 1024)
	v.SetDefault("channel_capacity", 256)
	v.SetDefault("metrics_listen_addr", ":9090")
	v.SetDefault("nats_url", "")
	v.SetDefault("results_feed_brokers", []string{})
	v.SetDefault("results_feed_topic", "smelt-bench-results")
	v.SetDefault("session_secret", "dev-only-smelt-secret")
	v.SetDefault("session_token_ttl", "24h")

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, consensuserr.New(consensuserr.InvalidConfiguration, "LoadTunables", err)
		}
	}

	var t Tunables
	if err := v.Unmarshal(&t); err != nil {
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "LoadTunables", err)
	}
	if err := env.Parse(&t); err != nil {
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "LoadTunables", err)
	}
	return &t, nil
}
