// Package dispatch is the composition/dispatch layer of spec.md §4.D: it
// owns the process-wide view of which protocol runs at which tier on
// which core, spawns exactly one replica goroutine per participating
// core, and wires com_layer_core_send_request as the synchronous join
// point between a tier-1 replica and its node's tier-2 engine.
//
// Structure follows the teacher's top-level wiring in main.go (build
// collaborators, then spawn one goroutine per unit of work, collect
// their lifetimes under one context), generalized from "one goroutine
// per connection" to "one goroutine per core".
package dispatch

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/kvs"
	"github.com/haeckir91/smelt-consensus/internal/message"
	"github.com/haeckir91/smelt-consensus/internal/metrics"
	"github.com/haeckir91/smelt-consensus/internal/replica"
	"github.com/haeckir91/smelt-consensus/internal/session"
	"github.com/haeckir91/smelt-consensus/internal/shmq"
	"github.com/haeckir91/smelt-consensus/internal/transport"
)

// Validate checks the tier1/tier2 pairing constraint of spec.md §4.D:
// "ALG_SHM is legal only as a tier-2 protocol". A two-tier system has no
// slot for a third tier, so the "pairing it with any algo_below != NONE"
// half of the constraint is structurally unreachable here; Validate
// still rejects AlgSHM/AlgNone as a tier-1 selector, the half that is
// reachable through the CLI.
func Validate(tier1Algo, tier2Algo config.Algo) error {
	switch tier1Algo {
	case config.AlgPaxosLike, config.AlgTPC, config.AlgBroadcast, config.AlgChain, config.AlgRaft:
	default:
		return consensuserr.New(consensuserr.InvalidConfiguration, "dispatch.Validate",
			fmt.Errorf("algo %s is not a valid tier-1 protocol", tier1Algo))
	}
	switch tier2Algo {
	case config.AlgPaxosLike, config.AlgTPC, config.AlgBroadcast, config.AlgChain, config.AlgRaft, config.AlgSHM, config.AlgNone:
	default:
		return consensuserr.New(consensuserr.InvalidConfiguration, "dispatch.Validate",
			fmt.Errorf("algo %s is not a valid tier-2 protocol", tier2Algo))
	}
	return nil
}

// Cluster is the running process-wide view: one tier-1 Protocol per node,
// one tier-2 Protocol (or SHMQ ring) per node when configured, and the
// per-core KVS stores every up-call writes into.
type Cluster struct {
	cfg        *config.ClusterConfig
	tier1Algo  config.Algo
	tier2Algo  config.Algo
	tr         transport.Transport
	logger     zerolog.Logger
	stores     map[int]*kvs.Store
	tier1Cores []int
	cancel     context.CancelFunc
	sessions   *session.Registry
}

// shmComLayer is the ALG_SHM tier-2: the tier-1 replica is the sole
// writer of one ring, the node's remaining cores are readers that apply
// every message to their own store — spec.md §4.F "bypasses the
// point-to-point path entirely". SendToTier2 returns as soon as m is in
// the ring; it does not wait for the readers to apply it.
type shmComLayer struct {
	ring *shmq.Ring
}

func (s *shmComLayer) SendToTier2(ctx context.Context, fromCore int, m message.Message) error {
	s.ring.Send(m)
	return nil
}

// protoComLayer reuses one of the five tier-1 Protocol implementations as
// a tier-2 engine: the tier-1 replica plays the role of "client" for its
// own node's tier-2 sub-cluster, sending a REQUEST and blocking for the
// RESPONSE the tier-2 leader/tail/acceptor eventually sends back.
type protoComLayer struct {
	tr        transport.Transport
	entryCore int // first tier-2 replica's core: every protocol's SendRequest entry point
}

func (p *protoComLayer) SendToTier2(ctx context.Context, fromCore int, m message.Message) error {
	ep, err := p.tr.Endpoint(fromCore, p.entryCore)
	if err != nil {
		return consensuserr.New(consensuserr.TransportFailure, "protoComLayer.SendToTier2", err)
	}
	req := m
	req.Tag = message.TagRequest
	req.ReplyTo = uint64(fromCore)
	if err := ep.Send(ctx, req); err != nil {
		return consensuserr.New(consensuserr.TransportFailure, "protoComLayer.SendToTier2", err)
	}
	for {
		resp, err := ep.Receive(ctx)
		if err != nil {
			return consensuserr.New(consensuserr.TransportFailure, "protoComLayer.SendToTier2", err)
		}
		if resp.Tag == message.TagResponse && resp.ClientID == m.ClientID && resp.RequestID == m.RequestID {
			return nil
		}
		// a stale reply from an earlier round; keep waiting for ours
	}
}

// NewCluster builds every tier-1 replica and, per node, its tier-2 engine
// if cfg's node_size and tier2Algo call for one, and spawns one pinned
// OS-thread-backed goroutine per participating core via
// Transport.SpawnCoreThread — the Go equivalent of consensus_init's
// startup sequence (spec.md §4.D).
func NewCluster(ctx context.Context, cfg *config.ClusterConfig, tier1Algo, tier2Algo config.Algo, tun *config.Tunables, tr transport.Transport, logger zerolog.Logger, reg *metrics.Registry) (*Cluster, error) {
	if err := Validate(tier1Algo, tier2Algo); err != nil {
		return nil, err
	}

	sessionMgr, err := session.NewManager(tun.SessionSecret, tun.SessionTokenTTL)
	if err != nil {
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "dispatch.NewCluster", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Cluster{
		cfg:        cfg,
		tier1Algo:  tier1Algo,
		tier2Algo:  tier2Algo,
		tr:         tr,
		logger:     logger,
		stores:     make(map[int]*kvs.Store),
		tier1Cores: make([]int, cfg.NumTier1Replicas),
		cancel:     cancel,
		sessions:   session.NewRegistry(sessionMgr),
	}

	for i, row := range cfg.ReplicaCores {
		c.tier1Cores[i] = int(row[0])
	}

	// Tier-1 leader (id 0) first, then ascending id order, matching the
	// startup sequence spec.md §4.D prescribes — for in-process goroutines
	// this only affects log ordering, but it costs nothing to honor.
	for i, row := range cfg.ReplicaCores {
		tier1Core := int(row[0])
		c.stores[tier1Core] = kvs.NewStore()

		var comLayer replica.ComLayer
		tier2Cores := toIntSlice(row[1:])
		if tier2Algo != config.AlgNone && len(tier2Cores) > 0 {
			var err error
			comLayer, err = c.startTier2(runCtx, i, tier1Core, tier2Cores, tun, reg)
			if err != nil {
				cancel()
				return nil, err
			}
		}

		proto, err := replica.New(tier1Algo)
		if err != nil {
			cancel()
			return nil, err
		}
		rcfg := replica.Config{
			ID:                 uint8(i),
			Core:               tier1Core,
			Level:              replica.LevelNode,
			ReplicaCores:       c.tier1Cores,
			ClientCores:        toIntSlice(cfg.ClientCores),
			AlgBelow:           tier2Algo,
			Transport:          tr,
			Store:              c.stores[tier1Core],
			ComLayer:           comLayer,
			Logger:             logger.With().Int("core", tier1Core).Str("tier", "1").Logger(),
			ElectionTimeoutMin: tun.ElectionTimeoutMin,
			ElectionBackoffMax: tun.ElectionBackoffMax,
			AcceptorTimeout:    tun.AcceptorTimeout,
			HeartbeatInterval:  tun.HeartbeatInterval,
			OnClientSetup:      c.sessions.Record,
			Metrics:            reg,
		}
		if err := proto.Init(runCtx, rcfg); err != nil {
			cancel()
			return nil, err
		}
		replicaLog := logger.With().Int("core", tier1Core).Logger()
		if err := tr.SpawnCoreThread(runCtx, tier1Core, messageLoopFn(proto, replicaLog)); err != nil {
			cancel()
			return nil, consensuserr.New(consensuserr.TransportFailure, "dispatch.NewCluster", err)
		}
	}

	return c, nil
}

// messageLoopFn adapts replica.Protocol.MessageLoop's (ctx) error shape to
// the func(ctx) transport.Transport.SpawnCoreThread expects, logging a
// MessageLoop exit the way it would otherwise be silently dropped by `go`.
func messageLoopFn(proto replica.Protocol, log zerolog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		if err := proto.MessageLoop(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("replica message loop exited")
		}
	}
}

// startTier2 wires one node's tier-2 engine and returns the ComLayer its
// tier-1 replica hands committed commands to.
func (c *Cluster) startTier2(ctx context.Context, nodeIdx, tier1Core int, tier2Cores []int, tun *config.Tunables, reg *metrics.Registry) (replica.ComLayer, error) {
	for _, core := range tier2Cores {
		c.stores[core] = kvs.NewStore()
	}

	if c.tier2Algo == config.AlgSHM {
		ring, err := shmq.NewRing(tun.SHMQSlots, len(tier2Cores))
		if err != nil {
			return nil, consensuserr.New(consensuserr.InvalidConfiguration, "dispatch.startTier2", err)
		}
		for readerID, core := range tier2Cores {
			readerID, core := readerID, core
			store := c.stores[core]
			log := c.logger.With().Int("core", core).Str("tier", "2-shm").Logger()
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					default:
					}
					m := ring.Receive(readerID)
					if err := store.Apply(m.Payload); err != nil {
						log.Error().Err(err).Msg("shm tier-2 up-call rejected key")
					} else if reg != nil {
						reg.CommandsApplied.WithLabelValues("2-shm", fmt.Sprintf("%d", core)).Inc()
					}
					if reg != nil {
						reg.ShmqQueueDepth.WithLabelValues(fmt.Sprintf("node-%d", nodeIdx)).Set(float64(ring.Depth()))
					}
				}
			}()
		}
		return &shmComLayer{ring: ring}, nil
	}

	for idx, core := range tier2Cores {
		proto, err := replica.New(c.tier2Algo)
		if err != nil {
			return nil, err
		}
		rcfg := replica.Config{
			ID:                 uint8(idx),
			Core:               core,
			Level:              replica.LevelCore,
			ReplicaCores:       tier2Cores,
			ClientCores:        []int{tier1Core},
			AlgBelow:           config.AlgNone,
			StartedFrom:        tier1Core,
			Transport:          c.tr,
			Store:              c.stores[core],
			Logger:             c.logger.With().Int("core", core).Str("tier", "2").Logger(),
			ElectionTimeoutMin: tun.ElectionTimeoutMin,
			ElectionBackoffMax: tun.ElectionBackoffMax,
			AcceptorTimeout:    tun.AcceptorTimeout,
			HeartbeatInterval:  tun.HeartbeatInterval,
			Metrics:            reg,
		}
		if err := proto.Init(ctx, rcfg); err != nil {
			return nil, err
		}
		if err := c.tr.SpawnCoreThread(ctx, core, messageLoopFn(proto, rcfg.Logger)); err != nil {
			return nil, consensuserr.New(consensuserr.TransportFailure, "dispatch.startTier2", err)
		}
	}

	return &protoComLayer{tr: c.tr, entryCore: tier2Cores[0]}, nil
}

func toIntSlice(in []uint8) []int {
	out := make([]int, len(in))
	for i, v := range in {
		out[i] = int(v)
	}
	return out
}

// Tier1LeaderCore is the core benchmark clients address SETUP/REQUEST to
// at startup — replica 0's core, matching client.c's static current_leader.
func (c *Cluster) Tier1LeaderCore() int { return c.tier1Cores[0] }

// Store returns the KVS store backing core, for read-side GETs (spec.md
// §4.G "state is read via independent GETs against replica-local
// memory").
func (c *Cluster) Store(core int) (*kvs.Store, bool) {
	s, ok := c.stores[core]
	return s, ok
}

// Sessions returns the audit registry of every client core that has
// completed SETUP against this cluster's tier-1 replicas.
func (c *Cluster) Sessions() *session.Registry { return c.sessions }

// Shutdown cancels every spawned replica and tier-2 goroutine.
func (c *Cluster) Shutdown() { c.cancel() }
