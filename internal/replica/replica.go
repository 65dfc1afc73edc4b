// Package replica holds the per-core replica state machine (spec.md §3
// "Replica") and the five tier-1/tier-2 protocol variants. The tagged
// control-flow switch between protocols is modeled as the Protocol
// interface spec.md §9 "Design Notes" asks for; the composition layer
// (internal/dispatch) owns one Protocol implementation per replica and
// never branches on algorithm identity itself.
//
// Structure and per-thread ownership discipline — one struct per replica,
// mutated only by its own goroutine, a logger tagged with the core id —
// follow the teacher's ws/internal/multi/shard.go; message dispatch style
// (single switch over a tag, named handle_* functions) follows
// _examples/original_source/one_replica.c and tpc_replica.c.
package replica

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/haeckir91/smelt-consensus/internal/chanio"
	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/kvs"
	"github.com/haeckir91/smelt-consensus/internal/message"
	"github.com/haeckir91/smelt-consensus/internal/metrics"
	"github.com/haeckir91/smelt-consensus/internal/transport"
)

// Level is spec.md §3's composition level: NODE replicas reply directly
// to clients; CORE replicas (tier-2) reply to the tier-1 replica that
// invoked them.
type Level int

const (
	LevelNode Level = iota
	LevelCore
)

// ComLayer is the synchronous tier-1→tier-2 join point spec.md §4.D
// describes as com_layer_core_send_request: a tier-1 replica that commits
// a command calls through this before replying to the client.
type ComLayer interface {
	SendToTier2(ctx context.Context, fromCore int, m message.Message) error
}

// Config is everything a Protocol needs at Init — the Go analogue of
// original_source's cons_args_t passed into init_replica.
type Config struct {
	ID    uint8
	Core  int
	Level Level

	// ReplicaCores maps replica id -> core id for every tier-1 (or, for a
	// tier-2 instance, every sibling-on-this-node) peer, index-aligned
	// with the replica id space.
	ReplicaCores []int
	ClientCores  []int

	AlgBelow    config.Algo
	StartedFrom int // core id to reply to when Level == LevelCore

	Transport transport.Transport
	Store     *kvs.Store
	ComLayer  ComLayer // nil when AlgBelow == AlgNone
	Logger    zerolog.Logger

	ElectionTimeoutMin time.Duration
	ElectionBackoffMax time.Duration
	AcceptorTimeout    time.Duration
	HeartbeatInterval  time.Duration

	// OnClientSetup, if set, is called once per newly assigned client id
	// (never on a repeated idempotent SETUP) so the composition layer can
	// keep an audit trail of who is talking to the cluster — see
	// internal/session.
	OnClientSetup func(core int, clientID uint16)

	// Metrics is optional; a nil Registry disables all counter/gauge
	// updates rather than panicking, so tests can omit it freely.
	Metrics *metrics.Registry
}

// Protocol is the tagged variant spec.md §9 asks the composition layer to
// hold one of per replica, dispatched on uniformly regardless of which of
// the five algorithms it is.
type Protocol interface {
	Init(ctx context.Context, cfg Config) error
	OnMessage(ctx context.Context, m message.Message) error
	SendRequest(ctx context.Context, m message.Message) error
	MessageLoop(ctx context.Context) error
}

// base is embedded by every protocol implementation: the fields and
// helpers common to all five variants (peer addressing, at-most-once
// dedup, the up-call, and the tier-2 hand-off).
type base struct {
	cfg Config

	// lastApplied[client_id] is the last request_id this replica has
	// applied for that client — spec.md §3 last_applied_rid[client],
	// mutated only by this replica's own goroutine, so no lock is needed
	// (spec.md §5 "Shared-resource policy").
	lastApplied map[uint16]uint32

	// setupIDs maps a requesting client core to the client id this replica
	// has assigned it, so a repeated SETUP from the same core is
	// idempotent (spec.md §8 "Setup" round-trip law).
	setupIDs     map[int]uint16
	nextClientID uint16

	rng *rand.Rand
}

func newBase(cfg Config) base {
	return base{
		cfg:         cfg,
		lastApplied: make(map[uint16]uint32),
		setupIDs:    make(map[int]uint16),
		rng:         rand.New(rand.NewSource(int64(cfg.ID)+1)),
	}
}

// handleSetup assigns (or recalls) a client id for the requesting core —
// client.c's init_consensus_client sends SETUP with client_id carrying
// its own core number and reads the assigned id back out of payload[0].
func (b *base) handleSetup(ctx context.Context, m message.Message) {
	core := int(m.ClientID)
	id, ok := b.setupIDs[core]
	if !ok {
		id = b.nextClientID
		b.nextClientID++
		b.setupIDs[core] = id
		if b.cfg.OnClientSetup != nil {
			b.cfg.OnClientSetup(core, id)
		}
	}
	b.send(ctx, core, message.Message{
		Tag:     message.TagSetup,
		Payload: [3]uint64{uint64(id), 0, 0},
	})
}

// alreadyApplied reports whether rid is a duplicate per spec.md §4.E.1
// "Edge cases": rid <= last_applied_rid[cid].
func (b *base) alreadyApplied(rid message.RID) bool {
	last, ok := b.lastApplied[rid.ClientID]
	return ok && rid.RequestID <= last
}

func (b *base) markApplied(rid message.RID) {
	if last, ok := b.lastApplied[rid.ClientID]; !ok || rid.RequestID > last {
		b.lastApplied[rid.ClientID] = rid.RequestID
	}
}

// applyAndPropagate invokes the KVS up-call and, if this replica has a
// tier-2 below it, calls ComLayer.SendToTier2 before the caller is
// allowed to reply to the client. A protocol tier-2 blocks there until
// its RESPONSE arrives; the ALG_SHM tier-2 returns once the message is
// in the ring, before its readers apply it.
func (b *base) applyAndPropagate(ctx context.Context, m message.Message) {
	if err := b.cfg.Store.Apply(m.Payload); err != nil {
		b.cfg.Logger.Error().Err(err).Uint64("key", m.Payload[0]).Msg("up-call rejected key")
	} else if b.cfg.Metrics != nil {
		tier := "1"
		if b.cfg.Level == LevelCore {
			tier = "2"
		}
		b.cfg.Metrics.CommandsApplied.WithLabelValues(tier, fmt.Sprintf("%d", b.cfg.Core)).Inc()
	}
	if b.cfg.ComLayer != nil {
		if err := b.cfg.ComLayer.SendToTier2(ctx, b.cfg.Core, m); err != nil {
			b.cfg.Logger.Error().Err(err).Msg("tier-2 hand-off failed")
			if b.cfg.Metrics != nil {
				b.cfg.Metrics.TransportErrors.WithLabelValues("tier2_handoff").Inc()
			}
		}
	}
}

// endpoint returns this replica's directional channel to peerCore.
func (b *base) endpoint(peerCore int) (*chanio.Endpoint, error) {
	ep, err := b.cfg.Transport.Endpoint(b.cfg.Core, peerCore)
	if err != nil {
		return nil, consensuserr.New(consensuserr.TransportFailure, "replica.endpoint", err)
	}
	return ep, nil
}

// send is a small convenience wrapper logging transport errors the way
// spec.md §7 prescribes: print and continue, the replica does not crash.
func (b *base) send(ctx context.Context, peerCore int, m message.Message) {
	ep, err := b.endpoint(peerCore)
	if err != nil {
		b.cfg.Logger.Error().Err(err).Int("peer", peerCore).Msg("no endpoint")
		return
	}
	if err := ep.Send(ctx, m); err != nil {
		b.cfg.Logger.Error().Err(err).Int("peer", peerCore).Msg("send failed")
	}
}

// replyCore is the core a response for this replica's level is sent to:
// the client's designated receive core at LevelNode, or started_from at
// LevelCore (spec.md §4.E "Cross-cutting properties").
func (b *base) replyCore(m message.Message) int {
	if b.cfg.Level == LevelCore {
		return b.cfg.StartedFrom
	}
	return int(m.ReplyTo)
}

func (b *base) replyToClient(ctx context.Context, req message.Message) {
	resp := message.Message{
		Tag:       message.TagResponse,
		ClientID:  req.ClientID,
		RequestID: req.RequestID,
	}
	b.send(ctx, b.replyCore(req), resp)
}

// backoff draws a randomized duration in [min, min+max) the way
// spec.md §9 "Design Notes" specifies for election/acceptor timeouts.
func (b *base) backoff(min, max time.Duration) time.Duration {
	if max <= 0 {
		return min
	}
	return min + time.Duration(b.rng.Int63n(int64(max)))
}

func (b *base) peerCore(replicaID uint8) (int, error) {
	if int(replicaID) >= len(b.cfg.ReplicaCores) {
		return 0, fmt.Errorf("replica id %d out of range", replicaID)
	}
	return b.cfg.ReplicaCores[replicaID], nil
}

func (b *base) numReplicas() int { return len(b.cfg.ReplicaCores) }

// fanIn spawns one goroutine per peer core forwarding everything it
// receives into a single channel, collapsing N directional channels into
// the one input stream a replica's message_loop drains — the Go
// equivalent of the original's single message_handler_loop polling every
// incoming smlt endpoint in turn.
func (b *base) fanIn(ctx context.Context, peerCores []int) <-chan message.Message {
	out := make(chan message.Message, 64)
	for _, core := range peerCores {
		core := core
		ep, err := b.endpoint(core)
		if err != nil {
			b.cfg.Logger.Error().Err(err).Int("peer", core).Msg("fan-in: no endpoint")
			continue
		}
		go func() {
			for {
				m, err := ep.Receive(ctx)
				if err != nil {
					return // ctx cancelled or peer torn down
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	return out
}

// New constructs the Protocol implementation for algo — the single place
// that switches on algorithm identity, mirroring replica.c's
// set_execution_fn/init_replica dispatch.
func New(algo config.Algo) (Protocol, error) {
	switch algo {
	case config.AlgPaxosLike:
		return &PaxosLike{}, nil
	case config.AlgTPC:
		return &TPC{}, nil
	case config.AlgBroadcast:
		return &Broadcast{}, nil
	case config.AlgChain:
		return &Chain{}, nil
	case config.AlgRaft:
		return &Raft{}, nil
	default:
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "replica.New", fmt.Errorf("algorithm %s has no tier-1/tier-2 Protocol (use shmq directly for ALG_SHM)", algo))
	}
}
