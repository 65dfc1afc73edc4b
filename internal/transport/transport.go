// Package transport is the Go-native implementation of the external
// transport collaborator spec.md §6 describes: per-core thread spawn,
// per-core-address send/receive, a can-recv probe, tree broadcast/reduce,
// and topology generation from a core list. The core package only ever
// calls through the Transport interface, never the concrete type, the
// same seam the teacher keeps between shared.Server and its NATS client
// (ws/internal/shared/broadcast.go). InProcess is the only implementation
// in this module; internal/transport/natstransport is a separate NATS
// send/receive client and does not implement Transport.
package transport

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"

	"github.com/haeckir91/smelt-consensus/internal/chanio"
	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/osruntime"
	"github.com/haeckir91/smelt-consensus/internal/topology"
)

// Transport is the seam between the protocol/composition code and the
// substrate that actually moves bytes and schedules threads. Everything
// the core needs is enumerated here; nothing else is consumed.
type Transport interface {
	// SpawnCoreThread starts fn pinned to core on its own OS thread and
	// returns without waiting for fn; fn runs until it returns or ctx is
	// cancelled.
	SpawnCoreThread(ctx context.Context, core int, fn func(ctx context.Context)) error

	// Endpoint returns the directional channel endpoint this core uses to
	// talk to peer — the same *chanio.Endpoint regardless of which side
	// calls first; it is created lazily and cached.
	Endpoint(core, peer int) (*chanio.Endpoint, error)

	// CanRecv probes whether core has a pending message from peer without
	// consuming it.
	CanRecv(core, peer int) bool

	// BuildTopology generates the collective tree over cores rooted at
	// root and returns the per-core Links view plus the Tree itself.
	BuildTopology(root int, cores []int) (*topology.Tree, map[int]topology.Links, error)
}

// InProcess is the default Transport: every "core" is a goroutine in this
// process, channels are internal/chanio duplexes, and the topology is a
// star rooted at root unless the caller supplies a richer model via
// WithTreeModel. This mirrors the teacher's in-process BroadcastBus
// (ws/internal/multi/broadcast.go) standing in for what, across machines,
// would be a real message bus.
type InProcess struct {
	mu        sync.Mutex
	endpoints map[edgeKey]*chanio.Endpoint
	capacity  int
	log       zerolog.Logger

	// treeModel lets callers override the default star topology with an
	// explicit parent/weight function, the way original_source's compiled
	// model array does (tree_setup.c's model_is_parent/model_get_mp_order).
	isParent func(parent, child int) bool
	weight   func(parent, child int) int
}

type edgeKey struct{ a, b int }

// NewInProcess builds an in-process transport whose directional channels
// each have the given capacity (spec.md §4.B).
func NewInProcess(capacity int, log zerolog.Logger) *InProcess {
	return &InProcess{
		endpoints: make(map[edgeKey]*chanio.Endpoint),
		capacity:  capacity,
		log:       log,
	}
}

// WithTreeModel overrides the default star topology generator.
func (t *InProcess) WithTreeModel(isParent func(parent, child int) bool, weight func(parent, child int) int) {
	t.isParent = isParent
	t.weight = weight
}

func (t *InProcess) SpawnCoreThread(ctx context.Context, core int, fn func(ctx context.Context)) error {
	ready := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := osruntime.PinCurrentThread(core); err != nil {
			t.log.Warn().Err(err).Int("core", core).Msg("failed to pin thread to core, continuing unpinned")
		}
		ready <- nil
		fn(ctx)
	}()
	return <-ready
}

// Endpoint returns the two-sided duplex's half belonging to core, lazily
// creating the duplex between core and peer on first use.
func (t *InProcess) Endpoint(core, peer int) (*chanio.Endpoint, error) {
	if core == peer {
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "transport.Endpoint", fmt.Errorf("core %d cannot address itself", core))
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	keyCore := edgeKey{core, peer}
	if ep, ok := t.endpoints[keyCore]; ok {
		return ep, nil
	}
	a, b, err := chanio.NewDuplexChannel(t.capacity)
	if err != nil {
		return nil, consensuserr.New(consensuserr.TransportFailure, "transport.Endpoint", err)
	}
	t.endpoints[edgeKey{core, peer}] = a
	t.endpoints[edgeKey{peer, core}] = b
	return t.endpoints[keyCore], nil
}

func (t *InProcess) CanRecv(core, peer int) bool {
	ep, err := t.Endpoint(core, peer)
	if err != nil {
		return false
	}
	return ep.CanRecv()
}

// BuildTopology generates the tree and, for every core, the set of
// directional-channel Links it needs to participate in collectives.
func (t *InProcess) BuildTopology(root int, cores []int) (*topology.Tree, map[int]topology.Links, error) {
	var tree *topology.Tree
	var err error
	if t.isParent != nil {
		tree, err = topology.Build(root, cores, t.isParent, t.weight)
	} else {
		tree, err = topology.Build(root, cores, starIsParent(root), starWeight(cores))
	}
	if err != nil {
		return nil, nil, err
	}

	links := make(map[int]topology.Links, len(cores))
	for _, c := range cores {
		l := topology.Links{ToChildren: make(map[int]*chanio.Endpoint)}
		if p, ok := tree.Parent(c); ok {
			ep, err := t.Endpoint(c, p)
			if err != nil {
				return nil, nil, err
			}
			l.ToParent = ep
		}
		for _, e := range tree.Children(c) {
			ep, err := t.Endpoint(c, e.Child)
			if err != nil {
				return nil, nil, err
			}
			l.ToChildren[e.Child] = ep
		}
		links[c] = l
	}
	return tree, links, nil
}

// starIsParent makes root the direct parent of every other core — the
// simplest conforming topology generator (spec.md §6 only requires
// "topology generation from a core list", not a specific shape).
func starIsParent(root int) func(parent, child int) bool {
	return func(parent, child int) bool { return parent == root && child != root }
}

func starWeight(cores []int) func(parent, child int) int {
	order := make(map[int]int, len(cores))
	for i, c := range cores {
		order[c] = i
	}
	return func(parent, child int) int { return order[child] }
}
