// Package topology builds the static rooted tree over participating cores
// (spec.md §4.C "Collective operations") and runs Broadcast/Reduce across
// it. The tree-binding algorithm is grounded on
// _examples/original_source/test/shm_queue/umpq/tree_setup.c
// (model_is_parent / model_get_mp_order driving an ordered child list per
// core); the per-core/per-node wiring idiom — config struct in, logger
// tagged with the core id, context-cancellable goroutines — is grounded
// on the teacher's ws/internal/multi/shard.go.
package topology

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/haeckir91/smelt-consensus/internal/chanio"
	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// Edge is one static parent→child binding with its send-order weight
// (smaller served first, spec.md §4.C).
type Edge struct {
	Child  int
	Weight int
}

// Tree is the immutable rooted tree over a set of core ids (spec.md §3
// "Topology"). It is built once at startup and never mutated afterward.
type Tree struct {
	root     int
	parent   map[int]int
	children map[int][]Edge // already sorted ascending by Weight
}

// Build constructs a tree from a parent-function and an explicit weight
// function, both supplied by the caller the way
// original_source's model_is_parent/model_get_mp_order are supplied by
// the compiled-in cluster model. cores must include root exactly once.
func Build(root int, cores []int, isParent func(parent, child int) bool, weight func(parent, child int) int) (*Tree, error) {
	t := &Tree{
		root:     root,
		parent:   make(map[int]int),
		children: make(map[int][]Edge),
	}
	found := false
	for _, c := range cores {
		if c == root {
			found = true
		}
	}
	if !found {
		return nil, consensuserr.New(consensuserr.InvalidConfiguration, "topology.Build", fmt.Errorf("root core %d not in core set", root))
	}

	for _, p := range cores {
		for _, c := range cores {
			if c == p {
				continue
			}
			if isParent(p, c) {
				if existing, ok := t.parent[c]; ok {
					return nil, consensuserr.New(consensuserr.InvalidConfiguration, "topology.Build",
						fmt.Errorf("core %d has two parents: %d and %d", c, existing, p))
				}
				t.parent[c] = p
				t.children[p] = append(t.children[p], Edge{Child: c, Weight: weight(p, c)})
			}
		}
	}
	for p := range t.children {
		sort.Slice(t.children[p], func(i, j int) bool { return t.children[p][i].Weight < t.children[p][j].Weight })
	}

	for _, c := range cores {
		if c == root {
			continue
		}
		if _, ok := t.parent[c]; !ok {
			return nil, consensuserr.New(consensuserr.InvalidConfiguration, "topology.Build", fmt.Errorf("core %d has no parent and is not root", c))
		}
	}
	return t, nil
}

// Linear builds the degenerate tree used by small setups and tests: a
// single chain root -> rest[0] -> rest[1] -> ..., matching the
// SEQUENTIALIZER-rooted topology original_source defaults to when no
// richer model is configured.
func Linear(root int, rest []int) *Tree {
	t := &Tree{root: root, parent: make(map[int]int), children: make(map[int][]Edge)}
	prev := root
	for i, c := range rest {
		t.parent[c] = prev
		t.children[prev] = append(t.children[prev], Edge{Child: c, Weight: 1})
		prev = c
		_ = i
	}
	return t
}

// Root returns the tree's root core id.
func (t *Tree) Root() int { return t.root }

// Children returns core id's children in ascending send-order weight.
func (t *Tree) Children(core int) []Edge { return t.children[core] }

// Parent returns core id's parent and whether it has one (false for root).
func (t *Tree) Parent(core int) (int, bool) {
	p, ok := t.parent[core]
	return p, ok
}

// IsLeaf reports whether core has no children.
func (t *Tree) IsLeaf(core int) bool { return len(t.children[core]) == 0 }

// Links is the set of directional channels a node needs to run collectives:
// one endpoint per edge incident to this core, keyed by the other end's
// core id.
type Links struct {
	ToParent   *chanio.Endpoint // nil at the root
	ToChildren map[int]*chanio.Endpoint
}

// Broadcast sends m from ctxCore down through the tree: ctxCore forwards m
// to every child in weight order, recurses are driven by each node's own
// call to Broadcast from its own goroutine — spec.md §4.C "each non-leaf
// node sends M to every child in the statically-ordered child list; every
// node (including the root) returns M from the broadcast call."
func Broadcast(ctx context.Context, t *Tree, core int, links Links, m message.Message, log zerolog.Logger) (message.Message, error) {
	for _, e := range t.Children(core) {
		ep, ok := links.ToChildren[e.Child]
		if !ok {
			return message.Message{}, consensuserr.New(consensuserr.ProtocolViolation, "topology.Broadcast",
				fmt.Errorf("no channel endpoint to child %d", e.Child))
		}
		if err := ep.Send(ctx, m); err != nil {
			log.Error().Err(err).Int("child", e.Child).Msg("broadcast send failed")
			return message.Message{}, consensuserr.New(consensuserr.TransportFailure, "topology.Broadcast", err)
		}
	}
	return m, nil
}

// RecvBroadcast is the non-root half of Broadcast: a non-root core calls
// this to receive M from its parent before forwarding to its own children
// with Broadcast.
func RecvBroadcast(ctx context.Context, links Links) (message.Message, error) {
	if links.ToParent == nil {
		return message.Message{}, consensuserr.New(consensuserr.ProtocolViolation, "topology.RecvBroadcast", fmt.Errorf("core has no parent link"))
	}
	m, err := links.ToParent.Receive(ctx)
	if err != nil {
		return message.Message{}, consensuserr.New(consensuserr.TransportFailure, "topology.RecvBroadcast", err)
	}
	return m, nil
}

// ReduceOp folds an incoming child value into the running accumulator.
type ReduceOp func(acc, childVal message.Message) message.Message

// Reduce runs the bottom-up fold of spec.md §4.C: a leaf returns mIn
// unchanged; an internal node receives from every child (in weight
// order), folds left-to-right starting from mIn, and returns the folded
// result — the caller is responsible for forwarding that result to its
// own parent (via links.ToParent.Send) if it is not the root.
func Reduce(ctx context.Context, t *Tree, core int, links Links, mIn message.Message, op ReduceOp) (message.Message, error) {
	acc := mIn
	for _, e := range t.Children(core) {
		ep, ok := links.ToChildren[e.Child]
		if !ok {
			return message.Message{}, consensuserr.New(consensuserr.ProtocolViolation, "topology.Reduce",
				fmt.Errorf("no channel endpoint to child %d", e.Child))
		}
		childVal, err := ep.Receive(ctx)
		if err != nil {
			return message.Message{}, consensuserr.New(consensuserr.TransportFailure, "topology.Reduce", err)
		}
		acc = op(acc, childVal)
	}
	return acc, nil
}
