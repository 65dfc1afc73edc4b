// Package kvs is the application up-call of spec.md §4.H: it receives a
// committed command's payload words exactly once per replica and writes
// them into node-local memory. Grounded on
// _examples/original_source/includes/kvs.h (KVS_MEM_SIZE word array,
// kvs_get/kvs_set signatures) and kvs_replica.c/kvs_client.c for the
// 2k/2k+1 packing; wired as the Applier implementation spec.md §9
// "Design Notes" asks for (an interface with a single apply method,
// passed in at replica construction, no globals).
package kvs

import (
	"sync"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// memSize mirrors the original's KVS_MEM_SIZE: total uintptr-sized words
// backing the store, two words per key.
const memSize = 16384

// maxKey is the highest key this store can hold — exceeding it is the
// KeyOutOfRange condition spec.md §9 Open Question #3 discusses.
const maxKey = memSize/2 - 1

// Value is a single key's pair of payload words.
type Value struct {
	V1, V2 uint64
}

// Applier is the interface the replica calls into on every committed
// command (spec.md §9: "model as an interface with a single method
// apply(payload_view)").
type Applier interface {
	Apply(payload [3]uint64) error
}

// Store is node-local KVS memory: written only by its owning replica's
// up-call, read directly by client threads pinned to the same node
// (spec.md §5 "Shared-resource policy"). Access to data goes through mu,
// a sync.RWMutex.
type Store struct {
	mu   sync.RWMutex
	data [memSize]uint64
}

// NewStore allocates a zeroed store, the Go equivalent of the per-replica
// kvs_memory[MAX_REPLICAS] slab the original allocates at replica init.
func NewStore() *Store {
	return &Store{}
}

// Apply writes payload = {key, v1, v2} into kvs[2k]/kvs[2k+1]. A key
// beyond maxKey returns KeyOutOfRange and leaves the store untouched —
// the replica's caller decides whether that is a dropped command (the
// original's behavior) or a client-visible rejection (spec.md §9's
// alternative), see DESIGN.md for which this replica chooses.
func (s *Store) Apply(payload [3]uint64) error {
	key, v1, v2 := payload[0], payload[1], payload[2]
	if key > maxKey {
		return consensuserr.New(consensuserr.KeyOutOfRange, "kvs.Store.Apply", nil)
	}
	s.mu.Lock()
	s.data[2*key] = v1
	s.data[2*key+1] = v2
	s.mu.Unlock()
	return nil
}

// Get reads the current {v1, v2} for key. Returns KeyOutOfRange for a key
// beyond the allocated store, matching kvs_get's bounds check.
func (s *Store) Get(key uint64) (Value, error) {
	if key > maxKey {
		return Value{}, consensuserr.New(consensuserr.KeyOutOfRange, "kvs.Store.Get", nil)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Value{V1: s.data[2*key], V2: s.data[2*key+1]}, nil
}

// ApplyMessage is a convenience wrapper letting a replica apply directly
// from a decoded message.Message's payload.
func (s *Store) ApplyMessage(m message.Message) error {
	return s.Apply(m.Payload)
}

var _ Applier = (*Store)(nil)
