// Package shmq implements the shared-memory broadcast ring (SHMQ, spec.md
// §4.A): a bounded, cache-line-aligned single-producer/multi-consumer
// queue. It is both the tier-2 ALG_SHM fast path and, via the directional
// channel built on top of it (internal/chanio), the substrate for
// point-to-point messages.
//
// The busy-spin position/epoch scheme and the atomic-store-per-word style
// are grounded on the teacher's shm ring in
// _examples/AlephTX-aleph-tx/feeder/shm/{ring,seqlock,matrix}.go, which
// already does cache-line-sized slots and a seqlock-style version bump for
// a single-writer shared structure; this generalizes it to the
// multi-reader broadcast contract and the exact position/epoch invariants
// of spec.md §3.
package shmq

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/haeckir91/smelt-consensus/internal/message"
)

// position is a single reader or writer cursor. It is padded to occupy a
// full 64-byte cache line so that an array of positions (one per reader)
// never lets two cursors share a line — the same false-sharing avoidance
// the teacher's ShmBboMessage padding achieves for its seqlock slot.
type position struct {
	slot  uint64
	epoch uint64
	_pad  [48]byte
}

func (p *position) load() (slot, epoch uint64) {
	return atomic.LoadUint64(&p.slot), atomic.LoadUint64(&p.epoch)
}

func (p *position) store(slot, epoch uint64) {
	// Payload writes (by the caller, before this call) must be visible
	// before the position update publishes them — spec.md §5: "The
	// write-barrier after payload write and before position update is
	// mandatory." Go's memory model gives atomic stores release
	// semantics relative to matching atomic loads, which is exactly the
	// barrier the invariant asks for.
	atomic.StoreUint64(&p.epoch, epoch)
	atomic.StoreUint64(&p.slot, slot)
}

// Ring is the position/epoch variant of the SHMQ: one writer, N readers,
// each reader with its own cache-line position (spec.md §4.A "Layout").
type Ring struct {
	slots      []message.Message
	numSlots   uint64
	numReaders int

	writer  position
	readers []position
}

// NewRing allocates a ring with numSlots slots (must be a power of two)
// and numReaders readers.
func NewRing(numSlots, numReaders int) (*Ring, error) {
	if numSlots <= 0 || numSlots&(numSlots-1) != 0 {
		return nil, fmt.Errorf("shmq: numSlots must be a power of two, got %d", numSlots)
	}
	if numReaders <= 0 {
		return nil, fmt.Errorf("shmq: numReaders must be positive, got %d", numReaders)
	}
	return &Ring{
		slots:      make([]message.Message, numSlots),
		numSlots:   uint64(numSlots),
		numReaders: numReaders,
		readers:    make([]position, numReaders),
	}, nil
}

// writerMayAdvance reports whether the writer's current slot is free,
// i.e. every reader is either at or behind the writer in the same epoch
// (same-epoch, same-slot means the reader has already drained everything
// the writer has produced this lap — empty, not full), or in the
// opposite epoch on a different slot. A reader sitting on the writer's
// slot with the opposite epoch hasn't consumed last lap's write to this
// slot yet — the ring is genuinely full.
func (r *Ring) writerMayAdvance(ws, we uint64) bool {
	for i := range r.readers {
		rs, re := r.readers[i].load()
		sameEpoch := re == we
		if sameEpoch {
			if rs > ws {
				return false
			}
		} else {
			if rs == ws {
				return false
			}
		}
	}
	return true
}

// Send publishes m, busy-spinning until every reader has vacated the
// target slot. Total: blocks until possible (spec.md §4.A "Contract").
func (r *Ring) Send(m message.Message) {
	for {
		ws, we := r.writer.load()
		if r.writerMayAdvance(ws, we) {
			r.slots[ws] = m
			next := (ws + 1) % r.numSlots
			nextEpoch := we
			if next == 0 {
				nextEpoch ^= 1
			}
			r.writer.store(next, nextEpoch)
			return
		}
		runtime.Gosched()
	}
}

// TrySend is the non-blocking variant: returns false instead of spinning
// if the slot is not yet free.
func (r *Ring) TrySend(m message.Message) bool {
	ws, we := r.writer.load()
	if !r.writerMayAdvance(ws, we) {
		return false
	}
	r.slots[ws] = m
	next := (ws + 1) % r.numSlots
	nextEpoch := we
	if next == 0 {
		nextEpoch ^= 1
	}
	r.writer.store(next, nextEpoch)
	return true
}

// readerMayConsume reports whether the writer is strictly ahead of the
// reader in the same epoch, or in a different epoch (spec.md §3).
func readerMayConsume(rs, re, ws, we uint64) bool {
	if re == we {
		return ws > rs
	}
	return true
}

// Receive consumes the next message for readerID, busy-spinning until one
// is available.
func (r *Ring) Receive(readerID int) message.Message {
	rp := &r.readers[readerID]
	for {
		rs, re := rp.load()
		ws, we := r.writer.load()
		if readerMayConsume(rs, re, ws, we) {
			m := r.slots[rs]
			next := (rs + 1) % r.numSlots
			nextEpoch := re
			if next == 0 {
				nextEpoch ^= 1
			}
			rp.store(next, nextEpoch)
			return m
		}
		runtime.Gosched()
	}
}

// TryReceive is the non-blocking variant of Receive.
func (r *Ring) TryReceive(readerID int) (message.Message, bool) {
	rp := &r.readers[readerID]
	rs, re := rp.load()
	ws, we := r.writer.load()
	if !readerMayConsume(rs, re, ws, we) {
		return message.Message{}, false
	}
	m := r.slots[rs]
	next := (rs + 1) % r.numSlots
	nextEpoch := re
	if next == 0 {
		nextEpoch ^= 1
	}
	rp.store(next, nextEpoch)
	return m, true
}

// Pending reports whether readerID has at least one unconsumed message,
// without consuming it — used by the transport collaborator's can-recv
// probe (spec.md §6).
func (r *Ring) Pending(readerID int) bool {
	rp := &r.readers[readerID]
	rs, re := rp.load()
	ws, we := r.writer.load()
	return readerMayConsume(rs, re, ws, we)
}

// Depth returns how many unconsumed slots the slowest reader is behind
// the writer — exported for internal/metrics' ShmqQueueDepth gauge.
func (r *Ring) Depth() int {
	ws, we := r.writer.load()
	max := 0
	for i := range r.readers {
		rs, re := r.readers[i].load()
		var d uint64
		if re == we {
			d = ws - rs
		} else {
			d = r.numSlots - rs + ws
		}
		if int(d) > max {
			max = int(d)
		}
	}
	return max
}
