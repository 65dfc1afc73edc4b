// Package chanio implements the directional point-to-point channel of
// spec.md §4.B: a pair of per-direction SHMQ rings plus a shared tri-state
// wake flag, credit-based flow control, and ACK coalescing.
//
// The credit/poll/park pattern is grounded on the teacher's
// worker_pool.go (bounded queue + context-cancellable blocking loop) and
// resource_guard.go (golang.org/x/time/rate for shaping offered load);
// the exact credit/ACK arithmetic follows
// _examples/original_source/includes/shm_queue.h and the umpq
// ump_txchan.c/ump_rxchan.c reference implementation in
// _examples/original_source/test/shm_queue/umpq/.
package chanio

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/haeckir91/smelt-consensus/internal/message"
	"github.com/haeckir91/smelt-consensus/internal/shmq"
)

// Side identifies one of the two ends of a directional channel.
type Side int

const (
	SideA Side = iota
	SideB
)

// wake-state tri-state values (spec.md §3, "Directional channel").
const (
	wakeRunning int32 = iota
	wakeA             // side A is parked waiting for credit or data
	wakeB             // side B is parked waiting for credit or data
)

// pollBudget bounds how many spin iterations Send/Receive attempt before
// parking — spec.md §5: "a bounded poll budget first, then a CAS-based
// transition into a WAIT state and a park primitive."
const pollBudget = 4096

// duplex is the shared state of one channel pairing: two SHMQ rings (one
// per direction, each a single-reader ring since a directional channel is
// point-to-point) and the wake flag both endpoints CAS against.
type duplex struct {
	aToB     *shmq.Ring
	bToA     *shmq.Ring
	capacity uint64

	wake      int32 // atomic tri-state
	doorbellA chan struct{}
	doorbellB chan struct{}
}

// Endpoint is one side's view of a directional channel: private send/recv
// sequence bookkeeping plus a shared reference to the duplex.
type Endpoint struct {
	d    *duplex
	self Side

	tx *shmq.Ring // ring this side publishes into
	rx *shmq.Ring // ring this side consumes from

	nextID  uint64 // next sequence id this side will send
	ackID   uint64 // last ack this side has received from the peer
	seqID   uint64 // last sequence id this side has received
	lastAck uint64 // last ack this side has sent to the peer

	limiter *rate.Limiter // optional send-rate shaping (nil = unlimited)
}

// NewDuplexChannel builds both endpoints of a directional channel with the
// given capacity (must be a power of two — it backs two SHMQ rings).
func NewDuplexChannel(capacity int) (a, b *Endpoint, err error) {
	aToB, err := shmq.NewRing(capacity, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("chanio: %w", err)
	}
	bToA, err := shmq.NewRing(capacity, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("chanio: %w", err)
	}
	d := &duplex{
		aToB:      aToB,
		bToA:      bToA,
		capacity:  uint64(capacity),
		doorbellA: make(chan struct{}, 1),
		doorbellB: make(chan struct{}, 1),
	}
	a = &Endpoint{d: d, self: SideA, tx: aToB, rx: bToA}
	b = &Endpoint{d: d, self: SideB, tx: bToA, rx: aToB}
	return a, b, nil
}

// SetRateLimit shapes this endpoint's outgoing Send calls; no caller in
// this module sets a limit, so endpoints run unthrottled (spec.md's client session
// protocol has no native rate limiting; this is a wiring of
// golang.org/x/time/rate for that purpose, not a protocol requirement).
func (e *Endpoint) SetRateLimit(r *rate.Limiter) { e.limiter = r }

// ErrInvalidArgument is returned when a sequence id has outgrown the
// 32-bit wire field (spec.md §4.B "Error conditions").
var ErrInvalidArgument = fmt.Errorf("chanio: InvalidArgument")

// credit returns how many unacknowledged messages this endpoint may still
// send before it must block (spec.md §3: "seq_id − ack_id ≤ capacity").
func (e *Endpoint) credit() uint64 {
	inFlight := e.nextID - e.ackID
	if inFlight >= e.d.capacity {
		return 0
	}
	return e.d.capacity - inFlight
}

// Send blocks until m has been published, applying credit-based flow
// control: poll, then park on the shared wake-state, waking the peer if
// it was parked.
func (e *Endpoint) Send(ctx context.Context, m message.Message) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if e.nextID > uint64(^uint32(0)) {
		return ErrInvalidArgument
	}
	for i := 0; ; i++ {
		if e.credit() > 0 {
			e.tx.Send(m)
			e.nextID++
			e.wakePeerIfParked()
			return nil
		}
		if i >= pollBudget {
			if err := e.park(ctx); err != nil {
				return err
			}
			i = 0
			continue
		}
		runtime.Gosched()
	}
}

// TrySend is the non-blocking Send: returns false instead of parking when
// credit is exhausted.
func (e *Endpoint) TrySend(m message.Message) bool {
	if e.credit() == 0 {
		return false
	}
	if !e.tx.TrySend(m) {
		return false
	}
	e.nextID++
	e.wakePeerIfParked()
	return true
}

// Receive blocks until the next data message is available, transparently
// consuming and accounting for ACK messages interleaved on the same ring
// (spec.md §4.B "Receive").
func (e *Endpoint) Receive(ctx context.Context) (message.Message, error) {
	spins := 0
	for {
		m, ok := e.tryReceiveRaw()
		if ok {
			if m.Tag == message.TagAck {
				e.ackID = uint64(m.RequestID)
				continue
			}
			e.seqID++
			e.maybeSendAck(ctx)
			return m, nil
		}
		spins++
		if spins < pollBudget {
			runtime.Gosched()
			continue
		}
		if err := e.park(ctx); err != nil {
			return message.Message{}, err
		}
		spins = 0
	}
}

// TryReceive is the non-blocking Receive.
func (e *Endpoint) TryReceive() (message.Message, bool) {
	for {
		m, ok := e.tryReceiveRaw()
		if !ok {
			return message.Message{}, false
		}
		if m.Tag == message.TagAck {
			e.ackID = uint64(m.RequestID)
			continue
		}
		e.seqID++
		e.maybeSendAck(context.Background())
		return m, true
	}
}

func (e *Endpoint) tryReceiveRaw() (message.Message, bool) {
	return e.rx.TryReceive(0)
}

// CanRecv is the non-consuming can-recv probe the transport collaborator
// exposes (spec.md §6). It may report a false positive for a queued ACK
// that Receive would silently swallow; callers that need a precise answer
// should prefer TryReceive.
func (e *Endpoint) CanRecv() bool {
	return e.rx.Pending(0)
}

// maybeSendAck sends an explicit ACK once the distance between seq_id and
// the last ack we sent reaches capacity-1 (spec.md §4.B).
func (e *Endpoint) maybeSendAck(ctx context.Context) {
	if e.seqID-e.lastAck >= e.d.capacity-1 {
		ack := message.Message{Tag: message.TagAck, RequestID: uint32(e.seqID)}
		e.tx.TrySend(ack) // ACKs never block: they are not credit-accounted
		e.lastAck = e.seqID
	}
}

func (e *Endpoint) myWakeVal() int32 {
	if e.self == SideA {
		return wakeA
	}
	return wakeB
}

func (e *Endpoint) myDoorbell() chan struct{} {
	if e.self == SideA {
		return e.d.doorbellA
	}
	return e.d.doorbellB
}

func (e *Endpoint) peerDoorbell() chan struct{} {
	if e.self == SideA {
		return e.d.doorbellB
	}
	return e.d.doorbellA
}

// park transitions this endpoint into the shared wake state and blocks
// until woken by the peer or ctx is cancelled.
func (e *Endpoint) park(ctx context.Context) error {
	atomic.CompareAndSwapInt32(&e.d.wake, wakeRunning, e.myWakeVal())
	select {
	case <-e.myDoorbell():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wakePeerIfParked wakes the peer if it had parked, resetting the shared
// wake state to RUNNING (spec.md §4.B "Send").
func (e *Endpoint) wakePeerIfParked() {
	var peerVal int32
	if e.self == SideA {
		peerVal = wakeB
	} else {
		peerVal = wakeA
	}
	if atomic.CompareAndSwapInt32(&e.d.wake, peerVal, wakeRunning) {
		select {
		case e.peerDoorbell() <- struct{}{}:
		default:
		}
	}
}
