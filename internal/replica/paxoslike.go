package replica

import (
	"context"
	"time"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// PaxosLike is the single-leader/single-acceptor tier-1/tier-2 variant
// (spec.md §4.E.1), grounded on _examples/original_source/one_replica.c:
// the leader forwards client commands to a distinguished acceptor, which
// assigns the slot and broadcasts LEARN; every replica (including the
// leader) applies on LEARN, and only the leader replies to the client.
//
// Leader and acceptor liveness is tracked by periodic IS_ALIVE probes.
// A replica suspecting the acceptor dead reconfirms itself as leader via
// an IS_LEADER majority, then promotes the next acceptor and resends its
// last accepted entry as a fresh ACCEPT under a bumped term (spec.md §9
// Open Question #1). A replica suspecting the leader dead runs a
// GET_ACCEPTOR round (one vote per replica per term) and becomes leader
// once a majority agree on the same acceptor id, then PREPAREs that
// acceptor before resuming normal operation.
type PaxosLike struct {
	base

	currentLeader   uint8
	currentAcceptor uint8
	currentTerm     uint64
	highestSeen     uint64
	index           uint64

	votedThisTerm bool

	leaderSuspect   bool
	acceptorSuspect bool

	lastAccepted   *message.Message
	acceptorVotes  map[uint8]int
	leaderConfirms int

	// lastElectionTerm is the term of the most recent GET_ACCEPTOR round
	// this replica has voted in, distinct from currentTerm so a replica
	// whose candidate lost a split vote is still eligible to vote again
	// once a fresher round starts.
	lastElectionTerm uint64
}

func (p *PaxosLike) Init(ctx context.Context, cfg Config) error {
	p.base = newBase(cfg)
	p.currentLeader = 0
	if p.numReplicas() > 1 {
		p.currentAcceptor = 1
	}
	p.currentTerm = 1
	p.acceptorVotes = make(map[uint8]int)
	return nil
}

func (p *PaxosLike) isLeader() bool   { return p.currentLeader == p.cfg.ID }
func (p *PaxosLike) isAcceptor() bool { return p.currentAcceptor == p.cfg.ID }

func (p *PaxosLike) majority() int { return p.numReplicas()/2 + 1 }

func (p *PaxosLike) MessageLoop(ctx context.Context) error {
	peers := make([]int, 0, p.numReplicas()+len(p.cfg.ClientCores))
	for i := 0; i < p.numReplicas(); i++ {
		if c, _ := p.peerCore(uint8(i)); c != p.cfg.Core {
			peers = append(peers, c)
		}
	}
	peers = append(peers, p.cfg.ClientCores...)
	inbox := p.fanIn(ctx, peers)

	probe := time.NewTicker(p.cfg.AcceptorTimeout)
	defer probe.Stop()

	for {
		select {
		case m := <-inbox:
			if err := p.dispatch(ctx, m); err != nil {
				p.cfg.Logger.Error().Err(err).Msg("paxoslike: dispatch failed")
			}
		case <-probe.C:
			p.checkLiveness(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *PaxosLike) dispatch(ctx context.Context, m message.Message) error {
	switch m.Tag {
	case message.TagSetup:
		p.handleSetup(ctx, m)
		return nil
	case message.TagRequest:
		return p.SendRequest(ctx, m)
	case message.TagAccept:
		return p.handleAccept(ctx, m)
	case message.TagLearn:
		return p.handleLearn(ctx, m)
	case message.TagIsAlive:
		return p.handleIsAlive(ctx, m)
	case message.TagIsAliveResp:
		return p.handleIsAliveResp(ctx, m)
	case message.TagIsLeader:
		return p.handleIsLeaderQuery(ctx, m)
	case message.TagIsLeaderResp:
		return p.handleIsLeaderResp(ctx, m)
	case message.TagGetAcceptor:
		return p.handleGetAcceptorQuery(ctx, m)
	case message.TagGetAcceptorResp:
		return p.handleGetAcceptorResp(ctx, m)
	case message.TagChangeLeader:
		return p.handleChangeLeader(ctx, m)
	case message.TagChangeAcceptor:
		return p.handleChangeAcceptor(ctx, m)
	case message.TagPrepare:
		return p.handlePrepare(ctx, m)
	case message.TagPrepareResp:
		return p.handlePrepareResp(ctx, m)
	case message.TagAbandon:
		return nil // ABANDON is accepted and ignored; nothing to do here
	default:
		return consensuserr.New(consensuserr.ProtocolViolation, "PaxosLike.dispatch", nil)
	}
}

func (p *PaxosLike) OnMessage(ctx context.Context, m message.Message) error {
	return p.dispatch(ctx, m)
}

// SendRequest is the client entry point: the leader forwards the command
// to the current acceptor tagged ACCEPT; any other replica forwards it
// on to whichever replica it currently believes is the leader.
func (p *PaxosLike) SendRequest(ctx context.Context, m message.Message) error {
	if p.alreadyApplied(m.RID()) {
		if p.isLeader() {
			p.replyToClient(ctx, m)
		}
		return nil
	}
	if !p.isLeader() {
		leaderCore, err := p.peerCore(p.currentLeader)
		if err != nil {
			return err
		}
		p.send(ctx, leaderCore, m)
		return nil
	}

	accept := m
	accept.Tag = message.TagAccept
	accept.Term = p.currentTerm
	acceptorCore, err := p.peerCore(p.currentAcceptor)
	if err != nil {
		return err
	}
	p.send(ctx, acceptorCore, accept)
	return nil
}

// handleAccept is the acceptor's role: assign the next slot and
// broadcast LEARN, provided the proposal's term has not been superseded.
func (p *PaxosLike) handleAccept(ctx context.Context, m message.Message) error {
	if m.Term < p.highestSeen {
		abandon := m
		abandon.Tag = message.TagAbandon
		leaderCore, err := p.peerCore(p.currentLeader)
		if err == nil {
			p.send(ctx, leaderCore, abandon)
		}
		return nil
	}
	p.highestSeen = m.Term
	entry := m
	p.lastAccepted = &entry

	learn := m
	learn.Tag = message.TagLearn
	learn.Index = p.index
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, learn)
	}
	return p.applyLearn(ctx, learn)
}

// handleLearn applies a committed entry locally; every replica runs
// this, but only the leader replies to the client.
func (p *PaxosLike) handleLearn(ctx context.Context, m message.Message) error {
	return p.applyLearn(ctx, m)
}

func (p *PaxosLike) applyLearn(ctx context.Context, m message.Message) error {
	rid := m.RID()
	if p.alreadyApplied(rid) {
		if p.isLeader() {
			p.replyToClient(ctx, m)
		}
		return nil
	}
	if m.Index >= p.index {
		p.index = m.Index + 1
	}
	p.markApplied(rid)
	p.applyAndPropagate(ctx, m)
	if p.isLeader() {
		p.replyToClient(ctx, m)
	}
	return nil
}

// checkLiveness pings the leader and acceptor, then acts on whichever
// suspicion is still outstanding from the previous tick. Only the leader
// reacts to a suspected-dead acceptor (it is the only role that talks to
// the acceptor in steady state); any follower may react to a
// suspected-dead leader. Each round re-derives its own vote tally, so
// re-triggering on successive ticks while unresolved is harmless.
func (p *PaxosLike) checkLiveness(ctx context.Context) {
	if p.acceptorSuspect && p.isLeader() {
		p.startAcceptorChange(ctx)
	}
	if p.leaderSuspect && !p.isLeader() {
		p.startLeaderChange(ctx)
	}

	p.acceptorSuspect = true
	p.leaderSuspect = true
	if !p.isAcceptor() {
		if core, err := p.peerCore(p.currentAcceptor); err == nil {
			p.send(ctx, core, message.Message{Tag: message.TagIsAlive, ReplyTo: uint64(p.cfg.ID)})
		}
	}
	if !p.isLeader() {
		if core, err := p.peerCore(p.currentLeader); err == nil {
			p.send(ctx, core, message.Message{Tag: message.TagIsAlive, ReplyTo: uint64(p.cfg.ID)})
		}
	}
}

func (p *PaxosLike) handleIsAlive(ctx context.Context, m message.Message) error {
	core, err := p.peerCore(uint8(m.ReplyTo))
	if err != nil {
		return err
	}
	p.send(ctx, core, message.Message{Tag: message.TagIsAliveResp, ReplyTo: uint64(p.cfg.ID)})
	return nil
}

func (p *PaxosLike) handleIsAliveResp(ctx context.Context, m message.Message) error {
	responder := uint8(m.ReplyTo)
	if responder == p.currentLeader {
		p.leaderSuspect = false
	}
	if responder == p.currentAcceptor {
		p.acceptorSuspect = false
	}
	return nil
}

// startAcceptorChange runs the IS_LEADER confirmation round: only a
// replica that hears back a majority "yes" is genuinely still the
// leader, and only the leader promotes a new acceptor.
func (p *PaxosLike) startAcceptorChange(ctx context.Context) {
	p.leaderConfirms = 0
	q := message.Message{Tag: message.TagIsLeader, ClientID: uint16(p.cfg.ID)}
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, q)
	}
}

func (p *PaxosLike) handleIsLeaderQuery(ctx context.Context, m message.Message) error {
	querier := uint8(m.ClientID)
	resp := message.Message{Tag: message.TagIsLeaderResp, ClientID: uint16(p.cfg.ID)}
	if querier == p.currentLeader {
		resp.Index = 1
	}
	querierCore, err := p.peerCore(querier)
	if err != nil {
		return err
	}
	p.send(ctx, querierCore, resp)
	return nil
}

func (p *PaxosLike) handleIsLeaderResp(ctx context.Context, m message.Message) error {
	if m.Index != 1 {
		return nil
	}
	p.leaderConfirms++
	if p.leaderConfirms < p.majority()-1 {
		return nil
	}
	next := p.nextAcceptorID()
	if next < 0 {
		return nil
	}
	p.currentTerm++
	p.currentAcceptor = uint8(next)
	change := message.Message{Tag: message.TagChangeAcceptor, ClientID: uint16(p.cfg.ID), Index: uint64(next)}
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, change)
	}
	p.resendLastAccepted(ctx)
	return nil
}

// nextAcceptorID picks the next replica id after currentAcceptor that is
// not the current leader, matching one_replica.c's next_acceptor_id.
func (p *PaxosLike) nextAcceptorID() int {
	for i := int(p.currentAcceptor) + 1; i < p.numReplicas(); i++ {
		if uint8(i) != p.currentLeader {
			return i
		}
	}
	for i := 0; i < p.numReplicas(); i++ {
		if uint8(i) != p.currentLeader && uint8(i) != p.currentAcceptor {
			return i
		}
	}
	return -1
}

// resendLastAccepted is the Open Question #1 resolution: the last entry
// accepted before the change is resent as a fresh ACCEPT under the new
// term, so an in-flight command is never silently dropped by an acceptor
// swap.
func (p *PaxosLike) resendLastAccepted(ctx context.Context) {
	if p.lastAccepted == nil {
		return
	}
	entry := *p.lastAccepted
	entry.Tag = message.TagAccept
	entry.Term = p.currentTerm
	core, err := p.peerCore(p.currentAcceptor)
	if err != nil {
		return
	}
	p.send(ctx, core, entry)
}

func (p *PaxosLike) handleChangeAcceptor(ctx context.Context, m message.Message) error {
	if uint8(m.ClientID) == p.currentLeader {
		p.currentAcceptor = uint8(m.Index)
		p.acceptorSuspect = false
	}
	return nil
}

// startLeaderChange runs the GET_ACCEPTOR round: each replica votes at
// most once per term (votedThisTerm), so two simultaneous candidates
// cannot both win a majority in the same term.
func (p *PaxosLike) startLeaderChange(ctx context.Context) {
	p.acceptorVotes = make(map[uint8]int)
	q := message.Message{Tag: message.TagGetAcceptor, ClientID: uint16(p.cfg.ID), Term: p.currentTerm + 1}
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, q)
	}
}

func (p *PaxosLike) handleGetAcceptorQuery(ctx context.Context, m message.Message) error {
	if m.Term > p.lastElectionTerm {
		p.lastElectionTerm = m.Term
		p.votedThisTerm = false
	}
	if p.votedThisTerm {
		return nil
	}
	p.votedThisTerm = true
	resp := message.Message{Tag: message.TagGetAcceptorResp, ClientID: uint16(p.cfg.ID), Index: uint64(p.currentAcceptor)}
	core, err := p.peerCore(uint8(m.ClientID))
	if err != nil {
		return err
	}
	p.send(ctx, core, resp)
	return nil
}

func (p *PaxosLike) handleGetAcceptorResp(ctx context.Context, m message.Message) error {
	acceptor := uint8(m.Index)
	p.acceptorVotes[acceptor]++
	if p.acceptorVotes[acceptor] < p.majority() {
		return nil
	}
	p.currentAcceptor = acceptor
	p.currentLeader = p.cfg.ID
	p.currentTerm++
	p.votedThisTerm = false

	change := message.Message{Tag: message.TagChangeLeader, ClientID: uint16(p.cfg.ID)}
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, change)
	}

	prep := message.Message{Tag: message.TagPrepare, Term: p.currentTerm}
	if core, err := p.peerCore(p.currentAcceptor); err == nil {
		p.send(ctx, core, prep)
	}
	return nil
}

func (p *PaxosLike) handleChangeLeader(ctx context.Context, m message.Message) error {
	p.currentLeader = uint8(m.ClientID)
	p.leaderSuspect = false
	return nil
}

// handlePrepare/handlePrepareResp complete the acceptor side of a leader
// change: the acceptor bumps its term watermark and acknowledges, and
// the new leader resends its last accepted entry once acknowledged.
func (p *PaxosLike) handlePrepare(ctx context.Context, m message.Message) error {
	if m.Term < p.highestSeen {
		return nil
	}
	p.highestSeen = m.Term
	resp := message.Message{Tag: message.TagPrepareResp, ClientID: uint16(p.cfg.ID), Term: m.Term}
	core, err := p.peerCore(p.currentLeader)
	if err != nil {
		return err
	}
	p.send(ctx, core, resp)
	return nil
}

func (p *PaxosLike) handlePrepareResp(ctx context.Context, m message.Message) error {
	p.resendLastAccepted(ctx)
	return nil
}
