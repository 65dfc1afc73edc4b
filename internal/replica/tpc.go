package replica

import (
	"context"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// TPC is the two-phase-commit tier-1/tier-2 variant (spec.md §4.E.2),
// grounded on _examples/original_source/tpc_replica.c: a fixed leader
// (replica 0) broadcasts PREPARE, gathers READY from every follower,
// then assigns the monotonic index and broadcasts COMMIT. One round is
// in flight at a time; later REQUESTs queue behind it, the same
// serialization onepaxos.c uses for its proposal FIFO.
type TPC struct {
	base
	leaderReplica uint8
	index         uint64

	inFlight   *tpcRound
	requestQ   []message.Message
}

type tpcRound struct {
	req        message.Message
	readyCount int
}

func (p *TPC) Init(ctx context.Context, cfg Config) error {
	p.base = newBase(cfg)
	p.leaderReplica = 0
	return nil
}

func (p *TPC) isLeader() bool {
	leaderCore, err := p.peerCore(p.leaderReplica)
	return err == nil && leaderCore == p.cfg.Core
}

func (p *TPC) MessageLoop(ctx context.Context) error {
	peers := make([]int, 0, p.numReplicas()+len(p.cfg.ClientCores))
	for i := 0; i < p.numReplicas(); i++ {
		if c, _ := p.peerCore(uint8(i)); c != p.cfg.Core {
			peers = append(peers, c)
		}
	}
	if p.isLeader() {
		peers = append(peers, p.cfg.ClientCores...)
	}
	inbox := p.fanIn(ctx, peers)

	for {
		select {
		case m := <-inbox:
			if err := p.dispatch(ctx, m); err != nil {
				p.cfg.Logger.Error().Err(err).Msg("tpc: dispatch failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *TPC) dispatch(ctx context.Context, m message.Message) error {
	switch m.Tag {
	case message.TagSetup:
		p.handleSetup(ctx, m)
		return nil
	case message.TagRequest:
		return p.SendRequest(ctx, m)
	case message.TagTPCPrepare:
		return p.handlePrepare(ctx, m)
	case message.TagTPCReady:
		return p.handleReady(ctx, m)
	case message.TagTPCCommit:
		return p.handleCommit(ctx, m)
	default:
		return consensuserr.New(consensuserr.ProtocolViolation, "TPC.dispatch", nil)
	}
}

// SendRequest is the leader's handling of a client REQUEST: start a
// PREPARE round immediately, or queue behind the in-flight one.
func (p *TPC) SendRequest(ctx context.Context, m message.Message) error {
	if !p.isLeader() {
		return consensuserr.New(consensuserr.ProtocolViolation, "TPC.SendRequest", nil)
	}
	if p.alreadyApplied(m.RID()) {
		p.replyToClient(ctx, m)
		return nil
	}
	if p.inFlight != nil {
		p.requestQ = append(p.requestQ, m)
		return nil
	}
	p.startRound(ctx, m)
	return nil
}

func (p *TPC) startRound(ctx context.Context, m message.Message) {
	p.inFlight = &tpcRound{req: m}
	prepare := m
	prepare.Tag = message.TagTPCPrepare
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, prepare)
	}
}

func (p *TPC) handlePrepare(ctx context.Context, m message.Message) error {
	leaderCore, err := p.peerCore(p.leaderReplica)
	if err != nil {
		return err
	}
	ready := m
	ready.Tag = message.TagTPCReady
	p.send(ctx, leaderCore, ready)
	return nil
}

func (p *TPC) handleReady(ctx context.Context, m message.Message) error {
	if !p.isLeader() || p.inFlight == nil || p.inFlight.req.RID() != m.RID() {
		return nil // stale or not our concern: recoverable, drop silently
	}
	p.inFlight.readyCount++
	if p.inFlight.readyCount < p.numReplicas()-1 {
		return nil // quorum in the simple model is every follower
	}

	p.index++
	commit := p.inFlight.req
	commit.Tag = message.TagTPCCommit
	commit.Index = p.index
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, commit)
	}
	p.markApplied(commit.RID())
	p.applyAndPropagate(ctx, commit)
	p.replyToClient(ctx, commit)

	p.inFlight = nil
	if len(p.requestQ) > 0 {
		next := p.requestQ[0]
		p.requestQ = p.requestQ[1:]
		p.startRound(ctx, next)
	}
	return nil
}

func (p *TPC) handleCommit(ctx context.Context, m message.Message) error {
	if p.alreadyApplied(m.RID()) {
		return nil
	}
	p.markApplied(m.RID())
	p.applyAndPropagate(ctx, m)
	return nil
}

// OnMessage passes every tag, REQUEST included, to the same dispatch
// MessageLoop uses, for callers that prefer to route through the Protocol
// interface directly rather than via MessageLoop.
func (p *TPC) OnMessage(ctx context.Context, m message.Message) error {
	return p.dispatch(ctx, m)
}
