package replica

import (
	"context"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// Broadcast is the simple-broadcast tier-1/tier-2 variant (spec.md
// §4.E.3), grounded on
// _examples/original_source/broadcast_replica.c: the leader assigns
// order purely by its own local sequence and does not wait for follower
// acknowledgement before replying — "trades durability under leader
// failure for throughput" per spec.md, carried forward unchanged
// (Open Question #4; see DESIGN.md for the decision to document rather
// than add an ack gate).
type Broadcast struct {
	base
	leaderReplica uint8 // replica 0 is always the leader in this variant
	seq           uint64
}

func (p *Broadcast) Init(ctx context.Context, cfg Config) error {
	p.base = newBase(cfg)
	p.leaderReplica = 0
	return nil
}

func (p *Broadcast) isLeader() bool {
	leaderCore, err := p.peerCore(p.leaderReplica)
	return err == nil && leaderCore == p.cfg.Core
}

func (p *Broadcast) MessageLoop(ctx context.Context) error {
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
				p.cfg.Logger.Error().Err(err).Msg("broadcast: dispatch failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Broadcast) dispatch(ctx context.Context, m message.Message) error {
	switch m.Tag {
	case message.TagSetup:
		p.handleSetup(ctx, m)
		return nil
	case message.TagRequest:
		return p.SendRequest(ctx, m)
	case message.TagBroadCommit:
		return p.OnMessage(ctx, m)
	default:
		return consensuserr.New(consensuserr.ProtocolViolation, "Broadcast.dispatch", nil)
	}
}

// SendRequest is the leader's handling of a freshly arrived client
// REQUEST: broadcast BROAD_COMMIT to every replica, apply locally, reply.
func (p *Broadcast) SendRequest(ctx context.Context, m message.Message) error {
	if !p.isLeader() {
		return consensuserr.New(consensuserr.ProtocolViolation, "Broadcast.SendRequest", nil)
	}
	rid := m.RID()
	if p.alreadyApplied(rid) {
		p.replyToClient(ctx, m)
		return nil
	}
	p.seq++
	commit := m
	commit.Tag = message.TagBroadCommit
	commit.Index = p.seq

	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, commit)
	}

	p.markApplied(rid)
	p.applyAndPropagate(ctx, commit)
	p.replyToClient(ctx, m)
	return nil
}

// OnMessage handles BROAD_COMMIT on a follower: apply and, if this
// replica has a tier-2 below it, hand off before moving on (followers
// never reply to the client in this variant).
func (p *Broadcast) OnMessage(ctx context.Context, m message.Message) error {
	rid := m.RID()
	if p.alreadyApplied(rid) {
		return nil
	}
	p.markApplied(rid)
	p.applyAndPropagate(ctx, m)
	return nil
}
