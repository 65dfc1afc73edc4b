package replica

import (
	"context"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// Chain is the chain-replication tier-1/tier-2 variant (spec.md §4.E.4),
// grounded on _examples/original_source/chain_replica.c: a fixed linear
// order over replica ids, head applies and forwards, middle replicas
// apply-then-forward, and only the tail ever talks to the client.
type Chain struct {
	base
	myPos int // this replica's position in the chain (0 = head)
}

func (p *Chain) Init(ctx context.Context, cfg Config) error {
	p.base = newBase(cfg)
	p.myPos = int(cfg.ID)
	return nil
}

func (p *Chain) isHead() bool { return p.myPos == 0 }
func (p *Chain) isTail() bool { return p.myPos == p.numReplicas()-1 }

func (p *Chain) nextCore() (int, bool) {
	if p.isTail() {
		return 0, false
	}
	c, err := p.peerCore(uint8(p.myPos + 1))
	return c, err == nil
}

func (p *Chain) prevCore() (int, bool) {
	if p.isHead() {
		return 0, false
	}
	c, err := p.peerCore(uint8(p.myPos - 1))
	return c, err == nil
}

func (p *Chain) MessageLoop(ctx context.Context) error {
	var peers []int
	if prev, ok := p.prevCore(); ok {
		peers = append(peers, prev)
	}
	if p.isHead() {
		peers = append(peers, p.cfg.ClientCores...)
	}
	inbox := p.fanIn(ctx, peers)

	for {
		select {
		case m := <-inbox:
			if err := p.dispatch(ctx, m); err != nil {
				p.cfg.Logger.Error().Err(err).Msg("chain: dispatch failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Chain) dispatch(ctx context.Context, m message.Message) error {
	switch m.Tag {
	case message.TagSetup:
		p.handleSetup(ctx, m)
		return nil
	case message.TagRequest:
		return p.SendRequest(ctx, m)
	case message.TagChainCommit:
		return p.OnMessage(ctx, m)
	default:
		return consensuserr.New(consensuserr.ProtocolViolation, "Chain.dispatch", nil)
	}
}

// SendRequest is the head's entry point: only the head ever receives a
// REQUEST directly.
func (p *Chain) SendRequest(ctx context.Context, m message.Message) error {
	if !p.isHead() {
		return consensuserr.New(consensuserr.ProtocolViolation, "Chain.SendRequest", nil)
	}
	rid := m.RID()
	if p.alreadyApplied(rid) {
		if p.isTail() {
			p.replyDirectlyToClient(ctx, m)
		}
		return nil
	}
	commit := m
	commit.Tag = message.TagChainCommit
	p.markApplied(rid)
	p.applyAndPropagate(ctx, commit)
	if next, ok := p.nextCore(); ok {
		p.send(ctx, next, commit)
	} else {
		// single-replica chain: head is also tail
		p.replyDirectlyToClient(ctx, commit)
	}
	return nil
}

// OnMessage handles CHAIN_COMMIT on a middle or tail replica: apply, then
// forward to the next link, or reply to the client if this is the tail.
func (p *Chain) OnMessage(ctx context.Context, m message.Message) error {
	rid := m.RID()
	if p.alreadyApplied(rid) {
		if p.isTail() {
			p.replyDirectlyToClient(ctx, m)
		}
		return nil
	}
	p.markApplied(rid)
	p.applyAndPropagate(ctx, m)
	if next, ok := p.nextCore(); ok {
		p.send(ctx, next, m)
	} else {
		p.replyDirectlyToClient(ctx, m)
	}
	return nil
}

// replyDirectlyToClient sends RESPONSE straight to the client's
// designated receive core — spec.md §4.E.4: "the only replica that does
// so", regardless of Level/started_from routing the other variants use.
func (p *Chain) replyDirectlyToClient(ctx context.Context, m message.Message) {
	resp := message.Message{Tag: message.TagResponse, ClientID: m.ClientID, RequestID: m.RequestID}
	p.send(ctx, int(m.ReplyTo), resp)
}
