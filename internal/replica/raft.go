package replica

import (
	"context"
	"time"

	"github.com/haeckir91/smelt-consensus/internal/consensuserr"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// raftRole is this replica's current Raft role.
type raftRole int

const (
	roleFollower raftRole = iota
	roleCandidate
	roleLeader
)

// logEntry is spec.md §3's Raft log entry, one command payload per slot
// (the fixed-size Message can only carry one command's worth of payload
// words, so unlike textbook Raft, AppendEntries here carries exactly one
// entry — APPEND_EMPTY is the heartbeat/commit-advance equivalent).
type logEntry struct {
	term    uint64
	payload [3]uint64
	rid     message.RID
}

// Raft is the tier-1/tier-2 Raft-style variant (spec.md §4.E.5), grounded
// on _examples/original_source/raft_replica.c. Per spec.md §9 Open
// Question #2, the original's election and heartbeat timers are
// commented out; this restores them with the standard Raft rules since
// without them the protocol deadlocks on leader failure.
type Raft struct {
	base

	role             raftRole
	currentTerm      uint64
	votedFor         int // replica id, -1 = none
	log              []logEntry
	commitIndex      uint64
	lastAppliedIndex uint64

	leaderID int // -1 = unknown

	nextIndex  map[uint8]uint64
	matchIndex map[uint8]uint64
	votes      map[uint8]bool

	pendingByIndex map[uint64]message.Message // index -> original REQUEST, for leader reply on commit
}

func (p *Raft) Init(ctx context.Context, cfg Config) error {
	p.base = newBase(cfg)
	p.role = roleFollower
	p.votedFor = -1
	p.leaderID = -1
	p.pendingByIndex = make(map[uint64]message.Message)
	return nil
}

func (p *Raft) lastLogIndex() uint64 { return uint64(len(p.log)) }

func (p *Raft) lastLogTerm() uint64 {
	if len(p.log) == 0 {
		return 0
	}
	return p.log[len(p.log)-1].term
}

func (p *Raft) MessageLoop(ctx context.Context) error {
	peers := make([]int, 0, p.numReplicas()+len(p.cfg.ClientCores))
	for i := 0; i < p.numReplicas(); i++ {
		if c, _ := p.peerCore(uint8(i)); c != p.cfg.Core {
			peers = append(peers, c)
		}
	}
	peers = append(peers, p.cfg.ClientCores...)
	inbox := p.fanIn(ctx, peers)

	electionTimeout := p.backoff(p.cfg.ElectionTimeoutMin, p.cfg.ElectionBackoffMax)
	electionTimer := time.NewTimer(electionTimeout)
	defer electionTimer.Stop()

	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case m := <-inbox:
			resetElection := p.dispatch(ctx, m)
			if resetElection {
				drainTimer(electionTimer)
				electionTimer.Reset(p.backoff(p.cfg.ElectionTimeoutMin, p.cfg.ElectionBackoffMax))
			}
		case <-electionTimer.C:
			if p.role != roleLeader {
				p.startElection(ctx)
			}
			electionTimer.Reset(p.backoff(p.cfg.ElectionTimeoutMin, p.cfg.ElectionBackoffMax))
		case <-heartbeat.C:
			if p.role == roleLeader {
				p.sendHeartbeats(ctx)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// dispatch handles one message and reports whether the election timer
// should be reset (granting/observing a valid leader resets it, per
// standard Raft).
func (p *Raft) dispatch(ctx context.Context, m message.Message) bool {
	switch m.Tag {
	case message.TagSetup:
		p.handleSetup(ctx, m)
		return false
	case message.TagRequest:
		if err := p.SendRequest(ctx, m); err != nil {
			p.cfg.Logger.Error().Err(err).Msg("raft: send_request failed")
		}
		return false
	case message.TagAppend, message.TagAppendEmpty:
		return p.handleAppend(ctx, m)
	case message.TagAppendResp:
		p.handleAppendResp(ctx, m)
		return false
	case message.TagReqVote:
		return p.handleRequestVote(ctx, m)
	case message.TagReqVoteResp:
		p.handleRequestVoteResp(ctx, m)
		return false
	default:
		p.cfg.Logger.Error().Str("tag", m.Tag.String()).Msg("raft: protocol violation")
		return false
	}
}

func (p *Raft) OnMessage(ctx context.Context, m message.Message) error {
	p.dispatch(ctx, m)
	return nil
}

// SendRequest is the leader's handling of a client REQUEST: append to
// the log and broadcast APPEND; non-leaders drop it (spec.md §7
// ProtocolViolation policy — "offending message is dropped").
func (p *Raft) SendRequest(ctx context.Context, m message.Message) error {
	if p.role != roleLeader {
		return consensuserr.New(consensuserr.ProtocolViolation, "Raft.SendRequest", nil)
	}
	if p.alreadyApplied(m.RID()) {
		p.replyToClient(ctx, m)
		return nil
	}
	entry := logEntry{term: p.currentTerm, payload: m.Payload, rid: m.RID()}
	p.log = append(p.log, entry)
	idx := p.lastLogIndex()
	p.pendingByIndex[idx] = m

	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.sendAppend(ctx, uint8(i), core, idx)
	}
	p.maybeAdvanceCommit()
	return nil
}

// sendAppend sends the entry at idx to followerID. The previous index is
// implicit (idx-1): this variant only ever sends one in-order entry per
// RPC, so there is no separate prev_index word to carry — freeing the
// ReplyTo word to carry the leader's own replica id instead.
func (p *Raft) sendAppend(ctx context.Context, followerID uint8, core int, idx uint64) {
	entry := p.log[idx-1]
	append_ := message.Message{
		Tag:       message.TagAppend,
		ClientID:  entry.rid.ClientID,
		RequestID: entry.rid.RequestID,
		Index:     idx,
		Term:      p.currentTerm,
		ReplyTo:   uint64(p.cfg.ID),
		Payload:   entry.payload,
	}
	p.send(ctx, core, append_)
}

func (p *Raft) sendHeartbeats(ctx context.Context) {
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		hb := message.Message{
			Tag:     message.TagAppendEmpty,
			Term:    p.currentTerm,
			Index:   uint64(p.cfg.ID),
			ReplyTo: p.commitIndex,
		}
		p.send(ctx, core, hb)
	}
}

// handleAppend is the follower side of APPEND/APPEND_EMPTY: reject a gap
// in prev_index (spec.md §8 "Boundary behaviors"), else append (or
// truncate-then-append) and advance commit_index from the leader's hint.
// prev_index is implicit (entry index - 1) since single-entry RPCs never
// carry it as a separate word; APPEND_EMPTY instead carries the leader's
// replica id in Index, since its own lastLogIndex hint goes unused here.
func (p *Raft) handleAppend(ctx context.Context, m message.Message) bool {
	if m.Term < p.currentTerm {
		return false
	}
	if m.Term > p.currentTerm || p.role != roleFollower {
		p.stepDown(m.Term)
	}

	if m.Tag == message.TagAppendEmpty {
		p.leaderID = int(m.Index)
		p.advanceCommitIndexTo(m.ReplyTo)
		return true
	}

	p.leaderID = int(m.ReplyTo)
	prevIndex := m.Index - 1
	if prevIndex > p.lastLogIndex() {
		p.replyAppend(ctx, false, p.lastLogIndex())
		return true
	}
	p.log = p.log[:prevIndex]
	p.log = append(p.log, logEntry{term: m.Term, payload: m.Payload, rid: m.RID()})
	p.replyAppend(ctx, true, m.Index)
	return true
}

func (p *Raft) replyAppend(ctx context.Context, success bool, matchOrLastIndex uint64) {
	if p.leaderID < 0 {
		return
	}
	leaderCore, err := p.peerCore(uint8(p.leaderID))
	if err != nil {
		return
	}
	resp := message.Message{
		Tag:     message.TagAppendResp,
		Term:    p.currentTerm,
		Index:   matchOrLastIndex,
		ReplyTo: uint64(p.cfg.ID),
	}
	if success {
		resp.Payload[0] = 1
	}
	p.send(ctx, leaderCore, resp)
}

func (p *Raft) handleAppendResp(ctx context.Context, m message.Message) {
	if p.role != roleLeader || m.Term != p.currentTerm {
		return
	}
	follower := uint8(m.ReplyTo)
	if m.Payload[0] == 1 {
		p.matchIndex[follower] = m.Index
		p.nextIndex[follower] = m.Index + 1
		p.maybeAdvanceCommit()
	} else {
		if p.nextIndex[follower] > 1 {
			p.nextIndex[follower]--
		}
		core, err := p.peerCore(follower)
		if err == nil {
			p.sendAppend(ctx, follower, core, p.nextIndex[follower])
		}
	}
}

// maybeAdvanceCommit advances commit_index to the highest index present
// on a majority of match_index entries (including the leader itself),
// then applies newly committed entries in order.
func (p *Raft) maybeAdvanceCommit() {
	for n := p.lastLogIndex(); n > p.commitIndex; n-- {
		if p.log[n-1].term != p.currentTerm {
			continue // only commit entries from the current term directly
		}
		count := 1 // self
		for _, mi := range p.matchIndex {
			if mi >= n {
				count++
			}
		}
		if count*2 > p.numReplicas() {
			p.commitIndex = n
			break
		}
	}
	p.applyCommitted(context.Background())
}

func (p *Raft) advanceCommitIndexTo(leaderCommit uint64) {
	if leaderCommit > p.commitIndex {
		if leaderCommit > p.lastLogIndex() {
			leaderCommit = p.lastLogIndex()
		}
		p.commitIndex = leaderCommit
	}
	p.applyCommitted(context.Background())
}

func (p *Raft) applyCommitted(ctx context.Context) {
	for p.lastAppliedIndex < p.commitIndex {
		p.lastAppliedIndex++
		entry := p.log[p.lastAppliedIndex-1]
		m := message.Message{Tag: message.TagResponse, ClientID: entry.rid.ClientID, RequestID: entry.rid.RequestID, Payload: entry.payload}
		p.markApplied(entry.rid)
		p.applyAndPropagate(ctx, m)
		if p.role == roleLeader {
			if orig, ok := p.pendingByIndex[p.lastAppliedIndex]; ok {
				p.replyToClient(ctx, orig)
				delete(p.pendingByIndex, p.lastAppliedIndex)
			}
		}
	}
}

func (p *Raft) startElection(ctx context.Context) {
	p.role = roleCandidate
	p.currentTerm++
	p.votedFor = int(p.cfg.ID)
	p.votes = map[uint8]bool{p.cfg.ID: true}
	p.leaderID = -1

	req := message.Message{
		Tag:   message.TagReqVote,
		Term:  p.currentTerm,
		Index: p.lastLogIndex(),
	}
	req.Payload[0] = uint64(p.cfg.ID)
	req.Payload[1] = p.lastLogTerm()
	for i := 0; i < p.numReplicas(); i++ {
		core, _ := p.peerCore(uint8(i))
		if core == p.cfg.Core {
			continue
		}
		p.send(ctx, core, req)
	}
	p.cfg.Logger.Info().Uint64("term", p.currentTerm).Msg("raft: started election")
}

func (p *Raft) handleRequestVote(ctx context.Context, m message.Message) bool {
	if m.Term < p.currentTerm {
		p.replyVote(ctx, int(m.Payload[0]), false)
		return false
	}
	if m.Term > p.currentTerm {
		p.stepDown(m.Term)
	}
	candidate := int(m.Payload[0])
	candidateUpToDate := m.Payload[1] > p.lastLogTerm() ||
		(m.Payload[1] == p.lastLogTerm() && m.Index >= p.lastLogIndex())

	if (p.votedFor == -1 || p.votedFor == candidate) && candidateUpToDate {
		p.votedFor = candidate
		p.replyVote(ctx, candidate, true)
		return true
	}
	p.replyVote(ctx, candidate, false)
	return false
}

func (p *Raft) replyVote(ctx context.Context, candidate int, granted bool) {
	core, err := p.peerCore(uint8(candidate))
	if err != nil {
		return
	}
	resp := message.Message{Tag: message.TagReqVoteResp, Term: p.currentTerm, ReplyTo: uint64(p.cfg.ID)}
	if granted {
		resp.Payload[0] = 1
	}
	p.send(ctx, core, resp)
}

func (p *Raft) handleRequestVoteResp(ctx context.Context, m message.Message) {
	if p.role != roleCandidate || m.Term != p.currentTerm || m.Payload[0] != 1 {
		return
	}
	voter := uint8(m.ReplyTo)
	p.votes[voter] = true
	if len(p.votes)*2 > p.numReplicas() {
		p.becomeLeader(ctx)
	}
}

func (p *Raft) becomeLeader(ctx context.Context) {
	p.role = roleLeader
	p.leaderID = int(p.cfg.ID)
	p.nextIndex = make(map[uint8]uint64, p.numReplicas())
	p.matchIndex = make(map[uint8]uint64, p.numReplicas())
	for i := 0; i < p.numReplicas(); i++ {
		p.nextIndex[uint8(i)] = p.lastLogIndex() + 1
		p.matchIndex[uint8(i)] = 0
	}
	p.cfg.Logger.Info().Uint64("term", p.currentTerm).Msg("raft: became leader")
	p.sendHeartbeats(ctx)
}

func (p *Raft) stepDown(term uint64) {
	p.currentTerm = term
	p.role = roleFollower
	p.votedFor = -1
}
