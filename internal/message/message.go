// Package message defines the fixed-size wire record that is the interface
// between every protocol, the client, and the application up-call (spec.md
// §3, "Message"). It is built the way the teacher builds its hot-path wire
// envelope in message.go: fixed fields, no reflection, manual (de)serialize.
package message

import (
	"encoding/binary"
	"fmt"
)

// Tag enumerates every message tag used across tier-1, tier-2, and the
// client session protocol. Protocol-specific tags are all defined here,
// in this single global space, so the wire header's 16-bit tag field is
// unambiguous across protocols.
type Tag uint16

const (
	TagSetup Tag = iota
	TagRequest
	TagResponse

	// Single-leader Paxos-like (spec.md §4.E.1)
	TagPrepare
	TagPrepareResp
	TagAccept
	TagLearn
	TagAbandon
	TagIsAlive
	TagIsAliveResp
	TagIsLeader
	TagIsLeaderResp
	TagGetAcceptor
	TagGetAcceptorResp
	TagChangeLeader
	TagChangeAcceptor

	// Two-phase commit (spec.md §4.E.2)
	TagTPCPrepare
	TagTPCReady
	TagTPCCommit

	// Simple broadcast (spec.md §4.E.3)
	TagBroadCommit

	// Chain replication (spec.md §4.E.4)
	TagChainCommit

	// Raft-style (spec.md §4.E.5)
	TagAppend
	TagAppendEmpty
	TagAppendResp
	TagReqVote
	TagReqVoteResp

	// Directional channel flow control (spec.md §4.B)
	TagAck
)

func (t Tag) String() string {
	names := [...]string{
		"SETUP", "REQUEST", "RESPONSE",
		"PREPARE", "PREPARE_RESP", "ACCEPT", "LEARN", "ABANDON",
		"IS_ALIVE", "IS_ALIVE_RESP", "IS_LEADER", "IS_LEADER_RESP",
		"GET_ACCEPTOR", "GET_ACCEPTOR_RESP", "CHANGE_LEADER", "CHANGE_ACCEPTOR",
		"TPC_PREPARE", "TPC_READY", "TPC_COMMIT",
		"BROAD_COMMIT",
		"CHAIN_COMMIT",
		"APPEND", "APPEND_EMPTY", "APPEND_RESP", "REQVOTE", "REQVOTE_RESP",
		"ACK",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("Tag(%d)", t)
}

// Size is the wire size of a Message: header word (8 bytes packed as
// tag:16|client_id:16|request_id:32), three protocol words, three payload
// words — all uint64 for alignment: 56 bytes of fields, padded to 64
// bytes, one cache line.
const Size = 64

// Message is the fixed-size record carried by every channel, SHMQ, and
// collective operation in the system (spec.md §3).
type Message struct {
	Tag       Tag
	ClientID  uint16
	RequestID uint32

	// Protocol words: meaning is assigned per tier-1/tier-2 variant.
	// Paxos-like: Index=slot, Term=current_term, ReplyTo=leader reply core.
	// Raft: Term=term; APPEND: Index=entry index, ReplyTo=leader id;
	// APPEND_EMPTY: Index=leader id, ReplyTo=leader commitIndex;
	// APPEND_RESP: Index=match/last index, ReplyTo=follower id.
	Index   uint64
	Term    uint64
	ReplyTo uint64

	// Payload words: for the KVS up-call this is {Key, V1, V2}.
	Payload [3]uint64
}

// Encode writes m into a Size-byte buffer using manual field layout —
// avoids reflection-based encoding on the commit hot path, the same
// trade-off the teacher makes for MessageEnvelope.Serialize.
func (m Message) Encode(buf []byte) {
	if len(buf) < Size {
		panic("message: Encode buffer too small")
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Tag))
	binary.LittleEndian.PutUint16(buf[2:4], m.ClientID)
	binary.LittleEndian.PutUint32(buf[4:8], m.RequestID)
	binary.LittleEndian.PutUint64(buf[8:16], m.Index)
	binary.LittleEndian.PutUint64(buf[16:24], m.Term)
	binary.LittleEndian.PutUint64(buf[24:32], m.ReplyTo)
	binary.LittleEndian.PutUint64(buf[32:40], m.Payload[0])
	binary.LittleEndian.PutUint64(buf[40:48], m.Payload[1])
	binary.LittleEndian.PutUint64(buf[48:56], m.Payload[2])
}

// Decode reads a Message out of a Size-byte buffer.
func Decode(buf []byte) Message {
	if len(buf) < Size {
		panic("message: Decode buffer too small")
	}
	return Message{
		Tag:       Tag(binary.LittleEndian.Uint16(buf[0:2])),
		ClientID:  binary.LittleEndian.Uint16(buf[2:4]),
		RequestID: binary.LittleEndian.Uint32(buf[4:8]),
		Index:     binary.LittleEndian.Uint64(buf[8:16]),
		Term:      binary.LittleEndian.Uint64(buf[16:24]),
		ReplyTo:   binary.LittleEndian.Uint64(buf[24:32]),
		Payload: [3]uint64{
			binary.LittleEndian.Uint64(buf[32:40]),
			binary.LittleEndian.Uint64(buf[40:48]),
			binary.LittleEndian.Uint64(buf[48:56]),
		},
	}
}

// RID returns the (client, request) pair used for at-most-once dedup and
// response correlation (spec.md §3, §4.G).
type RID struct {
	ClientID  uint16
	RequestID uint32
}

func (m Message) RID() RID {
	return RID{ClientID: m.ClientID, RequestID: m.RequestID}
}

// KVSPayload packs a key/value pair into the three payload words as the
// application up-call expects (spec.md §4.H).
func KVSPayload(key, v1, v2 uint64) [3]uint64 {
	return [3]uint64{key, v1, v2}
}
