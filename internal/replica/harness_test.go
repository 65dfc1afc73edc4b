package replica

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haeckir91/smelt-consensus/internal/config"
	"github.com/haeckir91/smelt-consensus/internal/kvs"
	"github.com/haeckir91/smelt-consensus/internal/message"
	"github.com/haeckir91/smelt-consensus/internal/transport"
)

// cluster is a small in-process harness: numReplicas replicas running
// algo, one simulated client core talking to them over the same
// transport every protocol uses in production.
type cluster struct {
	tr           *transport.InProcess
	clientCore   int
	replicaCores []int
	stores       []*kvs.Store
	cancel       context.CancelFunc
}

func newCluster(t *testing.T, algo config.Algo, numReplicas int) *cluster {
	t.Helper()
	tr := transport.NewInProcess(64, zerolog.Nop())
	replicaCores := make([]int, numReplicas)
	for i := range replicaCores {
		replicaCores[i] = i
	}
	clientCore := 1000

	ctx, cancel := context.WithCancel(context.Background())
	c := &cluster{tr: tr, clientCore: clientCore, replicaCores: replicaCores, cancel: cancel}

	for i := 0; i < numReplicas; i++ {
		store := kvs.NewStore()
		c.stores = append(c.stores, store)
		cfg := Config{
			ID:                 uint8(i),
			Core:               replicaCores[i],
			Level:              LevelNode,
			ReplicaCores:       replicaCores,
			ClientCores:        []int{clientCore},
			AlgBelow:           config.AlgNone,
			Transport:          tr,
			Store:              store,
			Logger:             zerolog.Nop(),
			ElectionTimeoutMin: 15 * time.Millisecond,
			ElectionBackoffMax: 10 * time.Millisecond,
			AcceptorTimeout:    15 * time.Millisecond,
			HeartbeatInterval:  5 * time.Millisecond,
		}
		proto, err := New(algo)
		if err != nil {
			t.Fatalf("New(%v): %v", algo, err)
		}
		if err := proto.Init(ctx, cfg); err != nil {
			t.Fatalf("Init: %v", err)
		}
		go proto.MessageLoop(ctx)
	}

	t.Cleanup(cancel)
	return c
}

// sendRequest sends a REQUEST from the simulated client directly to
// replicaCore (the known leader/head) and waits for the matching
// RESPONSE on the same endpoint pair.
func (c *cluster) sendRequest(t *testing.T, ctx context.Context, replicaCore int, clientID uint16, reqID uint32, key, v1, v2 uint64) message.Message {
	t.Helper()
	ep, err := c.tr.Endpoint(c.clientCore, replicaCore)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	req := message.Message{
		Tag:       message.TagRequest,
		ClientID:  clientID,
		RequestID: reqID,
		ReplyTo:   uint64(c.clientCore),
		Payload:   message.KVSPayload(key, v1, v2),
	}
	if err := ep.Send(ctx, req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	resp, err := ep.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return resp
}

// sendRequestAnyLeader broadcasts the same REQUEST to every replica core
// and returns whichever one's leader-shaped reply arrives first, retrying
// on a short period until one does. Used where the leader is discovered
// at runtime (Raft's post-election leader) rather than fixed at a known
// replica id — a
// copy arriving at a replica that is not yet (or no longer) leader is
// simply dropped, so the client must keep resending until the cluster
// has settled on one, the same way a real client session retries.
func (c *cluster) sendRequestAnyLeader(t *testing.T, ctx context.Context, clientID uint16, reqID uint32, key, v1, v2 uint64) message.Message {
	t.Helper()
	req := message.Message{
		Tag:       message.TagRequest,
		ClientID:  clientID,
		RequestID: reqID,
		ReplyTo:   uint64(c.clientCore),
		Payload:   message.KVSPayload(key, v1, v2),
	}

	eps := make([]interface {
		Send(context.Context, message.Message) error
		TryReceive() (message.Message, bool)
	}, len(c.replicaCores))
	for i, core := range c.replicaCores {
		ep, err := c.tr.Endpoint(c.clientCore, core)
		if err != nil {
			t.Fatalf("Endpoint: %v", err)
		}
		eps[i] = ep
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for _, ep := range eps {
		_ = ep.Send(ctx, req)
	}
	for {
		for _, ep := range eps {
			if m, ok := ep.TryReceive(); ok {
				return m
			}
		}
		select {
		case <-ticker.C:
			for _, ep := range eps {
				_ = ep.Send(ctx, req)
			}
		case <-ctx.Done():
			t.Fatalf("no reply before deadline: %v", ctx.Err())
		}
	}
}
