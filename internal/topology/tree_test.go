package topology

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haeckir91/smelt-consensus/internal/chanio"
	"github.com/haeckir91/smelt-consensus/internal/message"
)

// fanTree builds a root with direct children 1,2,3 at ascending weights,
// the shape most tier-2 fan-outs use.
func fanTree(t *testing.T) (*Tree, map[int]Links) {
	t.Helper()
	tree := Linear(0, nil)
	tree.children[0] = []Edge{{Child: 1, Weight: 1}, {Child: 2, Weight: 2}, {Child: 3, Weight: 3}}
	tree.parent[1] = 0
	tree.parent[2] = 0
	tree.parent[3] = 0

	rootToC1A, c1ToRootB, err := chanio.NewDuplexChannel(8)
	require.NoError(t, err)
	rootToC2A, c2ToRootB, err := chanio.NewDuplexChannel(8)
	require.NoError(t, err)
	rootToC3A, c3ToRootB, err := chanio.NewDuplexChannel(8)
	require.NoError(t, err)

	links := map[int]Links{
		0: {ToChildren: map[int]*chanio.Endpoint{1: rootToC1A, 2: rootToC2A, 3: rootToC3A}},
		1: {ToParent: c1ToRootB},
		2: {ToParent: c2ToRootB},
		3: {ToParent: c3ToRootB},
	}
	return tree, links
}

func TestBroadcastReachesAllLeaves(t *testing.T) {
	tree, links := fanTree(t)
	log := zerolog.Nop()
	ctx := context.Background()

	msg := message.Message{Tag: message.TagBroadCommit, Payload: message.KVSPayload(77, 0, 0)}

	done := make(chan struct{}, 3)
	for _, core := range []int{1, 2, 3} {
		core := core
		go func() {
			got, err := RecvBroadcast(ctx, links[core])
			require.NoError(t, err)
			require.Equal(t, uint64(77), got.Payload[0])
			done <- struct{}{}
		}()
	}

	_, err := Broadcast(ctx, tree, 0, links[0], msg, log)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("leaf never received broadcast")
		}
	}
}

func TestBroadcastReachesEachChildExactlyOnce(t *testing.T) {
	tree, links := fanTree(t)
	log := zerolog.Nop()
	ctx := context.Background()

	var order []int
	orderCh := make(chan int, 3)
	for _, core := range []int{1, 2, 3} {
		core := core
		go func() {
			_, err := RecvBroadcast(ctx, links[core])
			require.NoError(t, err)
			orderCh <- core
		}()
	}

	_, err := Broadcast(ctx, tree, 0, links[0], message.Message{}, log)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		order = append(order, <-orderCh)
	}
	require.ElementsMatch(t, []int{1, 2, 3}, order)
}

func TestReduceFoldsChildrenIntoAccumulator(t *testing.T) {
	tree, links := fanTree(t)
	ctx := context.Background()

	for _, core := range []int{1, 2, 3} {
		ep := links[core].ToParent
		go func(ep *chanio.Endpoint, v uint64) {
			_ = ep.Send(ctx, message.Message{Payload: message.KVSPayload(v, 0, 0)})
		}(ep, uint64(core*10))
	}

	sum := func(acc, child message.Message) message.Message {
		acc.Payload[0] += child.Payload[0]
		return acc
	}

	result, err := Reduce(ctx, tree, 0, links[0], message.Message{}, sum)
	require.NoError(t, err)
	require.Equal(t, uint64(10+20+30), result.Payload[0])
}

func TestBuildRejectsCoreWithTwoParents(t *testing.T) {
	isParent := func(p, c int) bool {
		return (p == 0 && c == 2) || (p == 1 && c == 2)
	}
	weight := func(p, c int) int { return 1 }
	_, err := Build(0, []int{0, 1, 2}, isParent, weight)
	require.Error(t, err)
}

func TestBuildRejectsOrphanCore(t *testing.T) {
	isParent := func(p, c int) bool { return p == 0 && c == 1 }
	weight := func(p, c int) int { return 1 }
	_, err := Build(0, []int{0, 1, 2}, isParent, weight)
	require.Error(t, err)
}
