package raft

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kvraft/kvraft/internal/wire"
)

// fakeApplier records applied commands in order, for assertions, instead
// of wiring a real storage.Engine — the consensus safety properties under
// test don't depend on what SE does with a committed command.
type fakeApplier struct {
	mu      sync.Mutex
	applied [][]byte
}

func (a *fakeApplier) Apply(index, term uint64, command []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, command)
	return nil
}

func (a *fakeApplier) snapshot() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]byte(nil), a.applied...)
}

// inProcessTransport dispatches RPCs directly to the target Node's
// handler methods, skipping the network — it exists so these tests can
// exercise election/replication safety deterministically rather than
// depend on real socket timing.
type inProcessTransport struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

func newInProcessTransport() *inProcessTransport {
	return &inProcessTransport{nodes: make(map[string]*Node)}
}

func (t *inProcessTransport) register(addr string, n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[addr] = n
}

func (t *inProcessTransport) lookup(addr string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[addr]
	return n, ok
}

func (t *inProcessTransport) SendRequestVote(ctx context.Context, peerAddr string, args wire.RequestVoteArgs) (wire.VoteResponse, error) {
	n, ok := t.lookup(peerAddr)
	if !ok {
		return wire.VoteResponse{}, fmt.Errorf("no such node %s", peerAddr)
	}
	return n.HandleRequestVote(args), nil
}

func (t *inProcessTransport) SendAppendEntries(ctx context.Context, peerAddr string, args wire.AppendEntriesArgs) (wire.AppendEntriesResponse, error) {
	n, ok := t.lookup(peerAddr)
	if !ok {
		return wire.AppendEntriesResponse{}, fmt.Errorf("no such node %s", peerAddr)
	}
	return n.HandleAppendEntries(args), nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func addrFor(id uint64) string { return fmt.Sprintf("node-%d", id) }

// newCluster builds a fully-connected n-node cluster sharing one
// inProcessTransport, each with its own fakeApplier and temp data dir.
func newCluster(t *testing.T, n int) ([]*Node, []*fakeApplier, *inProcessTransport) {
	t.Helper()
	transport := newInProcessTransport()
	nodes := make([]*Node, n)
	appliers := make([]*fakeApplier, n)

	for i := 0; i < n; i++ {
		id := uint64(i + 1)
		var peers []Peer
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			peers = append(peers, Peer{ID: uint64(j + 1), Addr: addrFor(uint64(j + 1))})
		}
		applier := &fakeApplier{}
		appliers[i] = applier
		node, err := New(Config{
			NodeID:             id,
			Peers:              peers,
			DataDir:            t.TempDir(),
			ElectionTimeoutMin: 40 * time.Millisecond,
			ElectionTimeoutMax: 80 * time.Millisecond,
			HeartbeatInterval:  10 * time.Millisecond,
		}, applier, transport, testLogger())
		require.NoError(t, err)
		nodes[i] = node
		transport.register(addrFor(id), node)
	}
	return nodes, appliers, transport
}

func runCluster(ctx context.Context, nodes []*Node) {
	for _, n := range nodes {
		go n.Run(ctx)
	}
}

func waitForLeader(t *testing.T, nodes []*Node, timeout time.Duration) *Node {
	t.Helper()
	deadline := time.After(timeout)
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			for _, n := range nodes {
				if n.IsLeader() {
					return n
				}
			}
		case <-deadline:
			t.Fatal("no leader elected within timeout")
		}
	}
}

func TestElectsExactlyOneLeaderPerTerm(t *testing.T) {
	nodes, _, _ := newCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()
	runCluster(ctx, nodes)

	leader := waitForLeader(t, nodes, 2*time.Second)
	require.NotNil(t, leader)

	time.Sleep(100 * time.Millisecond)

	leadersByTerm := map[uint64]int{}
	for _, n := range nodes {
		n.mu.Lock()
		if n.role == Leader {
			leadersByTerm[n.currentTerm]++
		}
		n.mu.Unlock()
	}
	for term, count := range leadersByTerm {
		require.LessOrEqualf(t, count, 1, "term %d had %d leaders", term, count)
	}
}

func TestProposeReplicatesAndApplies(t *testing.T) {
	nodes, appliers, _ := newCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()
	runCluster(ctx, nodes)

	leader := waitForLeader(t, nodes, 2*time.Second)

	proposeCtx, proposeCancel := context.WithTimeout(context.Background(), time.Second)
	defer proposeCancel()
	_, err := leader.Propose(proposeCtx, []byte("cmd-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, a := range appliers {
			found := false
			for _, c := range a.snapshot() {
				if string(c) == "cmd-1" {
					found = true
				}
			}
			if !found {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "command did not replicate to all nodes")
}

func TestNonLeaderProposeReturnsErrNotLeader(t *testing.T) {
	nodes, _, _ := newCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() {
		for _, n := range nodes {
			n.Stop()
		}
	}()
	runCluster(ctx, nodes)

	leader := waitForLeader(t, nodes, 2*time.Second)

	var follower *Node
	for _, n := range nodes {
		if n != leader {
			follower = n
			break
		}
	}
	require.NotNil(t, follower)

	_, err := follower.Propose(context.Background(), []byte("cmd"))
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestRequestVoteRejectsStaleTerm(t *testing.T) {
	nodes, _, _ := newCluster(t, 1)
	n := nodes[0]
	n.mu.Lock()
	n.currentTerm = 5
	n.mu.Unlock()

	resp := n.HandleRequestVote(wire.RequestVoteArgs{Term: 3, CandidateID: 99})
	require.False(t, resp.VoteGranted)
	require.Equal(t, uint64(5), resp.Term)
}

func TestRequestVoteGrantsOncePerTerm(t *testing.T) {
	nodes, _, _ := newCluster(t, 1)
	n := nodes[0]

	resp1 := n.HandleRequestVote(wire.RequestVoteArgs{Term: 1, CandidateID: 2})
	require.True(t, resp1.VoteGranted)

	resp2 := n.HandleRequestVote(wire.RequestVoteArgs{Term: 1, CandidateID: 3})
	require.False(t, resp2.VoteGranted)
}
