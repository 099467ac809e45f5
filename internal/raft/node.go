package raft

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kvraft/kvraft/internal/wire"
)

// Role is a node's position in the Raft role state machine.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Peer identifies another cluster member.
type Peer struct {
	ID   uint64
	Addr string
}

// Applier is the narrow interface RCM uses to hand committed commands to
// SE — storage.Engine satisfies it.
type Applier interface {
	Apply(index uint64, term uint64, command []byte) error
}

// Config fixes a node's identity and timing for its entire lifetime; the
// peer set is read once at startup and never changes while running.
type Config struct {
	NodeID  uint64
	Peers   []Peer
	DataDir string

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

func (c *Config) setDefaults() {
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
}

// commitWaiter lets Propose block the calling goroutine until the log
// entry it appended is applied, without holding Node's lock while it waits.
type commitWaiter struct {
	index uint64
	done  chan error
}

// Node is one replica's consensus module: role, persistent state, and
// the replication/apply loops that drive it.
type Node struct {
	cfg       Config
	log       zerolog.Logger
	state     *stateStore
	applier   Applier
	transport Transport

	// mu guards everything below: role plus the in-memory mirror of
	// persistent/volatile consensus state. This is the "consensus_state"
	// lock in the role < consensus_state < mem < aol ordering — it is
	// never held across a network send or a call into applier.Apply.
	mu sync.Mutex

	role        Role
	leaderID    uint64
	haveLeader  bool
	leaderAddr  string
	currentTerm uint64
	votedFor    *uint64
	entries     []Entry // 1-indexed conceptually; entries[i] has Index i+1

	commitIndex uint64
	lastApplied uint64
	nextIndex   map[uint64]uint64
	matchIndex  map[uint64]uint64

	waiters []commitWaiter

	resetElectionCh chan struct{}
	stopCh          chan struct{}
	stopOnce        sync.Once
	applyNotify     chan struct{}

	addrByID map[uint64]string
}

// New constructs a Node and loads its persistent state (if any) from
// DataDir/raft_state.dat, but does not start its background loops — call
// Run for that.
func New(cfg Config, applier Applier, transport Transport, log zerolog.Logger) (*Node, error) {
	cfg.setDefaults()

	store, err := openStateStore(filepath.Join(cfg.DataDir, "raft_state.dat"))
	if err != nil {
		return nil, fmt.Errorf("raft: open state store: %w", err)
	}

	addrByID := make(map[uint64]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addrByID[p.ID] = p.Addr
	}

	n := &Node{
		cfg:             cfg,
		log:             log,
		state:           store,
		applier:         applier,
		transport:       transport,
		role:            Follower,
		currentTerm:     store.st.CurrentTerm,
		votedFor:        store.st.VotedFor,
		entries:         append([]Entry(nil), store.st.Log...),
		nextIndex:       make(map[uint64]uint64),
		matchIndex:      make(map[uint64]uint64),
		resetElectionCh: make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		applyNotify:     make(chan struct{}, 1),
		addrByID:        addrByID,
	}
	return n, nil
}

// Run starts the election timer, the apply loop, and (while leader) the
// replication loop. It blocks until Stop is called or ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	go n.applyLoop(ctx)
	n.electionLoop(ctx)
}

// Stop halts all of n's background loops.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
}

// IsLeader reports whether n currently believes itself to be leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// LeaderHint returns the last known leader address, if any, for redirect
// responses.
func (n *Node) LeaderHint() (addr string, ok bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderAddr, n.haveLeader
}

func (n *Node) lastLogIndexTermLocked() (index, term uint64) {
	if len(n.entries) == 0 {
		return 0, 0
	}
	last := n.entries[len(n.entries)-1]
	return last.Index, last.Term
}

// persistLocked writes current_term, voted_for, and the log to stable
// storage. Must be called with mu held; callers must not reply to a peer
// or client based on state this call reflects until it returns nil.
func (n *Node) persistLocked() error {
	return n.state.persist(persistentState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		Log:         append([]Entry(nil), n.entries...),
	})
}

// becomeFollowerLocked implements the "any role observing term T >
// current_term" rule: update current_term, clear voted_for, become
// Follower. Must be called with mu held; the caller still owes a persist
// before acting on the new state.
func (n *Node) becomeFollowerLocked(term uint64) {
	n.currentTerm = term
	n.votedFor = nil
	n.role = Follower
}

func randomElectionTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.resetElectionCh <- struct{}{}:
	default:
	}
}
