package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kvraft/kvraft/internal/wire"
)

// ErrNotLeader is returned by Propose when this node does not believe
// itself to be leader. Callers (the server's client-request handler)
// translate this into a Redirect or NotLeader response frame.
var ErrNotLeader = errors.New("raft: not leader")

// leaderLoop drives replication for as long as n remains leader in term.
// It sends an AppendEntries (heartbeat when there's nothing new) to every
// peer on a fixed interval, strictly shorter than any follower's election
// timeout, so followers never time out while a leader is alive.
func (n *Node) leaderLoop(ctx context.Context, term uint64) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		n.mu.Lock()
		stillLeader := n.role == Leader && n.currentTerm == term
		n.mu.Unlock()
		if !stillLeader {
			return
		}

		for _, peer := range n.cfg.Peers {
			go n.replicateToPeer(ctx, peer, term)
		}

		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// replicateToPeer sends one AppendEntries to peer carrying whatever
// entries it's missing per next_index, retrying with a decremented
// next_index on a log-mismatch rejection.
func (n *Node) replicateToPeer(ctx context.Context, peer Peer, term uint64) {
	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	nextIdx := n.nextIndex[peer.ID]
	if nextIdx == 0 {
		nextIdx = 1
	}
	prevLogIndex := nextIdx - 1
	prevLogTerm := uint64(0)
	if prevLogIndex > 0 && int(prevLogIndex) <= len(n.entries) {
		prevLogTerm = n.entries[prevLogIndex-1].Term
	}
	var entriesToSend []wire.LogEntryWire
	for i := int(nextIdx) - 1; i < len(n.entries); i++ {
		e := n.entries[i]
		entriesToSend = append(entriesToSend, wire.LogEntryWire{Term: e.Term, Index: e.Index, Command: e.Command})
	}
	leaderCommit := n.commitIndex
	selfAddr := n.leaderAddr
	n.mu.Unlock()

	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatInterval*3)
	defer cancel()

	resp, err := n.transport.SendAppendEntries(rpcCtx, peer.Addr, wire.AppendEntriesArgs{
		Term:         term,
		LeaderID:     n.cfg.NodeID,
		LeaderAddr:   selfAddr,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entriesToSend,
		LeaderCommit: leaderCommit,
	})
	if err != nil {
		return // peer unreachable this round; next heartbeat retries
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader || n.currentTerm != term {
		return
	}
	if resp.Term > n.currentTerm {
		n.becomeFollowerLocked(resp.Term)
		n.persistLocked()
		return
	}

	if resp.Success {
		if len(entriesToSend) > 0 {
			n.matchIndex[peer.ID] = entriesToSend[len(entriesToSend)-1].Index
		}
		n.nextIndex[peer.ID] = n.matchIndex[peer.ID] + 1
		n.advanceCommitIndexLocked(term)
	} else {
		if n.nextIndex[peer.ID] > 1 {
			n.nextIndex[peer.ID]--
		}
	}
}

// advanceCommitIndexLocked implements the commit rule: advance
// commit_index to the highest N such that N > commit_index, a majority of
// match_index[peer] >= N, and log[N].term == current_term. Must be called
// with mu held.
func (n *Node) advanceCommitIndexLocked(term uint64) {
	if n.currentTerm != term {
		return
	}
	total := len(n.cfg.Peers) + 1
	majority := total/2 + 1

	lastIdx, _ := n.lastLogIndexTermLocked()
	for N := lastIdx; N > n.commitIndex; N-- {
		if int(N) > len(n.entries) || N == 0 {
			continue
		}
		if n.entries[N-1].Term != n.currentTerm {
			continue
		}
		count := 1 // leader itself
		for _, p := range n.cfg.Peers {
			if n.matchIndex[p.ID] >= N {
				count++
			}
		}
		if count >= majority {
			n.commitIndex = N
			n.notifyApply()
			break
		}
	}
}

func (n *Node) notifyApply() {
	select {
	case n.applyNotify <- struct{}{}:
	default:
	}
}

// HandleAppendEntries implements the AppendEntries RPC receiver logic:
// term/log-matching rejection, truncate-on-conflict, append, and
// commit_index advancement.
func (n *Node) HandleAppendEntries(args wire.AppendEntriesArgs) wire.AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term < n.currentTerm {
		return wire.AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	n.role = Follower
	n.haveLeader = true
	n.leaderID = args.LeaderID
	// The configured peer address is authoritative; a leader does not know
	// its own listen address, so args.LeaderAddr is only a fallback.
	if addr, ok := n.addrByID[args.LeaderID]; ok {
		n.leaderAddr = addr
	} else {
		n.leaderAddr = args.LeaderAddr
	}
	n.resetElectionTimer()

	if args.PrevLogIndex > 0 {
		if int(args.PrevLogIndex) > len(n.entries) {
			return wire.AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}
		if n.entries[args.PrevLogIndex-1].Term != args.PrevLogTerm {
			return wire.AppendEntriesResponse{Term: n.currentTerm, Success: false}
		}
	}

	for i, we := range args.Entries {
		idx := args.PrevLogIndex + 1 + uint64(i)
		entry := Entry{Term: we.Term, Index: we.Index, Command: we.Command}
		if int(idx) <= len(n.entries) {
			if n.entries[idx-1].Term != we.Term {
				n.entries = n.entries[:idx-1]
				n.entries = append(n.entries, entry)
			}
			// else: identical entry already present, nothing to do
		} else {
			n.entries = append(n.entries, entry)
		}
	}

	if err := n.persistLocked(); err != nil {
		n.log.Error().Err(err).Msg("failed to persist replicated log, not acknowledging")
		return wire.AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}

	if args.LeaderCommit > n.commitIndex {
		lastNew := args.PrevLogIndex + uint64(len(args.Entries))
		if args.LeaderCommit < lastNew {
			n.commitIndex = args.LeaderCommit
		} else {
			n.commitIndex = lastNew
		}
		n.notifyApply()
	}

	return wire.AppendEntriesResponse{Term: n.currentTerm, Success: true}
}

// applyLoop advances last_applied toward commit_index, invoking the
// applier in log order. A failure halts the loop at that index until the
// next notification retries it.
func (n *Node) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-n.applyNotify:
		}

		for {
			n.mu.Lock()
			if n.lastApplied >= n.commitIndex {
				n.mu.Unlock()
				break
			}
			idx := n.lastApplied + 1
			if int(idx) > len(n.entries) {
				n.mu.Unlock()
				break
			}
			entry := n.entries[idx-1]
			n.mu.Unlock()

			err := n.applier.Apply(entry.Index, entry.Term, entry.Command)

			n.mu.Lock()
			if err != nil {
				n.log.Error().Err(err).Uint64("index", entry.Index).Msg("apply failed, will retry")
				n.mu.Unlock()
				break
			}
			n.lastApplied = idx
			n.resolveWaitersLocked(idx, nil)
			n.mu.Unlock()
		}
	}
}

func (n *Node) resolveWaitersLocked(appliedIndex uint64, err error) {
	remaining := n.waiters[:0]
	for _, w := range n.waiters {
		if w.index <= appliedIndex {
			w.done <- err
			close(w.done)
		} else {
			remaining = append(remaining, w)
		}
	}
	n.waiters = remaining
}

// Propose appends command to the leader's log, persists and replicates
// it, and blocks until it has been applied (i.e. committed and run
// through the applier), or ctx is cancelled. Non-leaders return
// ErrNotLeader immediately so the caller can redirect.
func (n *Node) Propose(ctx context.Context, command []byte) (index uint64, err error) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}
	lastIdx, _ := n.lastLogIndexTermLocked()
	entry := Entry{Term: n.currentTerm, Index: lastIdx + 1, Command: command}
	n.entries = append(n.entries, entry)
	if err := n.persistLocked(); err != nil {
		n.entries = n.entries[:len(n.entries)-1]
		n.mu.Unlock()
		return 0, fmt.Errorf("raft: persist proposed entry: %w", err)
	}
	done := make(chan error, 1)
	n.waiters = append(n.waiters, commitWaiter{index: entry.Index, done: done})
	term := n.currentTerm
	n.mu.Unlock()

	n.advanceCommitIndexIfSolo(term, entry.Index)

	for _, peer := range n.cfg.Peers {
		go n.replicateToPeer(ctx, peer, term)
	}

	select {
	case applyErr := <-done:
		return entry.Index, applyErr
	case <-ctx.Done():
		return entry.Index, ctx.Err()
	}
}

// advanceCommitIndexIfSolo lets a single-node cluster (no peers) commit
// immediately, since the leader alone is already a majority. It acquires
// its own lock; callers must not hold mu when calling it.
func (n *Node) advanceCommitIndexIfSolo(term uint64, index uint64) {
	if len(n.cfg.Peers) != 0 {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.currentTerm != term {
		return
	}
	if index > n.commitIndex {
		n.commitIndex = index
		n.notifyApply()
	}
}
