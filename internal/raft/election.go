package raft

import (
	"context"
	"time"

	"github.com/kvraft/kvraft/internal/wire"
)

// electionLoop runs on every node regardless of role: a Follower or
// Candidate that doesn't hear from a valid leader within a randomized
// timeout starts (or restarts) an election. A Leader's timer resets are
// ignored since it is driven by the replication loop instead.
func (n *Node) electionLoop(ctx context.Context) {
	timeout := randomElectionTimeout(n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.stopCh:
			return
		case <-n.resetElectionCh:
			if !timer.Stop() {
				<-drainTimer(timer)
			}
			timer.Reset(randomElectionTimeout(n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax))
		case <-timer.C:
			n.mu.Lock()
			isLeader := n.role == Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection(ctx)
			}
			timer.Reset(randomElectionTimeout(n.cfg.ElectionTimeoutMin, n.cfg.ElectionTimeoutMax))
		}
	}
}

func drainTimer(t *time.Timer) <-chan time.Time {
	ch := make(chan time.Time, 1)
	select {
	case v := <-t.C:
		ch <- v
	default:
		close(ch)
	}
	return ch
}

// startElection transitions to Candidate, votes for self, and requests
// votes from every peer concurrently. On winning a strict majority
// (including self) in the term it started, it becomes Leader.
func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	self := n.cfg.NodeID
	n.votedFor = &self
	term := n.currentTerm
	lastLogIndex, lastLogTerm := n.lastLogIndexTermLocked()
	if err := n.persistLocked(); err != nil {
		n.log.Error().Err(err).Msg("failed to persist candidate state, aborting election")
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	n.log.Info().Uint64("term", term).Msg("starting election")

	votes := 1 // self
	total := len(n.cfg.Peers) + 1
	majority := total/2 + 1

	type result struct {
		resp wire.VoteResponse
		err  error
	}
	results := make(chan result, len(n.cfg.Peers))

	rpcCtx, cancel := context.WithTimeout(ctx, n.cfg.HeartbeatInterval*3)
	defer cancel()

	for _, peer := range n.cfg.Peers {
		peer := peer
		go func() {
			resp, err := n.transport.SendRequestVote(rpcCtx, peer.Addr, wire.RequestVoteArgs{
				Term:         term,
				CandidateID:  n.cfg.NodeID,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			})
			results <- result{resp, err}
		}()
	}

collectVotes:
	for i := 0; i < len(n.cfg.Peers); i++ {
		select {
		case res := <-results:
			if res.err != nil {
				continue
			}
			n.mu.Lock()
			if res.resp.Term > n.currentTerm {
				n.becomeFollowerLocked(res.resp.Term)
				n.persistLocked()
				n.mu.Unlock()
				return
			}
			stillCandidate := n.role == Candidate && n.currentTerm == term
			n.mu.Unlock()
			if !stillCandidate {
				return
			}
			if res.resp.VoteGranted {
				votes++
			}
		case <-rpcCtx.Done():
			break collectVotes
		}
	}

	if votes < majority {
		n.log.Info().Uint64("term", term).Int("votes", votes).Msg("election lost, remaining candidate or reverting to follower on next timeout")
		return
	}

	n.mu.Lock()
	if n.role != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.role = Leader
	n.haveLeader = true
	n.leaderID = n.cfg.NodeID
	lastIdx, _ := n.lastLogIndexTermLocked()
	for _, p := range n.cfg.Peers {
		n.nextIndex[p.ID] = lastIdx + 1
		n.matchIndex[p.ID] = 0
	}
	n.mu.Unlock()

	n.log.Info().Uint64("term", term).Msg("elected leader")
	go n.leaderLoop(ctx, term)
}

// HandleRequestVote implements the RequestVote RPC receiver logic exactly
// per the grant conditions: term currency, at-most-one-vote-per-term, and
// up-to-date-log comparison.
func (n *Node) HandleRequestVote(args wire.RequestVoteArgs) wire.VoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if args.Term > n.currentTerm {
		n.becomeFollowerLocked(args.Term)
	}
	if args.Term < n.currentTerm {
		return wire.VoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	alreadyVotedForOther := n.votedFor != nil && *n.votedFor != args.CandidateID
	lastLogIndex, lastLogTerm := n.lastLogIndexTermLocked()
	candidateUpToDate := args.LastLogTerm > lastLogTerm ||
		(args.LastLogTerm == lastLogTerm && args.LastLogIndex >= lastLogIndex)

	if alreadyVotedForOther || !candidateUpToDate {
		return wire.VoteResponse{Term: n.currentTerm, VoteGranted: false}
	}

	candidate := args.CandidateID
	n.votedFor = &candidate
	n.currentTerm = args.Term
	if err := n.persistLocked(); err != nil {
		n.log.Error().Err(err).Msg("failed to persist vote, withholding grant")
		n.votedFor = nil
		return wire.VoteResponse{Term: n.currentTerm, VoteGranted: false}
	}
	n.resetElectionTimer()
	return wire.VoteResponse{Term: n.currentTerm, VoteGranted: true}
}
