package raft

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/kvraft/kvraft/internal/wire"
)

// Transport sends RPCs to a peer and waits for the reply. Implementations
// must honor ctx's deadline, abandoning (not blocking on) a peer that
// doesn't answer in time — a slow or partitioned peer must never stall
// the caller past its own heartbeat and election cadence.
type Transport interface {
	SendRequestVote(ctx context.Context, peerAddr string, args wire.RequestVoteArgs) (wire.VoteResponse, error)
	SendAppendEntries(ctx context.Context, peerAddr string, args wire.AppendEntriesArgs) (wire.AppendEntriesResponse, error)
}

// tcpTransport dials a fresh connection per RPC and speaks the same
// length-prefixed Envelope framing the server's accept loop reads,
// generalized from the teacher's cluster.Replicator, which dialed a
// fresh HTTP request per replication call rather than holding
// long-lived peer connections.
type tcpTransport struct{}

// NewTCPTransport returns a Transport that dials raw TCP connections
// framed per internal/wire.
func NewTCPTransport() Transport {
	return tcpTransport{}
}

func (tcpTransport) SendRequestVote(ctx context.Context, peerAddr string, args wire.RequestVoteArgs) (wire.VoteResponse, error) {
	var resp wire.VoteResponse
	env, err := wire.Wrap(wire.KindRequestVote, args)
	if err != nil {
		return resp, err
	}
	replyEnv, err := roundTrip(ctx, peerAddr, env)
	if err != nil {
		return resp, err
	}
	if replyEnv.Kind != wire.KindVoteResponse {
		return resp, fmt.Errorf("raft: unexpected reply kind %q to RequestVote", replyEnv.Kind)
	}
	if err := wire.UnmarshalBody(replyEnv, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (tcpTransport) SendAppendEntries(ctx context.Context, peerAddr string, args wire.AppendEntriesArgs) (wire.AppendEntriesResponse, error) {
	var resp wire.AppendEntriesResponse
	env, err := wire.Wrap(wire.KindAppendEntries, args)
	if err != nil {
		return resp, err
	}
	replyEnv, err := roundTrip(ctx, peerAddr, env)
	if err != nil {
		return resp, err
	}
	if replyEnv.Kind != wire.KindAppendEntriesAck {
		return resp, fmt.Errorf("raft: unexpected reply kind %q to AppendEntries", replyEnv.Kind)
	}
	if err := wire.UnmarshalBody(replyEnv, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func roundTrip(ctx context.Context, addr string, env wire.Envelope) (wire.Envelope, error) {
	var zero wire.Envelope

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return zero, fmt.Errorf("raft: dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return zero, err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return zero, err
	}

	r := bufio.NewReader(conn)
	replyPayload, err := wire.ReadFrame(r)
	if err != nil {
		return zero, fmt.Errorf("raft: read reply from %s: %w", addr, err)
	}
	var reply wire.Envelope
	if err := json.Unmarshal(replyPayload, &reply); err != nil {
		return zero, fmt.Errorf("raft: decode reply envelope from %s: %w", addr, err)
	}
	return reply, nil
}
